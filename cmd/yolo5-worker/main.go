// Package main runs the detection worker: it long-polls the job queue,
// runs object detection on each photo, stores the result, and notifies the
// front-end. SIGINT/SIGTERM stop receiving; a job already in progress is
// finished (bounded by WORKER_JOB_TIMEOUT) before the process exits.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-detect/internal/awsboot"
	"github.com/fpang/photo-detect/internal/config"
	"github.com/fpang/photo-detect/internal/logging"
	"github.com/fpang/photo-detect/internal/metrics"
	"github.com/fpang/photo-detect/internal/worker"
)

// commitHash is set at build time via -ldflags.
var commitHash string

func main() {
	initStart := time.Now()
	logging.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clients := awsboot.Init(ctx, cfg)
	proc, err := awsboot.NewProcessor(cfg, clients)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build processor")
	}
	loop := worker.NewLoop(clients.Queue, proc, cfg.LoopConfig())

	if cfg.Worker.Metrics {
		metrics.MustRegister()
		go serveMetrics(ctx, cfg.Worker.MetricsAddr)
	}

	logging.NewStartupLogger("yolo5-worker").
		CommitHash(commitHash).
		S3Bucket("images", cfg.AWS.Bucket).
		DynamoTable("results", cfg.AWS.Table).
		Queue("jobs", cfg.AWS.QueueURL).
		Queue("deadLetter", cfg.AWS.DeadLetterURL).
		Feature("metrics", cfg.Worker.Metrics).
		Feature("notifyFrontend", cfg.Publisher.FrontURL != "").
		Config("engine", cfg.Worker.Engine).
		Config("labels", cfg.Worker.LabelsFile).
		Config("concurrency", strconv.Itoa(cfg.Worker.Concurrency)).
		Config("maxReceives", strconv.Itoa(cfg.Worker.MaxReceives)).
		InitDuration(time.Since(initStart)).
		Log()

	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Worker loop failed")
	}
	log.Info().Msg("Worker stopped")
}

// serveMetrics exposes /metrics until ctx is done.
func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
	}
}
