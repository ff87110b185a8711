// Package main runs the chat front-end: the Telegram webhook, the per-chat
// session state machine, the upload handoff to the detection queue, and the
// result notification endpoint the worker calls.
//
// Run modes:
//   - HTTP server (default). The webhook is registered at
//     {TELEGRAM_APP_URL}/{token}/ when TELEGRAM_APP_URL is set; otherwise the
//     bot long-polls Telegram and the server only serves results and metrics.
//   - Lambda behind API Gateway when AWS_LAMBDA_FUNCTION_NAME is set.
//
// Chat locks are held in Redis when REDIS_ADDR is set so several instances
// can share the same bot; a single instance uses in-process locks.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-detect/internal/awsboot"
	"github.com/fpang/photo-detect/internal/config"
	"github.com/fpang/photo-detect/internal/frontend"
	"github.com/fpang/photo-detect/internal/logging"
	"github.com/fpang/photo-detect/internal/metrics"
	"github.com/fpang/photo-detect/internal/session"
	"github.com/fpang/photo-detect/internal/telegram"
	"github.com/fpang/photo-detect/internal/webhook"
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
	token, err := awsboot.LoadTelegramToken(ctx, clients.SSM, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Telegram token unavailable")
	}
	bot, err := telegram.Connect(token, cfg.Bot.StageDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Telegram")
	}

	locker := newLocker(ctx, cfg)
	machine := session.NewMachine(clients.Store, locker, bot, bot, awsboot.NewProducer(cfg, clients), cfg.SessionConfig())

	if cfg.Bot.Metrics {
		metrics.MustRegister()
	}
	srv := frontend.NewServer(
		webhook.NewHandler(cfg.Bot.WebhookSecret, machine),
		clients.Store, bot, clients.Bucket,
		frontend.Config{Token: token, StageDir: cfg.Bot.StageDir, Metrics: cfg.Bot.Metrics},
	)

	webhookURL := cfg.WebhookURL()
	if webhookURL != "" {
		if err := bot.EnsureWebhook(webhookURL, cfg.Bot.WebhookSecret); err != nil {
			log.Fatal().Err(err).Msg("Failed to register webhook")
		}
	}

	_, inLambda := os.LookupEnv("AWS_LAMBDA_FUNCTION_NAME")
	logging.NewStartupLogger("polybot").
		CommitHash(commitHash).
		S3Bucket("images", cfg.AWS.Bucket).
		DynamoTable("results", cfg.AWS.Table).
		Queue("jobs", cfg.AWS.QueueURL).
		SSMParam("telegramToken", cfg.Bot.TokenParam).
		Feature("redisLock", cfg.Redis.Addr != "").
		Feature("polling", webhookURL == "").
		Feature("lambda", inLambda).
		Feature("metrics", cfg.Bot.Metrics).
		Config("sessionMode", string(machine.Mode())).
		Config("listenAddr", cfg.Bot.ListenAddr).
		InitDuration(time.Since(initStart)).
		Log()

	if inLambda {
		adapter := httpadapter.NewV2(srv.Routes())
		lambda.Start(adapter.ProxyWithContext)
		return
	}

	polled := make(chan struct{})
	if webhookURL == "" {
		go func() {
			defer close(polled)
			err := bot.Poll(ctx, func(ctx context.Context, ev session.Event) {
				// Events already received finish during shutdown.
				if err := machine.HandleEvent(context.WithoutCancel(ctx), ev); err != nil {
					log.Error().Err(err).Str("chatId", ev.ChatID).Msg("Failed to handle chat event")
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Polling stopped")
			}
		}()
	} else {
		close(polled)
	}

	httpSrv := &http.Server{
		Addr:         cfg.Bot.ListenAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.Bot.ListenAddr).Msg("Starting front-end server")
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
	<-polled
}

func newLocker(ctx context.Context, cfg *config.Config) session.Locker {
	if cfg.Redis.Addr == "" {
		return session.NewKeyedMutex()
	}
	cli := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable")
	}
	return session.NewRedisLocker(cli, cfg.Redis.LockTTL)
}
