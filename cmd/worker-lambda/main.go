// Package main provides the SQS-triggered Lambda variant of the detection
// worker.
//
// The function is subscribed to the job queue with ReportBatchItemFailures
// enabled. Each record is processed exactly like the long-running worker
// does; records that should be retried are returned as batch item failures
// and everything else is deleted by Lambda. One CloudWatch EMF document is
// written per record.
package main

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-detect/internal/awsboot"
	"github.com/fpang/photo-detect/internal/config"
	"github.com/fpang/photo-detect/internal/logging"
	"github.com/fpang/photo-detect/internal/worker"
)

// commitHash is set at build time via -ldflags.
var commitHash string

var handler *worker.BatchHandler

func init() {
	initStart := time.Now()
	logging.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	clients := awsboot.Init(context.Background(), cfg)
	proc, err := awsboot.NewProcessor(cfg, clients)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build processor")
	}
	handler = worker.NewBatchHandler(proc, cfg.Worker.JobTimeout)

	logging.NewStartupLogger("worker-lambda").
		CommitHash(commitHash).
		S3Bucket("images", cfg.AWS.Bucket).
		DynamoTable("results", cfg.AWS.Table).
		Queue("jobs", cfg.AWS.QueueURL).
		Queue("deadLetter", cfg.AWS.DeadLetterURL).
		Feature("notifyFrontend", cfg.Publisher.FrontURL != "").
		Config("engine", cfg.Worker.Engine).
		InitDuration(time.Since(initStart)).
		Log()
}

func main() {
	lambda.Start(handler.Handle)
}
