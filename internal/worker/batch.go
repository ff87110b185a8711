package worker

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-detect/internal/metrics"
	"github.com/fpang/photo-detect/internal/queue"
)

// BatchHandler processes SQS batches delivered to a Lambda function. Records
// whose outcome is Retry are reported as batch item failures so only they
// return to the queue; Lambda deletes the rest.
type BatchHandler struct {
	proc       *Processor
	jobTimeout time.Duration
	// newRecorder is swapped in tests to capture EMF output.
	newRecorder func() *metrics.Recorder
}

// NewBatchHandler wraps proc. Each record is bounded by jobTimeout.
func NewBatchHandler(proc *Processor, jobTimeout time.Duration) *BatchHandler {
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}
	return &BatchHandler{
		proc:        proc,
		jobTimeout:  jobTimeout,
		newRecorder: func() *metrics.Recorder { return metrics.New(metrics.Namespace) },
	}
}

// Handle is the Lambda entry point for an SQS trigger with
// ReportBatchItemFailures enabled.
func (h *BatchHandler) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		msg := queue.Message{
			ID:            rec.MessageId,
			Body:          rec.Body,
			ReceiptHandle: rec.ReceiptHandle,
			ReceiveCount:  queue.ReceiveCount(rec.Attributes),
		}

		jctx, cancel := context.WithTimeout(ctx, h.jobTimeout)
		rep := h.proc.Process(jctx, msg)
		cancel()

		h.newRecorder().
			Dimension("Outcome", rep.Outcome.String()).
			Count("JobsProcessed").
			Duration("JobDurationMs", rep.Elapsed).
			Metric("LabelsDetected", float64(rep.Labels), metrics.UnitCount).
			Property("jobId", rep.JobID).
			Property("reason", rep.Reason).
			Flush()

		if rep.Outcome == Retry {
			log.Warn().Err(rep.Err).Str("jobId", rep.JobID).Str("messageId", rec.MessageId).Msg("Record left for redelivery")
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
			continue
		}
		log.Info().Str("jobId", rep.JobID).Str("messageId", rec.MessageId).Str("reason", rep.Reason).Msg("Record handled")
	}
	return resp, nil
}
