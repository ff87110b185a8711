// Package worker consumes queued jobs: download the photo, run detection,
// store the annotated image and the PredictionResult, notify the front-end,
// and only then acknowledge the message.
package worker

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-detect/internal/annotate"
	"github.com/fpang/photo-detect/internal/inference"
	"github.com/fpang/photo-detect/internal/jobs"
	"github.com/fpang/photo-detect/internal/metrics"
	"github.com/fpang/photo-detect/internal/queue"
	"github.com/fpang/photo-detect/internal/retry"
	"github.com/fpang/photo-detect/internal/store"
)

// ObjectStore is the object store as the worker sees it.
type ObjectStore interface {
	Download(ctx context.Context, key, localPath string) error
	Upload(ctx context.Context, key, localPath string) error
	URI(key string) string
}

// Publisher tells the front-end a result is ready.
type Publisher interface {
	Publish(ctx context.Context, r *jobs.PredictionResult) error
}

// DeadLetterer moves a message body aside for good.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, body string) error
}

// Outcome says what to do with a delivered message.
type Outcome int

const (
	// Ack deletes the message: the job is done, already done, or unusable.
	Ack Outcome = iota
	// Retry leaves the message for redelivery after its visibility timeout.
	Retry
)

func (o Outcome) String() string {
	if o == Ack {
		return "ack"
	}
	return "retry"
}

// Report describes how one delivery was handled.
type Report struct {
	Outcome Outcome
	// Reason is one of done, duplicate, poison, dead_letter, retry.
	Reason  string
	JobID   string
	ChatID  string
	Labels  int
	Elapsed time.Duration
	Err     error
}

type Config struct {
	// MaxReceives dead-letters a job delivered more often than this.
	// Zero disables the check.
	MaxReceives int
	// WorkDir is the parent of per-job scratch directories.
	WorkDir string
	// AnnotatedPrefix is the key folder for annotated images.
	AnnotatedPrefix string
	// IO bounds local retries of object store and table calls.
	IO retry.Policy
}

type Processor struct {
	objects   ObjectStore
	results   store.ResultStore
	engine    inference.Engine
	names     inference.Names
	publisher Publisher
	dead      DeadLetterer
	cfg       Config
	now       func() time.Time
}

func NewProcessor(objects ObjectStore, results store.ResultStore, engine inference.Engine, names inference.Names, publisher Publisher, dead DeadLetterer, cfg Config) *Processor {
	if cfg.AnnotatedPrefix == "" {
		cfg.AnnotatedPrefix = "predictions"
	}
	if cfg.IO.Attempts == 0 {
		cfg.IO = retry.Default
	}
	if cfg.IO.Retryable == nil {
		cfg.IO.Retryable = jobs.Retryable
	}
	return &Processor{
		objects:   objects,
		results:   results,
		engine:    engine,
		names:     names,
		publisher: publisher,
		dead:      dead,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Process handles one delivery. It never deletes the message itself; the
// caller acknowledges when the report says Ack.
func (p *Processor) Process(ctx context.Context, msg queue.Message) Report {
	start := time.Now()
	rep := p.process(ctx, msg)
	rep.Elapsed = time.Since(start)
	metrics.IncProcessed(rep.Reason)
	return rep
}

func (p *Processor) process(ctx context.Context, msg queue.Message) Report {
	logger := log.With().Str("messageId", msg.ID).Int("receiveCount", msg.ReceiveCount).Logger()

	job, err := jobs.ParseJob(msg.Body)
	if err == nil {
		_, err = job.ImageKey()
	}
	if err != nil {
		logger.Error().Err(err).Str("body", truncate(msg.Body, 256)).Msg("Dropping unparseable job message")
		return Report{Outcome: Ack, Reason: "poison", Err: err}
	}

	logger = logger.With().Str("jobId", job.ID).Str("chatId", job.ChatID).Logger()
	rep := Report{JobID: job.ID, ChatID: job.ChatID}

	var existing *jobs.PredictionResult
	err = retry.Do(ctx, p.cfg.IO, "get result "+job.ID, func(ctx context.Context) error {
		r, err := p.results.GetResult(ctx, job.ID)
		existing = r
		return err
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Idempotency check failed, leaving message for redelivery")
		rep.Outcome, rep.Reason, rep.Err = Retry, "retry", err
		return rep
	}
	if existing != nil {
		logger.Info().Msg("Result already stored, treating redelivery as done")
		p.publish(ctx, logger, existing)
		rep.Outcome, rep.Reason, rep.Labels = Ack, "duplicate", len(existing.Labels)
		return rep
	}

	if p.cfg.MaxReceives > 0 && msg.ReceiveCount > p.cfg.MaxReceives {
		if err := p.dead.DeadLetter(ctx, msg.Body); err != nil {
			logger.Error().Err(err).Msg("Failed to dead-letter job, leaving message")
			rep.Outcome, rep.Reason, rep.Err = Retry, "retry", err
			return rep
		}
		logger.Error().Int("maxReceives", p.cfg.MaxReceives).Msg("Job exceeded delivery limit, moved to dead-letter queue")
		rep.Outcome, rep.Reason = Ack, "dead_letter"
		return rep
	}

	result, err := p.run(ctx, logger, job)
	if err != nil {
		logger.Error().Err(err).Msg("Job failed, leaving message for redelivery")
		rep.Outcome, rep.Reason, rep.Err = Retry, "retry", err
		return rep
	}

	p.publish(ctx, logger, result)
	rep.Outcome, rep.Reason, rep.Labels = Ack, "done", len(result.Labels)
	return rep
}

// run executes the pipeline and returns the durably stored result.
func (p *Processor) run(ctx context.Context, logger zerolog.Logger, job *jobs.Job) (*jobs.PredictionResult, error) {
	key, _ := job.ImageKey()

	if p.cfg.WorkDir != "" {
		if err := os.MkdirAll(p.cfg.WorkDir, 0o755); err != nil {
			return nil, fmt.Errorf("create work dir: %w", err)
		}
	}
	workDir, err := os.MkdirTemp(p.cfg.WorkDir, job.ID+"-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	base := path.Base(key)
	original := filepath.Join(workDir, "input", base)

	start := time.Now()
	err = retry.Do(ctx, p.cfg.IO, "download "+key, func(ctx context.Context) error {
		return p.objects.Download(ctx, key, original)
	})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w: %w", key, jobs.ErrTransientIO, err)
	}
	metrics.ObserveStage("download", time.Since(start))

	start = time.Now()
	out, err := p.engine.Detect(ctx, original, filepath.Join(workDir, "engine"))
	if err != nil {
		return nil, err
	}
	labels := inference.ToLabels(out.Detections, p.names)
	metrics.ObserveStage("inference", time.Since(start))
	logger.Info().Int("labels", len(labels)).Dur("elapsed", time.Since(start)).Msg("Detection finished")

	annotated := out.AnnotatedPath
	annotatedName := base
	if annotated == "" {
		if _, err := imaging.FormatFromFilename(base); err != nil {
			annotatedName = strings.TrimSuffix(base, path.Ext(base)) + ".jpg"
		}
		annotated = filepath.Join(workDir, "annotated", annotatedName)
		if err := os.MkdirAll(filepath.Dir(annotated), 0o755); err != nil {
			return nil, fmt.Errorf("create annotated dir: %w", err)
		}
		if err := annotate.File(original, annotated, labels); err != nil {
			return nil, fmt.Errorf("%w: annotate: %v", jobs.ErrInferenceFailure, err)
		}
	}

	annotatedKey := path.Join(p.cfg.AnnotatedPrefix, job.ID, annotatedName)
	err = retry.Do(ctx, p.cfg.IO, "upload "+annotatedKey, func(ctx context.Context) error {
		return p.objects.Upload(ctx, annotatedKey, annotated)
	})
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w: %w", annotatedKey, jobs.ErrTransientIO, err)
	}

	result := jobs.NewResult(job, labels, p.objects.URI(key), p.objects.URI(annotatedKey), p.now())
	start = time.Now()
	err = retry.Do(ctx, p.cfg.IO, "put result "+job.ID, func(ctx context.Context) error {
		return p.results.PutResult(ctx, result)
	})
	if err != nil {
		return nil, fmt.Errorf("persist result: %w: %w", jobs.ErrTransientIO, err)
	}
	metrics.ObserveStage("persist", time.Since(start))
	logger.Info().Str("annotated", result.AnnotatedRef).Msg("Prediction result stored")
	return result, nil
}

// publish never fails the job: the result is already durable.
func (p *Processor) publish(ctx context.Context, logger zerolog.Logger, r *jobs.PredictionResult) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, r); err != nil {
		logger.Error().Err(err).Msg("Result notification failed, result stays available for query")
	}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
