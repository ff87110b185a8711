// Package producer turns an accepted photo into a durably queued Job:
// upload to the object store, wait until the object is visible, then
// enqueue. A job is never enqueued for an object a worker could not read.
package producer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-detect/internal/jobs"
	"github.com/fpang/photo-detect/internal/metrics"
	"github.com/fpang/photo-detect/internal/retry"
)

// ObjectStore is the upload side of the object store.
type ObjectStore interface {
	Upload(ctx context.Context, key, localPath string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Sender enqueues a message body.
type Sender interface {
	Send(ctx context.Context, body string) (string, error)
}

// Config bounds the handoff.
type Config struct {
	// KeyPrefix is the object key folder for uploaded originals.
	KeyPrefix string
	// VisibilityAttempts is how many existence checks are made before the
	// upload is declared lost. Zero skips the check entirely.
	VisibilityAttempts int
	// VisibilityInterval is the fixed delay between existence checks.
	VisibilityInterval time.Duration
	Upload             retry.Policy
	Enqueue            retry.Policy
}

// DefaultConfig waits up to about two seconds for visibility.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:          "uploads",
		VisibilityAttempts: 5,
		VisibilityInterval: 500 * time.Millisecond,
		Upload:             retry.Default,
		Enqueue:            retry.Policy{Attempts: 5, BaseDelay: 250 * time.Millisecond, MaxDelay: 4 * time.Second},
	}
}

type Producer struct {
	objects ObjectStore
	queue   Sender
	cfg     Config

	// Injected for tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
	newID func() string
}

func New(objects ObjectStore, queue Sender, cfg Config) *Producer {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "uploads"
	}
	if cfg.Upload.Retryable == nil {
		cfg.Upload.Retryable = jobs.Retryable
	}
	if cfg.Enqueue.Retryable == nil {
		cfg.Enqueue.Retryable = jobs.Retryable
	}
	return &Producer{
		objects: objects,
		queue:   queue,
		cfg:     cfg,
		sleep:   sleepCtx,
		now:     time.Now,
		newID:   jobs.NewID,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ObjectKey derives a collision-free key for an upload of filename.
func ObjectKey(prefix, id, filename string) string {
	name := filepath.Base(filename)
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r < 0x20 {
			return '_'
		}
		return r
	}, name)
	return strings.Trim(prefix, "/") + "/" + id + "-" + name
}

// Submit uploads localPath for chatID and enqueues a Job for it. It returns
// the new job id once the job is on the queue; it never waits for a worker.
//
// Errors wrap jobs.ErrBadInput (file missing, unreadable or empty),
// jobs.ErrTransientIO (upload failed after retries), jobs.ErrUploadTimeout
// (object never became visible) or jobs.ErrEnqueueFailed.
func (p *Producer) Submit(ctx context.Context, chatID, localPath string) (string, error) {
	jobID, err := p.submit(ctx, chatID, localPath)
	metrics.IncSubmitted(outcome(err))
	return jobID, err
}

func (p *Producer) submit(ctx context.Context, chatID, localPath string) (string, error) {
	if chatID == "" {
		return "", fmt.Errorf("%w: missing chat id", jobs.ErrBadInput)
	}
	if err := checkReadable(localPath); err != nil {
		return "", err
	}

	key := ObjectKey(p.cfg.KeyPrefix, uuid.NewString(), localPath)
	logger := log.With().Str("chatId", chatID).Str("key", key).Logger()

	start := time.Now()
	err := retry.Do(ctx, p.cfg.Upload, "upload "+key, func(ctx context.Context) error {
		return p.objects.Upload(ctx, key, localPath)
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w: %w", key, jobs.ErrTransientIO, err)
	}
	metrics.ObserveStage("upload", time.Since(start))
	logger.Debug().Dur("elapsed", time.Since(start)).Msg("Photo uploaded")

	start = time.Now()
	if err := p.waitVisible(ctx, key); err != nil {
		return "", err
	}
	metrics.ObserveStage("visibility", time.Since(start))

	job := &jobs.Job{
		ID:         p.newID(),
		ChatID:     chatID,
		ImageRef:   key,
		EnqueuedAt: p.now().UTC(),
	}
	body, err := job.Encode()
	if err != nil {
		return "", err
	}

	start = time.Now()
	var messageID string
	err = retry.Do(ctx, p.cfg.Enqueue, "enqueue "+job.ID, func(ctx context.Context) error {
		id, err := p.queue.Send(ctx, body)
		messageID = id
		return err
	})
	if err != nil {
		return "", fmt.Errorf("enqueue job %s: %w: %w", job.ID, jobs.ErrEnqueueFailed, err)
	}
	metrics.ObserveStage("enqueue", time.Since(start))

	logger.Info().
		Str("jobId", job.ID).
		Str("messageId", messageID).
		Msg("Job enqueued")
	return job.ID, nil
}

// waitVisible polls Exists until the object is visible or the attempt
// budget is spent. Check errors count as "not yet visible".
func (p *Producer) waitVisible(ctx context.Context, key string) error {
	attempts := p.cfg.VisibilityAttempts
	if attempts <= 0 {
		return nil
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		ok, err := p.objects.Exists(ctx, key)
		if err != nil {
			lastErr = err
			log.Debug().Err(err).Str("key", key).Int("attempt", i).Msg("Existence check failed")
		}
		if ok {
			return nil
		}
		if i == attempts {
			break
		}
		if err := p.sleep(ctx, p.cfg.VisibilityInterval); err != nil {
			return fmt.Errorf("wait for %s: %w", key, err)
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %s not visible after %d checks: %v", jobs.ErrUploadTimeout, key, attempts, lastErr)
	}
	return fmt.Errorf("%w: %s not visible after %d checks", jobs.ErrUploadTimeout, key, attempts)
}

func checkReadable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", jobs.ErrBadInput, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", jobs.ErrBadInput, path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", jobs.ErrBadInput, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", jobs.ErrBadInput, err)
	}
	return f.Close()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "enqueued"
	case errors.Is(err, jobs.ErrBadInput):
		return "bad_input"
	case errors.Is(err, jobs.ErrUploadTimeout):
		return "upload_timeout"
	case errors.Is(err, jobs.ErrEnqueueFailed):
		return "enqueue_failed"
	}
	return "error"
}
