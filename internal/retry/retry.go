// Package retry is the single bounded exponential-backoff helper used for
// uploads, enqueues, table writes and notifications.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Policy bounds a retried operation. Attempts counts the first call, so
// Attempts=1 means no retries.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Retryable decides whether an error deserves another attempt.
	// Nil retries everything except context cancellation.
	Retryable func(error) bool
}

// Default is the policy used for transient AWS and HTTP failures.
var Default = Policy{Attempts: 4, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}

// Immediate retries without sleeping. Intended for tests.
func Immediate(attempts int) Policy {
	return Policy{Attempts: attempts}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx is done.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.MaxInterval = p.MaxDelay
	exp.MaxElapsedTime = 0
	exp.RandomizationFactor = 0.2

	var b backoff.BackOff = backoff.WithMaxRetries(exp, uint64(p.Attempts-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	var lastErr error
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(p, err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, next time.Duration) {
		log.Warn().Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Int("maxAttempts", p.Attempts).
			Dur("nextDelay", next).
			Msg("Retrying after failure")
	})
	if err == nil {
		return nil
	}
	if lastErr == nil || !retryable(p, lastErr) {
		// Permanent error or context cancelled before any attempt.
		return err
	}
	if ctx.Err() != nil && attempt < p.Attempts {
		return fmt.Errorf("%s: %w (last error: %v)", op, ctx.Err(), lastErr)
	}
	return &ExhaustedError{Op: op, Attempts: attempt, Err: lastErr}
}

func retryable(p Policy, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}
