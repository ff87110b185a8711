package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-detect/internal/queue"
	"github.com/fpang/photo-detect/internal/retry"
)

type LoopConfig struct {
	// WaitTime is the long-poll bound for one receive call.
	WaitTime time.Duration
	// Concurrency is the number of independent receive loops.
	Concurrency int
	// JobTimeout bounds one delivery, including after shutdown began.
	JobTimeout time.Duration
	// ReceiveBackoff is the pause after a failed receive call.
	ReceiveBackoff time.Duration
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.WaitTime <= 0 {
		c.WaitTime = 20 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.ReceiveBackoff <= 0 {
		c.ReceiveBackoff = 10 * time.Second
	}
	return c
}

// Loop pulls messages and hands each to a Processor, one at a time per
// receive loop. Loops share nothing but the queue and the result store.
type Loop struct {
	q    queue.Queue
	proc *Processor
	cfg  LoopConfig
	ack  retry.Policy
}

func NewLoop(q queue.Queue, proc *Processor, cfg LoopConfig) *Loop {
	return &Loop{q: q, proc: proc, cfg: cfg.withDefaults(), ack: retry.Default}
}

// Run blocks until ctx is cancelled. Cancelling stops new receives; a job
// already received runs on to completion or JobTimeout, and its message is
// only deleted if its result is stored.
func (l *Loop) Run(ctx context.Context) error {
	log.Info().
		Int("concurrency", l.cfg.Concurrency).
		Dur("waitTime", l.cfg.WaitTime).
		Dur("jobTimeout", l.cfg.JobTimeout).
		Msg("Worker loop starting")

	var wg sync.WaitGroup
	for i := 0; i < l.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			l.consume(ctx, id)
		}(i)
	}
	wg.Wait()
	log.Info().Msg("Worker loop stopped")
	return nil
}

func (l *Loop) consume(ctx context.Context, id int) {
	for ctx.Err() == nil {
		if _, err := l.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Int("loop", id).Dur("backoff", l.cfg.ReceiveBackoff).Msg("Receive failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.cfg.ReceiveBackoff):
			}
		}
	}
}

// RunOnce performs a single receive and handles what it got. It reports
// whether a message was received; an empty poll is not an error.
func (l *Loop) RunOnce(ctx context.Context) (bool, error) {
	msgs, err := l.q.Receive(ctx, l.cfg.WaitTime)
	if err != nil {
		return false, err
	}
	for _, msg := range msgs {
		l.handle(ctx, msg)
	}
	return len(msgs) > 0, nil
}

func (l *Loop) handle(ctx context.Context, msg queue.Message) {
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.JobTimeout)
	defer cancel()

	rep := l.proc.Process(jctx, msg)
	evt := log.Info()
	if rep.Outcome == Retry {
		evt = log.Warn().Err(rep.Err)
	}
	evt.Str("jobId", rep.JobID).
		Str("chatId", rep.ChatID).
		Str("messageId", msg.ID).
		Str("reason", rep.Reason).
		Int("labels", rep.Labels).
		Dur("elapsed", rep.Elapsed).
		Msg("Delivery handled")

	if rep.Outcome != Ack {
		return
	}
	err := retry.Do(jctx, l.ack, "delete message "+msg.ID, func(ctx context.Context) error {
		return l.q.Delete(ctx, msg.ReceiptHandle)
	})
	if err != nil {
		// Redelivery is harmless: the idempotency check finds the stored result.
		log.Error().Err(err).Str("jobId", rep.JobID).Str("messageId", msg.ID).Msg("Failed to delete handled message")
	}
}
