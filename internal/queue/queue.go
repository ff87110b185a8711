// Package queue provides the at-least-once job queue: an SQS adapter for
// production and an in-memory queue with visibility timeouts for tests and
// local runs.
package queue

import (
	"context"
	"time"
)

// Message is one delivery of a queued body. The same body may be delivered
// more than once; ReceiveCount tells how many times it has been handed out.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
	ReceiveCount  int
}

// Queue is the contract the producer and worker depend on.
type Queue interface {
	Send(ctx context.Context, body string) (string, error)
	// Receive long-polls for at most maxWait and returns zero or one message.
	Receive(ctx context.Context, maxWait time.Duration) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
	// DeadLetter moves a body aside so it is no longer retried.
	DeadLetter(ctx context.Context, body string) error
}
