package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memEntry struct {
	msg          Message
	invisibleTil time.Time
	receipt      string
}

// Memory is an in-process Queue with SQS-like visibility timeouts.
// Received messages stay hidden for the visibility timeout and then become
// deliverable again unless deleted.
type Memory struct {
	mu         sync.Mutex
	entries    []*memEntry
	dead       []string
	visibility time.Duration
	now        func() time.Time
	seq        int
	notify     chan struct{}
}

var _ Queue = (*Memory)(nil)

// NewMemory returns an empty queue with the given visibility timeout.
func NewMemory(visibility time.Duration) *Memory {
	return &Memory{visibility: visibility, now: time.Now, notify: make(chan struct{}, 1)}
}

// SetClock overrides the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Send(ctx context.Context, body string) (string, error) {
	m.mu.Lock()
	m.seq++
	id := fmt.Sprintf("msg-%d", m.seq)
	m.entries = append(m.entries, &memEntry{msg: Message{ID: id, Body: body}})
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return id, nil
}

func (m *Memory) Receive(ctx context.Context, maxWait time.Duration) ([]Message, error) {
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	for {
		if msg, ok := m.take(); ok {
			return []Message{msg}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-m.notify:
		}
	}
}

func (m *Memory) take() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, e := range m.entries {
		if now.Before(e.invisibleTil) {
			continue
		}
		m.seq++
		e.receipt = fmt.Sprintf("%s#%d", e.msg.ID, m.seq)
		e.msg.ReceiveCount++
		e.invisibleTil = now.Add(m.visibility)
		out := e.msg
		out.ReceiptHandle = e.receipt
		return out, true
	}
	return Message{}, false
}

func (m *Memory) Delete(ctx context.Context, receiptHandle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.receipt == receiptHandle {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("receipt handle %q not found or expired", receiptHandle)
}

func (m *Memory) DeadLetter(ctx context.Context, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead = append(m.dead, body)
	return nil
}

// Len returns the number of undeleted messages, visible or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// DeadLetters returns bodies moved aside.
func (m *Memory) DeadLetters() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.dead...)
}

// Bodies returns the bodies of all undeleted messages in send order.
func (m *Memory) Bodies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.msg.Body)
	}
	return out
}

// ExpireVisibility makes every in-flight message deliverable again, as if
// the visibility timeout had elapsed.
func (m *Memory) ExpireVisibility() {
	m.mu.Lock()
	for _, e := range m.entries {
		e.invisibleTil = time.Time{}
	}
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}
