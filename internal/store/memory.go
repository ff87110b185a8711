package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fpang/photo-detect/internal/jobs"
)

// MemoryStore is an in-process ResultStore and SessionStore used by local
// runs and tests. Values are copied in and out so callers never share state
// with the store.
type MemoryStore struct {
	mu       sync.Mutex
	results  map[string]jobs.PredictionResult
	sessions map[string]ChatSession
	puts     int
}

var (
	_ ResultStore  = (*MemoryStore)(nil)
	_ SessionStore = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		results:  make(map[string]jobs.PredictionResult),
		sessions: make(map[string]ChatSession),
	}
}

func (m *MemoryStore) PutResult(_ context.Context, r *jobs.PredictionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if _, ok := m.results[r.JobID]; ok {
		return nil
	}
	cp := *r
	cp.Labels = append([]jobs.Label(nil), r.Labels...)
	m.results[r.JobID] = cp
	return nil
}

func (m *MemoryStore) GetResult(_ context.Context, jobID string) (*jobs.PredictionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[jobID]
	if !ok {
		return nil, nil
	}
	r.Labels = append([]jobs.Label(nil), r.Labels...)
	return &r, nil
}

// ResultCount returns the number of distinct stored results.
func (m *MemoryStore) ResultCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

// PutAttempts returns how many times PutResult was called.
func (m *MemoryStore) PutAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

func (m *MemoryStore) GetChatSession(_ context.Context, chatID string) (*ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[chatID]
	if !ok {
		return NewChatSession(chatID), nil
	}
	s.PendingImages = append([]PendingImage(nil), s.PendingImages...)
	return &s, nil
}

func (m *MemoryStore) PutChatSession(_ context.Context, s *ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sessions[s.ChatID]
	var version int64
	if ok {
		version = current.Version
	}
	if version != s.Version {
		return fmt.Errorf("put chat session %s (version %d, stored %d): %w", s.ChatID, s.Version, version, ErrConflict)
	}
	s.Version++
	s.UpdatedAt = time.Now().Unix()
	cp := *s
	cp.PendingImages = append([]PendingImage(nil), s.PendingImages...)
	m.sessions[s.ChatID] = cp
	return nil
}
