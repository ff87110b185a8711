// Package store persists prediction results and per-chat conversation
// state. Both live in one DynamoDB table keyed by PK/SK:
//
//	PK=PREDICTION#{jobId}  SK=RESULT   prediction result, written once
//	PK=CHAT#{chatId}       SK=SESSION  chat session, optimistic versioning
//
// Sessions survive front-end restarts and are shared between front-end
// instances; results are read by the front-end when answering a query.
package store

import (
	"context"
	"errors"

	"github.com/fpang/photo-detect/internal/jobs"
)

// ErrConflict is returned when a session was modified since it was read.
var ErrConflict = errors.New("session modified concurrently")

// SessionState is the conversation state of one chat.
type SessionState string

const (
	StateIdle           SessionState = "idle"
	StateAwaitingPhotos SessionState = "awaiting_photos"
	StateSubmitting     SessionState = "submitting"
)

// Pending image lifecycle within a session.
const (
	ImageStaged     = "staged"
	ImageSubmitting = "submitting"
	ImageSubmitted  = "submitted"
	ImageFailed     = "failed"
)

// PendingImage is a locally staged photo waiting for, or handed to, the producer.
type PendingImage struct {
	LocalPath string `dynamodbav:"localPath" json:"localPath"`
	Status    string `dynamodbav:"status" json:"status"`
	JobID     string `dynamodbav:"jobId,omitempty" json:"jobId,omitempty"`
}

// ChatSession is the conversation state for one chat id. PendingImages keeps
// submission order.
type ChatSession struct {
	ChatID        string         `dynamodbav:"-" json:"chatId"`
	State         SessionState   `dynamodbav:"state" json:"state"`
	PendingImages []PendingImage `dynamodbav:"pendingImages" json:"pendingImages"`
	UpdatedAt     int64          `dynamodbav:"updatedAt" json:"updatedAt"`
	// Version is bumped on every successful put.
	Version int64 `dynamodbav:"version" json:"version"`
}

// NewChatSession returns the default Idle session for chatID.
func NewChatSession(chatID string) *ChatSession {
	return &ChatSession{ChatID: chatID, State: StateIdle}
}

// Reset returns the session to Idle with no pending images.
func (s *ChatSession) Reset() {
	s.State = StateIdle
	s.PendingImages = nil
}

// ResultStore persists prediction results.
//
// GetResult returns (nil, nil) when no result exists. PutResult is
// idempotent: writing a result for a job id that already has one succeeds
// without changing the stored item.
type ResultStore interface {
	PutResult(ctx context.Context, r *jobs.PredictionResult) error
	GetResult(ctx context.Context, jobID string) (*jobs.PredictionResult, error)
}

// SessionStore persists chat sessions.
//
// GetChatSession returns a fresh Idle session when none is stored.
// PutChatSession writes s only if the stored version still equals s.Version,
// returning ErrConflict otherwise; on success s.Version is incremented.
type SessionStore interface {
	GetChatSession(ctx context.Context, chatID string) (*ChatSession, error)
	PutChatSession(ctx context.Context, s *ChatSession) error
}
