// Package session is the per-chat conversation state machine. It decides
// what each inbound chat event means for the chat's ChatSession and hands
// accepted photos to the producer.
//
// Session reads and writes happen under a per-chat lock; staging a photo,
// submitting it and replying to the user happen outside the lock so a slow
// upload never blocks other events for the same chat longer than needed,
// and never blocks other chats at all.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-detect/internal/jobutil"
	"github.com/fpang/photo-detect/internal/metrics"
	"github.com/fpang/photo-detect/internal/retry"
	"github.com/fpang/photo-detect/internal/store"
)

// PhotoStager fetches a photo referenced by a chat event to a local file.
type PhotoStager interface {
	StagePhoto(ctx context.Context, fileRef string) (localPath string, err error)
}

// Submitter hands a staged photo to the pipeline and returns its job id.
type Submitter interface {
	Submit(ctx context.Context, chatID, localPath string) (jobID string, err error)
}

// Config tunes a Machine.
type Config struct {
	Mode Mode
	// LockTimeout bounds the wait for the per-chat lock.
	LockTimeout time.Duration
	// SubmitStaleAfter resets a session stuck in Submitting, e.g. after the
	// instance that was submitting the batch died.
	SubmitStaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeImmediate
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 10 * time.Second
	}
	if c.SubmitStaleAfter <= 0 {
		c.SubmitStaleAfter = 10 * time.Minute
	}
	return c
}

// Machine is the chat state machine. It is safe for concurrent use.
type Machine struct {
	sessions store.SessionStore
	locks    Locker
	chat     jobutil.TextSender
	stager   PhotoStager
	producer Submitter
	cfg      Config
	conflict retry.Policy
	now      func() time.Time
}

func NewMachine(sessions store.SessionStore, locks Locker, chat jobutil.TextSender, stager PhotoStager, producer Submitter, cfg Config) *Machine {
	return &Machine{
		sessions: sessions,
		locks:    locks,
		chat:     chat,
		stager:   stager,
		producer: producer,
		cfg:      cfg.withDefaults(),
		conflict: retry.Policy{Attempts: 3, BaseDelay: 20 * time.Millisecond, MaxDelay: 200 * time.Millisecond},
		now:      time.Now,
	}
}

// Mode returns the configured photo handoff mode.
func (m *Machine) Mode() Mode { return m.cfg.Mode }

// HandleEvent applies one inbound event. Malformed events are logged and
// ignored. The returned error reports infrastructure failures (session
// store, lock) only; user-facing failures are answered in the chat.
func (m *Machine) HandleEvent(ctx context.Context, ev Event) error {
	if !ev.Valid() {
		log.Warn().
			Str("chatId", ev.ChatID).
			Str("kind", string(ev.Kind)).
			Msg("Ignoring malformed chat event")
		metrics.IncChatEvent(string(ev.Kind), "malformed")
		return nil
	}

	log.Debug().Str("chatId", ev.ChatID).Str("kind", string(ev.Kind)).Msg("Handling chat event")
	if ev.Kind == KindPhoto {
		return m.handlePhoto(ctx, ev)
	}
	if parseCommand(ev.Payload) == cmdDone {
		return m.handleDone(ctx, ev.ChatID)
	}
	return m.handleText(ctx, ev)
}

// update runs fn on the chat's session under the per-chat lock and persists
// it when fn reports a change. A write that lost a race with another
// instance is retried on a fresh read, so fn must only assign to captured
// variables, never accumulate into them.
func (m *Machine) update(ctx context.Context, chatID string, fn func(s *store.ChatSession) bool) error {
	p := m.conflict
	p.Retryable = func(err error) bool { return errors.Is(err, store.ErrConflict) }
	return retry.Do(ctx, p, "update session "+chatID, func(ctx context.Context) error {
		lctx, cancel := context.WithTimeout(ctx, m.cfg.LockTimeout)
		unlock, err := m.locks.Lock(lctx, chatID)
		cancel()
		if err != nil {
			return fmt.Errorf("lock chat %s: %w", chatID, err)
		}
		defer unlock()

		s, err := m.sessions.GetChatSession(ctx, chatID)
		if err != nil {
			return err
		}
		changed := m.expireStale(s)
		if fn(s) || changed {
			return m.sessions.PutChatSession(ctx, s)
		}
		return nil
	})
}

func (m *Machine) expireStale(s *store.ChatSession) bool {
	if s.State != store.StateSubmitting {
		return false
	}
	age := m.now().Sub(time.Unix(s.UpdatedAt, 0))
	if age < m.cfg.SubmitStaleAfter {
		return false
	}
	log.Warn().
		Str("chatId", s.ChatID).
		Dur("age", age).
		Int("pending", len(s.PendingImages)).
		Msg("Resetting session stuck in submitting")
	s.Reset()
	return true
}

// reply sends text to the chat. A failed send is only logged: the session
// change it reports is already persisted, and a redelivered event would
// apply it twice.
func (m *Machine) reply(ctx context.Context, chatID, text string) {
	if text == "" {
		return
	}
	if err := m.chat.SendText(ctx, chatID, text); err != nil {
		log.Warn().Err(err).Str("chatId", chatID).Msg("Failed to send chat reply")
	}
}

func (m *Machine) handleText(ctx context.Context, ev Event) error {
	cmd := parseCommand(ev.Payload)
	var reply, outcome string
	err := m.update(ctx, ev.ChatID, func(s *store.ChatSession) bool {
		switch s.State {
		case store.StateSubmitting:
			reply, outcome = MsgStillSubmitting, "busy"
			return false
		case store.StateAwaitingPhotos:
			outcome = "usage"
			reply = MsgAwaitingUsage
			if cmd == cmdStart {
				reply = MsgAlreadyWaiting
			}
			return false
		}
		if cmd == cmdStart {
			s.State = store.StateAwaitingPhotos
			s.PendingImages = nil
			reply, outcome = MsgStartPrompt, "started"
			return true
		}
		reply, outcome = MsgUsage, "usage"
		return false
	})
	if err != nil {
		return err
	}
	metrics.IncChatEvent(string(KindText), outcome)
	m.reply(ctx, ev.ChatID, reply)
	return nil
}

func (m *Machine) handlePhoto(ctx context.Context, ev Event) error {
	// Unlocked pre-check so photos sent to an idle chat are never downloaded.
	// The decision is repeated under the lock below.
	s, err := m.sessions.GetChatSession(ctx, ev.ChatID)
	if err != nil {
		return err
	}
	m.expireStale(s)
	switch s.State {
	case store.StateIdle:
		metrics.IncChatEvent(string(KindPhoto), "rejected")
		m.reply(ctx, ev.ChatID, MsgUseStartFirst)
		return nil
	case store.StateSubmitting:
		metrics.IncChatEvent(string(KindPhoto), "busy")
		m.reply(ctx, ev.ChatID, MsgStillSubmitting)
		return nil
	}

	path, err := m.stager.StagePhoto(ctx, ev.Payload)
	if err != nil {
		metrics.IncChatEvent(string(KindPhoto), "stage_failed")
		_ = jobutil.ReportFailure(ctx, m.chat, ev.ChatID, "", fmt.Errorf("stage photo: %w", err))
		return nil
	}

	submitNow := m.cfg.Mode != ModeDeferred
	var (
		accepted bool
		staged   int
		reply    string
	)
	err = m.update(ctx, ev.ChatID, func(s *store.ChatSession) bool {
		accepted, staged, reply = false, 0, ""
		switch s.State {
		case store.StateSubmitting:
			reply = MsgStillSubmitting
			return false
		case store.StateIdle:
			reply = MsgUseStartFirst
			return false
		}
		accepted = true
		if m.cfg.Mode == ModeSingleShot {
			s.Reset()
			return true
		}
		status := store.ImageStaged
		if submitNow {
			status = store.ImageSubmitting
		}
		s.PendingImages = append(s.PendingImages, store.PendingImage{LocalPath: path, Status: status})
		staged = len(s.PendingImages)
		return true
	})
	if err != nil || !accepted {
		removeStaged(path)
		if err != nil {
			return err
		}
		metrics.IncChatEvent(string(KindPhoto), "rejected")
		m.reply(ctx, ev.ChatID, reply)
		return nil
	}

	metrics.IncChatEvent(string(KindPhoto), "accepted")
	if !submitNow {
		m.reply(ctx, ev.ChatID, fmt.Sprintf("Photo %d received. Send more, or \"done\" to submit them.", staged))
		return nil
	}
	m.submit(ctx, ev.ChatID, path)
	return nil
}

// handleDone closes the batch. Photos still staged are submitted one by one
// while the session sits in Submitting; photos already handed off are only
// counted.
func (m *Machine) handleDone(ctx context.Context, chatID string) error {
	var (
		reply     string
		batch     []string
		submitted int
	)
	err := m.update(ctx, chatID, func(s *store.ChatSession) bool {
		reply, batch, submitted = "", nil, 0
		switch s.State {
		case store.StateSubmitting:
			reply = MsgStillSubmitting
			return false
		case store.StateIdle:
			reply = MsgUsage
			return false
		}
		if len(s.PendingImages) == 0 {
			reply = MsgNothingToProcess
			s.Reset()
			return true
		}
		for i, p := range s.PendingImages {
			switch p.Status {
			case store.ImageStaged:
				batch = append(batch, p.LocalPath)
				s.PendingImages[i].Status = store.ImageSubmitting
			case store.ImageSubmitting, store.ImageSubmitted:
				submitted++
			}
		}
		if len(batch) == 0 {
			reply = fmt.Sprintf(msgBatchClosed, submitted)
			s.Reset()
			return true
		}
		s.State = store.StateSubmitting
		return true
	})
	if err != nil {
		return err
	}
	metrics.IncChatEvent(string(KindText), "done")
	if len(batch) == 0 {
		m.reply(ctx, chatID, reply)
		return nil
	}

	log.Info().Str("chatId", chatID).Int("photos", len(batch)).Msg("Submitting photo batch")
	for _, path := range batch {
		if m.submit(ctx, chatID, path) {
			submitted++
		}
	}

	err = m.update(ctx, chatID, func(s *store.ChatSession) bool {
		if s.State != store.StateSubmitting {
			return false
		}
		s.Reset()
		return true
	})
	if err != nil {
		return err
	}
	m.reply(ctx, chatID, fmt.Sprintf(msgBatchClosed, submitted))
	return nil
}

// submit runs the producer for one staged photo, tells the user, and records
// the outcome on the pending entry if the session still holds it.
func (m *Machine) submit(ctx context.Context, chatID, path string) bool {
	jobID, err := m.producer.Submit(ctx, chatID, path)
	removeStaged(path)

	status := store.ImageSubmitted
	if err != nil {
		status = store.ImageFailed
		_ = jobutil.ReportFailure(ctx, m.chat, chatID, jobID, err)
	} else {
		log.Info().Str("jobId", jobID).Str("chatId", chatID).Msg("Photo handed off for detection")
		m.reply(ctx, chatID, fmt.Sprintf(msgProcessing, jobID))
	}

	uerr := m.update(ctx, chatID, func(s *store.ChatSession) bool {
		for i, p := range s.PendingImages {
			if p.LocalPath == path && p.Status == store.ImageSubmitting {
				s.PendingImages[i].Status = status
				s.PendingImages[i].JobID = jobID
				return true
			}
		}
		return false
	})
	if uerr != nil {
		log.Warn().Err(uerr).Str("chatId", chatID).Str("jobId", jobID).Msg("Failed to record submission on session")
	}
	return err == nil
}

func removeStaged(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Debug().Err(err).Str("path", path).Msg("Failed to remove staged photo")
	}
}
