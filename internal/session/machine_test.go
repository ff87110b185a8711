package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fpang/photo-detect/internal/jobs"
	"github.com/fpang/photo-detect/internal/store"
)

type fakeChat struct {
	mu    sync.Mutex
	texts map[string][]string
	// failures makes the next n sends fail.
	failures int
}

func (f *fakeChat) SendText(_ context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("telegram 502")
	}
	if f.texts == nil {
		f.texts = make(map[string][]string)
	}
	f.texts[chatID] = append(f.texts[chatID], text)
	return nil
}

func (f *fakeChat) last(chatID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.texts[chatID]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

func (f *fakeChat) count(chatID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts[chatID])
}

type fakeStager struct {
	dir   string
	mu    sync.Mutex
	calls int
}

func (f *fakeStager) StagePhoto(_ context.Context, fileRef string) (string, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	path := filepath.Join(f.dir, fmt.Sprintf("%s-%d.jpg", fileRef, n))
	return path, os.WriteFile(path, []byte("jpeg"), 0o644)
}

type fakeProducer struct {
	mu     sync.Mutex
	jobIDs []string
	err    error
}

func (f *fakeProducer) Submit(_ context.Context, _ string, localPath string) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		return "", fmt.Errorf("staged file missing: %w", jobs.ErrBadInput)
	}
	if f.err != nil {
		return "", f.err
	}
	id := jobs.NewID()
	f.mu.Lock()
	f.jobIDs = append(f.jobIDs, id)
	f.mu.Unlock()
	return id, nil
}

func (f *fakeProducer) submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.jobIDs...)
}

type harness struct {
	m        *Machine
	store    *store.MemoryStore
	chat     *fakeChat
	stager   *fakeStager
	producer *fakeProducer
}

func newHarness(t *testing.T, mode Mode) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemoryStore(),
		chat:     &fakeChat{},
		stager:   &fakeStager{dir: t.TempDir()},
		producer: &fakeProducer{},
	}
	h.m = NewMachine(h.store, NewKeyedMutex(), h.chat, h.stager, h.producer, Config{Mode: mode})
	h.m.conflict.BaseDelay = 0
	return h
}

func (h *harness) send(t *testing.T, kind Kind, payload string) {
	t.Helper()
	if err := h.m.HandleEvent(context.Background(), Event{ChatID: "42", Kind: kind, Payload: payload}); err != nil {
		t.Fatalf("HandleEvent(%s %q): %v", kind, payload, err)
	}
}

func (h *harness) session(t *testing.T) *store.ChatSession {
	t.Helper()
	s, err := h.store.GetChatSession(context.Background(), "42")
	if err != nil {
		t.Fatalf("GetChatSession: %v", err)
	}
	return s
}

func TestPhotoWhileIdleCreatesNoJob(t *testing.T) {
	h := newHarness(t, ModeImmediate)
	h.send(t, KindPhoto, "file-1")

	if got := h.chat.last("42"); got != MsgUseStartFirst {
		t.Errorf("reply = %q, want %q", got, MsgUseStartFirst)
	}
	if n := len(h.producer.submitted()); n != 0 {
		t.Errorf("expected no jobs, got %d", n)
	}
	if h.stager.calls != 0 {
		t.Errorf("photo should not be downloaded while idle")
	}
	if s := h.session(t); s.State != store.StateIdle {
		t.Errorf("state = %s, want idle", s.State)
	}
}

func TestStartMovesToAwaitingPhotos(t *testing.T) {
	for _, cmd := range []string{"start detection", "/detect", "/start", "  Start Detection "} {
		t.Run(cmd, func(t *testing.T) {
			h := newHarness(t, ModeImmediate)
			h.send(t, KindText, cmd)
			if s := h.session(t); s.State != store.StateAwaitingPhotos {
				t.Errorf("state = %s, want awaiting_photos", s.State)
			}
			if got := h.chat.last("42"); got != MsgStartPrompt {
				t.Errorf("reply = %q", got)
			}
		})
	}
}

func TestImmediateMode_OneJobPerPhoto(t *testing.T) {
	h := newHarness(t, ModeImmediate)
	h.send(t, KindText, "start detection")
	for i := 0; i < 3; i++ {
		h.send(t, KindPhoto, "file")
	}

	ids := h.producer.submitted()
	if len(ids) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(ids))
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Errorf("duplicate job id %s", id)
		}
		seen[id] = true
	}

	s := h.session(t)
	if s.State != store.StateAwaitingPhotos || len(s.PendingImages) != 3 {
		t.Fatalf("unexpected session %+v", s)
	}
	for i, p := range s.PendingImages {
		if p.Status != store.ImageSubmitted || p.JobID != ids[i] {
			t.Errorf("pending[%d] = %+v, want submitted %s", i, p, ids[i])
		}
		if _, err := os.Stat(p.LocalPath); !os.IsNotExist(err) {
			t.Errorf("staged file %s should be removed after submit", p.LocalPath)
		}
	}

	h.send(t, KindText, "done")
	if s := h.session(t); s.State != store.StateIdle || len(s.PendingImages) != 0 {
		t.Errorf("expected idle with no pending images, got %+v", s)
	}
	if len(h.producer.submitted()) != 3 {
		t.Error("done must not resubmit photos already handed off")
	}
	if got := h.chat.last("42"); !strings.Contains(got, "3 photo(s)") {
		t.Errorf("reply = %q", got)
	}
}

func TestDeferredMode_SubmitsBatchOnDone(t *testing.T) {
	h := newHarness(t, ModeDeferred)
	h.send(t, KindText, "/detect")
	h.send(t, KindPhoto, "a")
	h.send(t, KindPhoto, "b")

	if n := len(h.producer.submitted()); n != 0 {
		t.Fatalf("deferred mode submitted %d jobs before done", n)
	}
	if s := h.session(t); len(s.PendingImages) != 2 || s.PendingImages[0].Status != store.ImageStaged {
		t.Fatalf("unexpected session %+v", s)
	}

	h.send(t, KindText, "/done")
	if n := len(h.producer.submitted()); n != 2 {
		t.Errorf("expected 2 jobs, got %d", n)
	}
	if s := h.session(t); s.State != store.StateIdle {
		t.Errorf("state = %s, want idle", s.State)
	}
	if got := h.chat.last("42"); !strings.Contains(got, "2 photo(s)") {
		t.Errorf("reply = %q", got)
	}

	h.send(t, KindText, "done")
	if n := len(h.producer.submitted()); n != 2 {
		t.Errorf("second done must not resubmit, got %d jobs", n)
	}
}

func TestDeferredMode_FailedReplyIsNotRedelivered(t *testing.T) {
	h := newHarness(t, ModeDeferred)
	h.send(t, KindText, "start detection")

	h.chat.failures = 1
	h.send(t, KindPhoto, "a")
	if s := h.session(t); len(s.PendingImages) != 1 {
		t.Fatalf("expected one staged photo, got %+v", s.PendingImages)
	}

	h.send(t, KindText, "done")
	if n := len(h.producer.submitted()); n != 1 {
		t.Errorf("expected 1 job for one photo, got %d", n)
	}
	if s := h.session(t); s.State != store.StateIdle {
		t.Errorf("state = %s, want idle", s.State)
	}
}

func TestReplyFailuresAreNotReturned(t *testing.T) {
	h := newHarness(t, ModeImmediate)
	h.chat.failures = 100
	for _, ev := range []Event{
		{ChatID: "42", Kind: KindPhoto, Payload: "a"},
		{ChatID: "42", Kind: KindText, Payload: "start detection"},
		{ChatID: "42", Kind: KindPhoto, Payload: "b"},
		{ChatID: "42", Kind: KindText, Payload: "done"},
	} {
		if err := h.m.HandleEvent(context.Background(), ev); err != nil {
			t.Errorf("HandleEvent(%s %q) = %v", ev.Kind, ev.Payload, err)
		}
	}
	if n := len(h.producer.submitted()); n != 1 {
		t.Errorf("expected 1 job, got %d", n)
	}
	if s := h.session(t); s.State != store.StateIdle {
		t.Errorf("state = %s, want idle", s.State)
	}
}

func TestSingleShotMode_ReturnsToIdle(t *testing.T) {
	h := newHarness(t, ModeSingleShot)
	h.send(t, KindText, "start detection")
	h.send(t, KindPhoto, "a")

	if n := len(h.producer.submitted()); n != 1 {
		t.Fatalf("expected 1 job, got %d", n)
	}
	if s := h.session(t); s.State != store.StateIdle || len(s.PendingImages) != 0 {
		t.Errorf("expected idle, got %+v", s)
	}

	h.send(t, KindPhoto, "b")
	if n := len(h.producer.submitted()); n != 1 {
		t.Errorf("photo after single shot must not create a job, got %d", n)
	}
}

func TestDoneWithNothingPending(t *testing.T) {
	h := newHarness(t, ModeImmediate)
	h.send(t, KindText, "start detection")
	h.send(t, KindText, "done")

	if got := h.chat.last("42"); got != MsgNothingToProcess {
		t.Errorf("reply = %q", got)
	}
	if s := h.session(t); s.State != store.StateIdle {
		t.Errorf("state = %s, want idle", s.State)
	}
}

func TestUnsupportedTextWhileAwaiting(t *testing.T) {
	h := newHarness(t, ModeImmediate)
	h.send(t, KindText, "start detection")
	before := h.session(t).Version
	h.send(t, KindText, "what is this?")

	if got := h.chat.last("42"); got != MsgAwaitingUsage {
		t.Errorf("reply = %q", got)
	}
	s := h.session(t)
	if s.State != store.StateAwaitingPhotos || s.Version != before {
		t.Errorf("session should be unchanged, got %+v", s)
	}
}

func TestMalformedEventIgnored(t *testing.T) {
	h := newHarness(t, ModeImmediate)
	for _, ev := range []Event{
		{Kind: KindText, Payload: "start detection"},
		{ChatID: "42", Kind: KindPhoto},
		{ChatID: "42", Kind: "sticker", Payload: "x"},
	} {
		if err := h.m.HandleEvent(context.Background(), ev); err != nil {
			t.Errorf("HandleEvent(%+v) = %v", ev, err)
		}
	}
	if n := h.chat.count("42"); n != 0 {
		t.Errorf("malformed events should not be answered, got %d replies", n)
	}
	if s := h.session(t); s.Version != 0 {
		t.Errorf("malformed events should not touch the session, got %+v", s)
	}
}

func TestSubmittingAnswersEveryEvent(t *testing.T) {
	h := newHarness(t, ModeDeferred)
	ctx := context.Background()
	s := h.session(t)
	s.State = store.StateSubmitting
	if err := h.store.PutChatSession(ctx, s); err != nil {
		t.Fatal(err)
	}

	h.send(t, KindText, "start detection")
	if got := h.chat.last("42"); got != MsgStillSubmitting {
		t.Errorf("text reply = %q", got)
	}
	h.send(t, KindPhoto, "a")
	if got := h.chat.last("42"); got != MsgStillSubmitting {
		t.Errorf("photo reply = %q", got)
	}
	h.send(t, KindText, "done")
	if got := h.chat.last("42"); got != MsgStillSubmitting {
		t.Errorf("done reply = %q", got)
	}
}

func TestStaleSubmittingIsReset(t *testing.T) {
	h := newHarness(t, ModeDeferred)
	ctx := context.Background()
	s := h.session(t)
	s.State = store.StateSubmitting
	if err := h.store.PutChatSession(ctx, s); err != nil {
		t.Fatal(err)
	}
	h.m.now = func() time.Time { return time.Now().Add(time.Hour) }

	h.send(t, KindText, "start detection")
	if got := h.chat.last("42"); got != MsgStartPrompt {
		t.Errorf("reply = %q, want start prompt after stale reset", got)
	}
}

func TestProducerFailureIsReported(t *testing.T) {
	h := newHarness(t, ModeImmediate)
	h.producer.err = fmt.Errorf("submit: %w", jobs.ErrUploadTimeout)
	h.send(t, KindText, "start detection")
	h.send(t, KindPhoto, "a")

	if got := h.chat.last("42"); got != jobs.UserMessage(jobs.ErrUploadTimeout) {
		t.Errorf("reply = %q", got)
	}
	s := h.session(t)
	if len(s.PendingImages) != 1 || s.PendingImages[0].Status != store.ImageFailed {
		t.Errorf("expected one failed pending image, got %+v", s.PendingImages)
	}

	h.send(t, KindText, "done")
	if got := h.chat.last("42"); !strings.Contains(got, "0 photo(s)") {
		t.Errorf("reply = %q", got)
	}
}

func TestConcurrentPhotosSameChat(t *testing.T) {
	h := newHarness(t, ModeImmediate)
	h.send(t, KindText, "start detection")

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.m.HandleEvent(context.Background(), Event{ChatID: "42", Kind: KindPhoto, Payload: "p"})
		}()
	}
	wg.Wait()

	if got := len(h.producer.submitted()); got != n {
		t.Errorf("expected %d jobs, got %d", n, got)
	}
	s := h.session(t)
	if len(s.PendingImages) != n {
		t.Fatalf("lost updates: %d pending images, want %d", len(s.PendingImages), n)
	}
	for _, p := range s.PendingImages {
		if p.Status != store.ImageSubmitted {
			t.Errorf("pending image %s not recorded as submitted: %s", p.LocalPath, p.Status)
		}
	}
}

func TestParseMode(t *testing.T) {
	tests := map[string]Mode{
		"":            ModeImmediate,
		"immediate":   ModeImmediate,
		"DEFERRED":    ModeDeferred,
		"single-shot": ModeSingleShot,
		"single":      ModeSingleShot,
		"bogus":       ModeImmediate,
	}
	for in, want := range tests {
		if got := ParseMode(in); got != want {
			t.Errorf("ParseMode(%q) = %s, want %s", in, got, want)
		}
	}
}
