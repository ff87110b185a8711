package publisher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fpang/photo-detect/internal/jobs"
	"github.com/fpang/photo-detect/internal/retry"
)

func result() *jobs.PredictionResult {
	return &jobs.PredictionResult{JobID: "pred-01h", ChatID: "42"}
}

func TestPublish_PostsPredictionID(t *testing.T) {
	var gotPath, gotID, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotID = r.Method, r.URL.Path, r.URL.Query().Get("predictionId")
		w.Write([]byte("Ok"))
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL+"/", time.Second, retry.Immediate(3))
	if err := n.Publish(context.Background(), result()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/results" || gotID != "pred-01h" {
		t.Errorf("got %s %s predictionId=%s", gotMethod, gotPath, gotID)
	}
}

func TestPublish_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("Ok"))
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL, time.Second, retry.Immediate(3))
	if err := n.Publish(context.Background(), result()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestPublish_GivesUpAfterBudget(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL, time.Second, retry.Immediate(2))
	err := n.Publish(context.Background(), result())
	var exhausted *retry.ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestPublish_BadRequestIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":"predictionId is required"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL, time.Second, retry.Immediate(3))
	if err := n.Publish(context.Background(), result()); !errors.Is(err, jobs.ErrBadInput) {
		t.Fatalf("expected ErrBadInput, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single call, got %d", calls)
	}
}

func TestLogOnly(t *testing.T) {
	if err := (LogOnly{}).Publish(context.Background(), result()); err != nil {
		t.Errorf("unexpected error %v", err)
	}
}
