package jobutil

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/fpang/photo-detect/internal/jobs"
)

type recordingSender struct {
	chatID string
	text   string
	err    error
}

func (r *recordingSender) SendText(_ context.Context, chatID, text string) error {
	r.chatID, r.text = chatID, text
	return r.err
}

func TestReportFailure_SendsUserMessage(t *testing.T) {
	s := &recordingSender{}
	cause := fmt.Errorf("submit: %w", jobs.ErrUploadTimeout)

	if err := ReportFailure(context.Background(), s, "42", "pred-1", cause); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.chatID != "42" {
		t.Errorf("chatID = %q", s.chatID)
	}
	if s.text != jobs.UserMessage(cause) {
		t.Errorf("text = %q", s.text)
	}
}

func TestReportFailure_ReturnsDeliveryError(t *testing.T) {
	s := &recordingSender{err: errors.New("telegram down")}
	if err := ReportFailure(context.Background(), s, "42", "", jobs.ErrBadInput); err == nil {
		t.Error("expected delivery error")
	}
}

func TestReportFailure_NilSender(t *testing.T) {
	if err := ReportFailure(context.Background(), nil, "42", "pred-1", jobs.ErrEnqueueFailed); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
