package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fpang/photo-detect/internal/session"
)

const testSecret = "my_test_secret_token"

type recorder struct {
	events []session.Event
	err    error
}

func (r *recorder) HandleEvent(_ context.Context, ev session.Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func post(h http.Handler, body, secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

const textUpdate = `{"update_id":1,"message":{"message_id":5,"chat":{"id":42,"type":"private"},"text":"start detection"}}`

func TestUpdate_TextDispatched(t *testing.T) {
	rec := &recorder{}
	rr := post(NewHandler(testSecret, rec), textUpdate, testSecret)

	if rr.Code != http.StatusOK || rr.Body.String() != "Ok" {
		t.Errorf("expected 200 Ok, got %d %q", rr.Code, rr.Body.String())
	}
	want := session.Event{ChatID: "42", Kind: session.KindText, Payload: "start detection"}
	if len(rec.events) != 1 || rec.events[0] != want {
		t.Errorf("events = %+v", rec.events)
	}
}

func TestUpdate_PhotoDispatched(t *testing.T) {
	rec := &recorder{}
	body := `{"update_id":2,"message":{"message_id":6,"chat":{"id":42},"photo":[{"file_id":"s","width":90,"height":90},{"file_id":"L","width":1280,"height":960}]}}`
	rr := post(NewHandler("", rec), body, "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(rec.events) != 1 || rec.events[0].Kind != session.KindPhoto || rec.events[0].Payload != "L" {
		t.Errorf("events = %+v", rec.events)
	}
}

func TestUpdate_InvalidSecret(t *testing.T) {
	rec := &recorder{}
	rr := post(NewHandler(testSecret, rec), textUpdate, "wrong")
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rr.Code)
	}
	if len(rec.events) != 0 {
		t.Error("event must not be dispatched")
	}
}

func TestUpdate_MissingSecret(t *testing.T) {
	rr := post(NewHandler(testSecret, &recorder{}), textUpdate, "")
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rr.Code)
	}
}

func TestUpdate_EmptyBody(t *testing.T) {
	rr := post(NewHandler("", &recorder{}), "", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Empty request payload") {
		t.Errorf("body = %q", rr.Body.String())
	}
}

func TestUpdate_InvalidJSON(t *testing.T) {
	rr := post(NewHandler("", &recorder{}), "{not json", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestUpdate_WithoutMessageIsAcknowledged(t *testing.T) {
	rec := &recorder{}
	rr := post(NewHandler("", rec), `{"update_id":3,"edited_message":{"message_id":1,"chat":{"id":42},"text":"x"}}`, "")
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
	if len(rec.events) != 0 {
		t.Error("no event expected")
	}
}

func TestUpdate_HandlerErrorAsksForRedelivery(t *testing.T) {
	rr := post(NewHandler("", &recorder{err: errors.New("table unavailable")}), textUpdate, "")
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rr.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rr := httptest.NewRecorder()
	NewHandler("", &recorder{}).ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}
