// Package webhook provides the HTTP handler for Telegram bot updates.
//
// Telegram POSTs one Update per request to the registered webhook URL. When
// a secret token was set at registration, every request carries it in the
// X-Telegram-Bot-Api-Secret-Token header and requests without it are
// rejected. Updates without a message (edits, callbacks, member changes)
// are acknowledged and dropped.
//
// A non-2xx answer makes Telegram redeliver the update, so the handler only
// fails a request when the event could not be applied at all.
//
// Reference: https://core.telegram.org/bots/api#setwebhook
package webhook

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-detect/internal/session"
	"github.com/fpang/photo-detect/internal/telegram"
)

// maxBodySize is the maximum allowed request body size (1 MB). Updates are
// small JSON documents; photos are referenced by file id, never inlined.
const maxBodySize = 1 << 20

// SecretHeader carries the secret_token given to setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// EventHandler applies one chat event.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev session.Event) error
}

// Handler receives Telegram updates.
type Handler struct {
	secret string
	events EventHandler
}

// NewHandler creates a webhook handler. An empty secret disables the
// header check.
func NewHandler(secret string, events EventHandler) *Handler {
	return &Handler{secret: secret, events: events}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		log.Error().Err(err).Msg("Webhook update: failed to read body")
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	defer r.Body.Close()

	if h.secret != "" && !hmac.Equal([]byte(r.Header.Get(SecretHeader)), []byte(h.secret)) {
		log.Warn().Str("remote", r.RemoteAddr).Msg("Webhook update: invalid secret token")
		writeError(w, http.StatusForbidden, "invalid secret token")
		return
	}

	if len(body) == 0 {
		log.Warn().Msg("Received empty request payload")
		writeError(w, http.StatusBadRequest, "Empty request payload")
		return
	}

	var up tgbotapi.Update
	if err := json.Unmarshal(body, &up); err != nil {
		log.Warn().Err(err).Int("bodySize", len(body)).Msg("Webhook update: invalid JSON")
		writeError(w, http.StatusBadRequest, "invalid update payload")
		return
	}

	ev, ok := telegram.EventFromUpdate(up)
	if !ok {
		log.Debug().Int("updateId", up.UpdateID).Msg("Ignoring update without message")
		writeOk(w)
		return
	}

	log.Info().
		Int("updateId", up.UpdateID).
		Str("chatId", ev.ChatID).
		Str("kind", string(ev.Kind)).
		Msg("Webhook update received")

	if err := h.events.HandleEvent(r.Context(), ev); err != nil {
		log.Error().Err(err).Str("chatId", ev.ChatID).Msg("Failed to handle chat event")
		writeError(w, http.StatusInternalServerError, "failed to handle update")
		return
	}
	writeOk(w)
}

func writeOk(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ok"))
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
