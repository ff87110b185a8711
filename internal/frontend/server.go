// Package frontend is the bot's HTTP surface: the Telegram webhook, the
// result notification endpoint the worker calls, a result query for
// operators, health and Prometheus metrics.
package frontend

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-detect/internal/store"
)

// Notifier delivers result messages to a chat.
type Notifier interface {
	SendText(ctx context.Context, chatID, text string) error
	SendPhoto(ctx context.Context, chatID, imagePath string) error
}

// ImageFetcher downloads stored objects.
type ImageFetcher interface {
	Download(ctx context.Context, key, localPath string) error
}

// Config holds the routing inputs.
type Config struct {
	// Token is the bot token; when set, POST /{token}/ also receives updates.
	Token string
	// StageDir receives annotated images while they are forwarded to the chat.
	StageDir string
	// Metrics exposes /metrics when true.
	Metrics bool
}

// Server wires the handlers.
type Server struct {
	webhook http.Handler
	results store.ResultStore
	chat    Notifier
	images  ImageFetcher
	cfg     Config
}

// NewServer creates the front-end. images may be nil, in which case result
// notifications carry text only.
func NewServer(webhook http.Handler, results store.ResultStore, chat Notifier, images ImageFetcher, cfg Config) *Server {
	return &Server{webhook: webhook, results: results, chat: chat, images: images, cfg: cfg}
}

// Routes returns the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)

	r.Get("/", s.handleHealth)
	r.Post("/webhook", s.webhook.ServeHTTP)
	if s.cfg.Token != "" {
		r.Post("/"+s.cfg.Token+"/", s.webhook.ServeHTTP)
	}
	r.Post("/loadTest/", s.webhook.ServeHTTP)

	r.Post("/results", s.handleResultNotify)
	r.Get("/results/{predictionId}", s.handleResultGet)

	if s.cfg.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ok"))
}

// --- Middleware ---

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if s.cfg.Token != "" {
			path = strings.ReplaceAll(path, s.cfg.Token, "{token}")
		}
		log.Info().
			Str("method", r.Method).
			Str("path", path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func httpError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
