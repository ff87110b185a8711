package frontend

import (
	"net/http"
	"os"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-detect/internal/jobs"
	"github.com/fpang/photo-detect/internal/metrics"
)

// handleResultNotify forwards a stored result to its chat. The worker calls
// it once the result is persisted; only the id travels, the content is read
// back from the result store.
func (s *Server) handleResultNotify(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("predictionId")
	if id == "" {
		httpError(w, http.StatusBadRequest, "predictionId is required")
		return
	}

	ctx := r.Context()
	res, err := s.results.GetResult(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("jobId", id).Msg("Failed to load result")
		httpError(w, http.StatusInternalServerError, "failed to load result")
		return
	}
	if res == nil {
		httpError(w, http.StatusNotFound, "result not found")
		return
	}

	logger := log.With().Str("jobId", res.JobID).Str("chatId", res.ChatID).Logger()

	if err := s.chat.SendText(ctx, res.ChatID, jobs.FormatMessage(res)); err != nil {
		logger.Error().Err(err).Msg("Failed to send result summary")
		metrics.IncNotification("send_failed")
		httpError(w, http.StatusBadGateway, "failed to notify chat")
		return
	}
	metrics.IncNotification("sent")

	// The summary is the result; a missing annotated image only degrades it.
	if res.AnnotatedRef != "" && s.images != nil {
		if err := s.sendAnnotated(r, res); err != nil {
			logger.Warn().Err(err).Str("annotatedRef", res.AnnotatedRef).Msg("Failed to forward annotated image")
		}
	}

	logger.Info().Int("labels", len(res.Labels)).Msg("Result delivered to chat")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ok"))
}

func (s *Server) sendAnnotated(r *http.Request, res *jobs.PredictionResult) error {
	key, err := jobs.RefKey(res.AnnotatedRef)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.cfg.StageDir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(s.cfg.StageDir, "annotated-*"+path.Ext(key))
	if err != nil {
		return err
	}
	local := f.Name()
	f.Close()
	defer os.Remove(local)

	if err := s.images.Download(r.Context(), key, local); err != nil {
		return err
	}
	return s.chat.SendPhoto(r.Context(), res.ChatID, local)
}

// resultView is the JSON shape of GET /results/{predictionId}.
type resultView struct {
	PredictionID string            `json:"predictionId"`
	ChatID       string            `json:"chatId"`
	Summary      []jobs.ClassCount `json:"summary"`
	Labels       []jobs.Label      `json:"labels"`
	OriginalRef  string            `json:"originalRef,omitempty"`
	AnnotatedRef string            `json:"annotatedRef,omitempty"`
	CompletedAt  time.Time         `json:"completedAt"`
}

func (s *Server) handleResultGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "predictionId")
	if !jobs.ValidID(id) {
		httpError(w, http.StatusBadRequest, "invalid predictionId")
		return
	}
	res, err := s.results.GetResult(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("jobId", id).Msg("Failed to load result")
		httpError(w, http.StatusInternalServerError, "failed to load result")
		return
	}
	if res == nil {
		httpError(w, http.StatusNotFound, "result not found")
		return
	}
	summary := jobs.CountByClass(res.Labels)
	if summary == nil {
		summary = []jobs.ClassCount{}
	}
	respondJSON(w, http.StatusOK, resultView{
		PredictionID: res.JobID,
		ChatID:       res.ChatID,
		Summary:      summary,
		Labels:       res.Labels,
		OriginalRef:  res.OriginalRef,
		AnnotatedRef: res.AnnotatedRef,
		CompletedAt:  res.CompletedAt,
	})
}
