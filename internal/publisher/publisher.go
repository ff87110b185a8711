// Package publisher tells the chat front-end that a prediction result is
// ready. The worker only sends the id; the front-end reads the stored
// result and formats the reply itself.
package publisher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-detect/internal/jobs"
	"github.com/fpang/photo-detect/internal/metrics"
	"github.com/fpang/photo-detect/internal/retry"
)

// HTTPNotifier calls POST {frontURL}/results?predictionId={id}.
type HTTPNotifier struct {
	endpoint string
	client   *http.Client
	policy   retry.Policy
}

// NewHTTPNotifier returns a notifier for the front-end at frontURL. Each
// call is bounded by timeout and retried under policy.
func NewHTTPNotifier(frontURL string, timeout time.Duration, policy retry.Policy) *HTTPNotifier {
	if policy.Retryable == nil {
		policy.Retryable = jobs.Retryable
	}
	return &HTTPNotifier{
		endpoint: strings.TrimRight(frontURL, "/") + "/results",
		client:   &http.Client{Timeout: timeout},
		policy:   policy,
	}
}

// statusError is a non-2xx answer from the front-end.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("front-end returned %d: %s", e.code, e.body)
}

func (n *HTTPNotifier) Publish(ctx context.Context, r *jobs.PredictionResult) error {
	target := n.endpoint + "?predictionId=" + url.QueryEscape(r.JobID)
	err := retry.Do(ctx, n.policy, "notify "+r.JobID, func(ctx context.Context) error {
		return n.post(ctx, target)
	})
	if err != nil {
		metrics.IncNotification("failed")
		return fmt.Errorf("notify front-end of %s: %w", r.JobID, err)
	}
	metrics.IncNotification("delivered")
	log.Debug().Str("jobId", r.JobID).Str("chatId", r.ChatID).Msg("Front-end notified")
	return nil
}

func (n *HTTPNotifier) post(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", jobs.ErrBadInput, err)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", jobs.ErrTransientIO, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	serr := &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	// 404 can mean a front-end replica with a lagging read; 400 never heals.
	if resp.StatusCode == http.StatusBadRequest {
		return fmt.Errorf("%w: %w", jobs.ErrBadInput, serr)
	}
	return serr
}

// LogOnly is a Publisher for runs without a front-end, e.g. the CLI.
type LogOnly struct{}

func (LogOnly) Publish(_ context.Context, r *jobs.PredictionResult) error {
	log.Info().
		Str("jobId", r.JobID).
		Str("chatId", r.ChatID).
		Str("summary", jobs.FormatSummary(r.Labels)).
		Msg("Prediction result ready")
	return nil
}
