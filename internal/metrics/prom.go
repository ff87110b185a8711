package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	chatEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detect_chat_events_total",
			Help: "Inbound chat events by kind and state machine outcome.",
		},
		[]string{"kind", "outcome"},
	)

	jobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detect_jobs_submitted_total",
			Help: "Producer submissions by outcome (enqueued/bad_input/upload_timeout/enqueue_failed/error).",
		},
		[]string{"outcome"},
	)

	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detect_jobs_processed_total",
			Help: "Worker deliveries by outcome (done/duplicate/poison/retry/dead_letter).",
		},
		[]string{"outcome"},
	)

	stageLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "detect_stage_latency_ms",
			Help:    "Pipeline stage latency in milliseconds.",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"stage"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detect_result_notifications_total",
			Help: "Result notifications to the front-end by outcome.",
		},
		[]string{"outcome"},
	)
)

// MustRegister registers collectors with the default registry (idempotent).
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(chatEvents, jobsSubmitted, jobsProcessed, stageLatencyMs, notifications)
	})
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func IncChatEvent(kind, outcome string) {
	chatEvents.WithLabelValues(norm(kind), norm(outcome)).Inc()
}

func IncSubmitted(outcome string) {
	jobsSubmitted.WithLabelValues(norm(outcome)).Inc()
}

func IncProcessed(outcome string) {
	jobsProcessed.WithLabelValues(norm(outcome)).Inc()
}

func IncNotification(outcome string) {
	notifications.WithLabelValues(norm(outcome)).Inc()
}

// ObserveStage records how long one pipeline stage (upload, visibility,
// enqueue, download, inference, persist) took.
func ObserveStage(stage string, d time.Duration) {
	stageLatencyMs.WithLabelValues(norm(stage)).Observe(float64(d.Milliseconds()))
}
