// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bookchat_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookchat_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// SessionsActive tracks live chat channels.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bookchat_sessions_active",
			Help: "Number of active chat sessions",
		},
	)

	// ReplayedFrames counts history frames sent to newly opened channels.
	ReplayedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bookchat_replayed_frames_total",
			Help: "History frames replayed on connect",
		},
	)

	// Hydrations counts history loads from the durable store.
	Hydrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookchat_hydrations_total",
			Help: "Conversation history loads from the durable store",
		},
		[]string{"result"},
	)

	// IdentityResolutions counts resolve outcomes.
	IdentityResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookchat_identity_resolutions_total",
			Help: "Conversation identity resolutions by outcome",
		},
		[]string{"outcome"},
	)

	// GenerationDuration tracks text generation latency.
	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bookchat_generation_duration_seconds",
			Help:    "Text generation call duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"status"},
	)

	// TurnsTotal counts completed turns.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookchat_turns_total",
			Help: "Completed conversation turns",
		},
		[]string{"kind", "ephemeral"},
	)

	// PersistenceFailures counts turns delivered without being stored.
	PersistenceFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bookchat_persistence_failures_total",
			Help: "Turns delivered to the channel but not written to the durable store",
		},
	)

	// DeliveryFailures counts frames that could not be written to a channel.
	DeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bookchat_delivery_failures_total",
			Help: "Frames dropped because the channel was gone",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, route, status string, duration float64) {
	RequestDuration.WithLabelValues(method, route, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, route, status).Inc()
}

// RecordGeneration records one call to the text generator.
func RecordGeneration(status string, seconds float64) {
	GenerationDuration.WithLabelValues(status).Observe(seconds)
}

// RecordTurn counts one committed turn.
func RecordTurn(kind string, ephemeral bool) {
	label := "false"
	if ephemeral {
		label = "true"
	}
	TurnsTotal.WithLabelValues(kind, label).Inc()
}

// IncrementSessions increments the active session count.
func IncrementSessions() {
	SessionsActive.Inc()
}

// DecrementSessions decrements the active session count.
func DecrementSessions() {
	SessionsActive.Dec()
}
