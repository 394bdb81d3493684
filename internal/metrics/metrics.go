// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertdesk_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alertdesk_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Pipeline metrics
	Ticks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertdesk_poll_ticks_total",
			Help: "Polling ticks by result",
		},
		[]string{"result"}, // ok, in_flight, lock_held, source_error, store_error, error
	)

	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alertdesk_poll_tick_duration_seconds",
			Help:    "Polling tick duration",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	Events = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertdesk_events_total",
			Help: "Ingested messages by outcome",
		},
		[]string{"result"}, // created, skipped, malformed, filtered
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alertdesk_alert_sessions",
			Help: "Connected alert sessions",
		},
	)

	BroadcastFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertdesk_broadcast_failures_total",
			Help: "Failed event broadcasts",
		},
	)
)

// Pipeline adapts the collectors to the ingest and poller observer hooks.
type Pipeline struct{}

func (Pipeline) Observe(result string) { Events.WithLabelValues(result).Inc() }

func (Pipeline) ObserveTick(result string, took time.Duration) {
	Ticks.WithLabelValues(result).Inc()
	if took > 0 {
		TickDuration.Observe(took.Seconds())
	}
}

// SetSessions records the live alert session count.
func SetSessions(n int) { ActiveSessions.Set(float64(n)) }
