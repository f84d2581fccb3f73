// Package metrics provides Prometheus instrumentation for the chatstream
// services. It exposes counters for event throughput and anomalies, gauges for
// projection position and live sessions, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsFolded counts events applied to the read model, labeled by kind.
	EventsFolded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatstream_events_folded_total",
		Help: "Events applied to the read model",
	}, []string{"kind"})

	// EventsSkipped counts events the projector did not fold, labeled by
	// reason: "duplicate", "decode", or "referential".
	EventsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatstream_events_skipped_total",
		Help: "Events received but not applied to the read model",
	}, []string{"reason"}) // reason = "duplicate", "decode", "referential"

	// ProjectionPosition is the log position of the last applied event.
	ProjectionPosition = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatstream_projection_position",
		Help: "Log position of the last event applied to the read model",
	})

	// FoldLatency records time from event append to fold, in seconds.
	FoldLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatstream_fold_latency_seconds",
		Help:    "Time from event append to read model fold",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
	})

	// SnapshotsTotal counts snapshot writes, labeled by result.
	SnapshotsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatstream_snapshots_total",
		Help: "Read model snapshot writes",
	}, []string{"result"}) // result = "ok", "error"

	// RelayPublished counts envelopes the relay put on the broadcast bus.
	RelayPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatstream_relay_published_total",
		Help: "Envelopes published to the broadcast bus",
	})

	// BusLagged counts lag notifications and BusMissed the envelopes lost to
	// them.
	BusLagged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatstream_bus_lagged_total",
		Help: "Times a subscriber fell behind the broadcast bus window",
	})
	BusMissed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatstream_bus_missed_total",
		Help: "Envelopes overwritten before a lagging subscriber read them",
	})

	// SessionsActive tracks the current number of live sessions.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatstream_sessions_active",
		Help: "Current number of live WebSocket sessions",
	})

	// EnvelopesDelivered counts messages written to live clients.
	EnvelopesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatstream_envelopes_delivered_total",
		Help: "Messages written to live clients",
	})

	// HTTPRequests counts query and command requests by route and status.
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatstream_http_requests_total",
		Help: "HTTP requests handled",
	}, []string{"route", "status"})

	// CommandsTotal counts command outcomes.
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatstream_commands_total",
		Help: "Commands handled by the aggregate service",
	}, []string{"command", "result"}) // result = "ok", "invalid", "limited", "error"

	// CommandAppends counts events appended to the log by the command service.
	CommandAppends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatstream_command_appends_total",
		Help: "Events appended by the command service",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		EventsFolded,
		EventsSkipped,
		ProjectionPosition,
		FoldLatency,
		SnapshotsTotal,
		RelayPublished,
		BusLagged,
		BusMissed,
		SessionsActive,
		EnvelopesDelivered,
		HTTPRequests,
		CommandsTotal,
		CommandAppends,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
