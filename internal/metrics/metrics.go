package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine metrics
var (
	// Outbound sends by outcome
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imcore",
			Subsystem: "delivery",
			Name:      "sends_total",
			Help:      "Total outbound send attempts",
		},
		[]string{"result"},
	)

	// Transport round trips
	TransportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "imcore",
			Subsystem: "transport",
			Name:      "request_duration_seconds",
			Help:      "Transport request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"op", "result"},
	)

	// Pin syncs by outcome
	PinSyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imcore",
			Subsystem: "pins",
			Name:      "syncs_total",
			Help:      "Total pin sync rounds",
		},
		[]string{"result"},
	)

	// Cursor skew
	CursorConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imcore",
			Subsystem: "cursor",
			Name:      "conflicts_total",
			Help:      "Sync responses that would have moved a cursor backward",
		},
		[]string{"feed"},
	)

	// Inbound messages ingested
	IngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imcore",
			Subsystem: "sync",
			Name:      "ingested_total",
			Help:      "Total transport pushes applied",
		},
		[]string{"kind"},
	)

	// Backend pushes that never reached ingestion
	PushDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imcore",
			Subsystem: "transport",
			Name:      "push_drops_total",
			Help:      "Backend pushes dropped before ingestion",
		},
		[]string{"reason"},
	)

	// Bus events dropped on full subscribers
	BusDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imcore",
			Subsystem: "bus",
			Name:      "drops_total",
			Help:      "Events dropped because a subscriber was full",
		},
		[]string{"kind"},
	)

	// Unread clears
	UnreadClearsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imcore",
			Subsystem: "sessions",
			Name:      "unread_clears_total",
			Help:      "Per-session unread clear outcomes",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSend records an outbound send outcome
func RecordSend(result string) {
	SendsTotal.WithLabelValues(result).Inc()
}

// RecordTransport records a transport round trip
func RecordTransport(op, result string, durationSec float64) {
	TransportDuration.WithLabelValues(op, result).Observe(durationSec)
}

// RecordPinSync records a pin sync round
func RecordPinSync(result string) {
	PinSyncsTotal.WithLabelValues(result).Inc()
}

// RecordCursorConflict records a rejected backward cursor move
func RecordCursorConflict(feed string) {
	CursorConflictsTotal.WithLabelValues(feed).Inc()
}

// RecordIngest records an applied transport push
func RecordIngest(kind string) {
	IngestedTotal.WithLabelValues(kind).Inc()
}

// RecordUnreadClear records one session's unread clear outcome
func RecordUnreadClear(result string) {
	UnreadClearsTotal.WithLabelValues(result).Inc()
}

// RecordPushDrop records a backend push that was not ingested
func RecordPushDrop(reason string) {
	PushDropsTotal.WithLabelValues(reason).Inc()
}

// RecordBusDrop records an event dropped for a full subscriber
func RecordBusDrop(kind string) {
	BusDropsTotal.WithLabelValues(kind).Inc()
}
