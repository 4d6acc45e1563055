// Package observability provides metrics and tracing for the messaging core.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebSocketConnectionsTotal is the gauge of active WebSocket connections.
	WebSocketConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "courier_websocket_connections_total",
		Help: "Total number of active WebSocket connections",
	})

	// WebSocketEventsTotal counts WebSocket events by type.
	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_websocket_events_total",
		Help: "Total WebSocket events by type",
	}, []string{"event_type"})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})

	// MessagesPersisted counts persisted messages by chat kind and message kind.
	MessagesPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_messages_persisted_total",
		Help: "Total number of messages persisted",
	}, []string{"chat_kind", "message_kind"})

	// DeliveryJobsProcessed counts delivery stream jobs by outcome.
	DeliveryJobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_delivery_jobs_total",
		Help: "Total delivery stream jobs by outcome (delivered, requeued, dead_letter)",
	}, []string{"outcome"})

	// DeliveryLatency records time from message persistence to delivered flip.
	DeliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "courier_delivery_latency_seconds",
		Help:    "Latency from message persistence to delivery in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30, 60},
	})

	// OfflineReplayMessages counts messages replayed to reconnecting clients.
	OfflineReplayMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_offline_replay_messages_total",
		Help: "Total messages replayed to reconnecting recipients",
	})

	// PresenceTransitions counts presence transitions by direction.
	PresenceTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_presence_transitions_total",
		Help: "Total presence transitions (online, offline, away)",
	}, []string{"status"})
)

// ObserveDeliveryLatency records the delivered-at latency for a message created at the given time.
func ObserveDeliveryLatency(createdAt time.Time) {
	DeliveryLatency.Observe(time.Since(createdAt).Seconds())
}
