// Package telemetry exposes Prometheus metrics for the sync core.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

var (
	// Connects counts completed connection handshakes.
	Connects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "retrochat_connects_total",
		Help: "Completed connection handshakes.",
	})

	// Disconnects counts connection losses, transport errors and server
	// closes alike.
	Disconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "retrochat_disconnects_total",
		Help: "Connection losses.",
	})

	// ReconnectAttempts counts redial attempts.
	ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "retrochat_reconnect_attempts_total",
		Help: "Redial attempts after a lost connection.",
	})

	// Events counts inbound events by type.
	Events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "retrochat_events_total",
		Help: "Inbound events by type.",
	}, []string{"type"})

	// DroppedEvents counts malformed or unroutable inbound events.
	DroppedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "retrochat_dropped_events_total",
		Help: "Inbound events dropped as malformed or unroutable.",
	})

	// Promotions counts optimistic entries promoted by an ack.
	Promotions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "retrochat_promotions_total",
		Help: "Optimistic messages promoted to confirmed.",
	})

	// PromotionMisses counts acks that found no optimistic counterpart.
	PromotionMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "retrochat_promotion_misses_total",
		Help: "Acks appended because no optimistic entry matched.",
	})

	// StreamOrphans counts stream chunk/end events with no placeholder.
	StreamOrphans = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "retrochat_stream_orphans_total",
		Help: "Stream events that arrived without a placeholder.",
	})

	// Notifications counts dispatcher decisions by outcome.
	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "retrochat_notifications_total",
		Help: "Notification decisions by outcome.",
	}, []string{"outcome"})

	// BusDropped counts bus events lost to slow subscribers.
	BusDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "retrochat_bus_dropped_total",
		Help: "Bus events dropped because a subscriber fell behind.",
	})

	// Connected is 1 while the transport is connected.
	Connected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "retrochat_connected",
		Help: "1 while the transport is connected.",
	})
)

// Notification outcomes
const (
	OutcomeDelivered  = "delivered"
	OutcomeSuppressed = "suppressed"
	OutcomeLimited    = "limited"
)

func init() {
	prometheus.MustRegister(
		Connects,
		Disconnects,
		ReconnectAttempts,
		Events,
		DroppedEvents,
		Promotions,
		PromotionMisses,
		StreamOrphans,
		Notifications,
		BusDropped,
		Connected,
	)
}
