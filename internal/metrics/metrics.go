// Package metrics provides Prometheus instrumentation for the inbox client
// engine and the relay. Client collectors cover channel transitions, event
// throughput and routing outcomes; relay collectors cover connections and
// room fan-out.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ChannelConnected is 1 while the client channel holds a live connection.
	ChannelConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "inbox_channel_connected",
		Help: "Whether the client channel is currently connected",
	})

	// ChannelTransitions counts connection state transitions, labeled by
	// event: "connected", "disconnected" or "connect_error".
	ChannelTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_channel_transitions_total",
		Help: "Client channel state transitions",
	}, []string{"event"})

	// InboundEvents counts frames read by the client channel, by event type.
	InboundEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_channel_inbound_events_total",
		Help: "Events received over the client channel",
	}, []string{"type"})

	// OutboundEvents counts publish attempts, by event type and outcome
	// ("sent", "dropped", "failed").
	OutboundEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_channel_outbound_events_total",
		Help: "Events published over the client channel",
	}, []string{"type", "outcome"})

	// RoutedMessages counts inbound messages by routing decision:
	// "duplicate", "conversation", "inbox" or "dropped".
	RoutedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_routed_messages_total",
		Help: "Inbound messages by routing decision",
	}, []string{"route"})

	// StaleLoads counts history loads discarded because a newer switch
	// superseded them.
	StaleLoads = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inbox_stale_history_loads_total",
		Help: "History loads discarded by the switch generation guard",
	})

	// RoomJoins counts join requests emitted by the client.
	RoomJoins = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inbox_room_joins_total",
		Help: "Room join requests emitted by the client",
	})

	// RelayConnections tracks the current number of relay WebSocket connections.
	RelayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "inbox_relay_connections",
		Help: "Current number of relay WebSocket connections",
	})

	// RelayEvents counts events handled by the relay, labeled by direction
	// ("in", "out") and event type.
	RelayEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_relay_events_total",
		Help: "Events handled by the relay",
	}, []string{"direction", "type"})

	// RelayFanoutLatency records the time from a NATS delivery to the
	// WebSocket write completing.
	RelayFanoutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "inbox_relay_fanout_latency_seconds",
		Help:    "Time to forward a room event to a connection",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
	})

	// RelayRejections counts events and connections refused by the relay,
	// labeled by reason ("rate_limited", "banned", "ban_issued").
	RelayRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_relay_rejections_total",
		Help: "Events and connections refused by the relay",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ChannelConnected,
		ChannelTransitions,
		InboundEvents,
		OutboundEvents,
		RoutedMessages,
		StaleLoads,
		RoomJoins,
		RelayConnections,
		RelayEvents,
		RelayFanoutLatency,
		RelayRejections,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
