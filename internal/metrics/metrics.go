// Package metrics exposes the relay's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	// ActiveConnections is owned by the signaling transport: it counts open
	// sockets, registered or not. RegisteredParticipants is owned by the
	// router and counts registry entries.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vitacall_relay_active_connections",
		Help: "Number of open signaling connections",
	})
	RegisteredParticipants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vitacall_relay_registered_participants",
		Help: "Participants currently registered for calls",
	})
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vitacall_relay_active_calls",
		Help: "Number of non-ended call sessions",
	})
)

// Counters
var (
	MessagesForwardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vitacall_relay_messages_forwarded_total",
		Help: "Signaling messages forwarded between call participants, by kind",
	}, []string{"kind"})
	MessagesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vitacall_relay_messages_dropped_total",
		Help: "Inbound signaling messages dropped, by reason",
	}, []string{"reason"})
	CallsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vitacall_relay_calls_started_total",
		Help: "Call sessions created",
	})
	CallsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vitacall_relay_calls_ended_total",
		Help: "Call sessions ended, by cause",
	}, []string{"cause"})
	SimulatedAnswersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vitacall_relay_simulated_answers_total",
		Help: "Calls answered by the demo fallback instead of a real callee",
	})
)

// Drop reasons for MessagesDroppedTotal.
const (
	DropReasonUnknownSession = "unknown_session"
	DropReasonNoPeer         = "no_peer"
	DropReasonBadMessage     = "bad_message"
	DropReasonNotRegistered  = "not_registered"
	DropReasonRateLimited    = "rate_limited"
	DropReasonSendBufferFull = "send_buffer_full"
)

// Ended-call causes for CallsEndedTotal.
const (
	EndCauseHangup     = "hangup"
	EndCauseDisconnect = "disconnect"
	EndCauseNoCallee   = "no_callee"
)
