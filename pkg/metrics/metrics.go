// Package metrics exposes the engine's Prometheus collectors. All
// collectors live on a dedicated registry so tests can scrape without
// touching the global default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	// ActiveCalls tracks calls currently known to the coordinator.
	ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "softswitch_active_calls",
		Help: "Number of calls currently tracked by the session coordinator",
	})

	// CallsTotal counts calls by final disposition (answered, busy, failed,
	// no_answer, cancelled).
	CallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "softswitch_calls_total",
		Help: "Completed calls by disposition",
	}, []string{"disposition"})

	// SignalingMessages counts parsed SIP messages by method.
	SignalingMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "softswitch_signaling_messages_total",
		Help: "Inbound SIP messages by method",
	}, []string{"method"})

	// RTPPacketsReceived counts media packets accepted after sequencing.
	RTPPacketsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "softswitch_rtp_packets_received_total",
		Help: "RTP packets received across all media legs",
	})

	// RTPPacketsLost counts sequence gaps declared as loss.
	RTPPacketsLost = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "softswitch_rtp_packets_lost_total",
		Help: "RTP packets counted as lost across all media legs",
	})

	// DTMFDigits counts digit events reported to call state machines.
	DTMFDigits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "softswitch_dtmf_digits_total",
		Help: "DTMF digit events detected",
	})

	// DegradedLegs tracks media legs currently marked degraded by RTCP.
	DegradedLegs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "softswitch_degraded_legs",
		Help: "Media legs currently in degraded quality state",
	})

	// QueuedCalls tracks calls waiting in hold queues.
	QueuedCalls = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "softswitch_queued_calls",
		Help: "Calls waiting per hold queue",
	}, []string{"queue"})

	// TrunkHealth reports trunk availability (1 healthy, 0 down).
	TrunkHealth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "softswitch_trunk_healthy",
		Help: "Trunk health as seen by OPTIONS probing",
	}, []string{"trunk"})

	// CDRPublished counts call detail records emitted to the sink.
	CDRPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "softswitch_cdr_published_total",
		Help: "Call detail records emitted by outcome",
	}, []string{"outcome"})

	// PortPoolInUse tracks allocated RTP port pairs.
	PortPoolInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "softswitch_port_pairs_in_use",
		Help: "RTP port pairs currently allocated",
	})
)

func init() {
	registry.MustRegister(
		ActiveCalls,
		CallsTotal,
		SignalingMessages,
		RTPPacketsReceived,
		RTPPacketsLost,
		DTMFDigits,
		DegradedLegs,
		QueuedCalls,
		TrunkHealth,
		CDRPublished,
		PortPoolInUse,
	)
}

// Handler returns the scrape endpoint for the engine registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
