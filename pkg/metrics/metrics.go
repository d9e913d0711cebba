// Package metrics exposes the Prometheus counters the RTP Channel and
// Dialogue Manager increment as they forward requests, bridge calls,
// and push/receive media. A single Metrics value is constructed once
// per process and threaded into both subsystems at construction.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/gauge this module registers. Registry
// is pluggable so tests can use a fresh prometheus.NewRegistry()
// instead of the global default.
type Metrics struct {
	ForwardedRequests *prometheus.CounterVec // labels: method
	ReferOutcomes      *prometheus.CounterVec // labels: outcome (blind, attended, rejected, internal_fault)
	BridgesActive       prometheus.Gauge
	HangupsTotal        *prometheus.CounterVec // labels: cause
	RTPSendOutcomes     *prometheus.CounterVec // labels: kind (media, control), outcome
	RTPPacketsReceived  *prometheus.CounterVec // labels: kind
}

// New registers every metric against reg and returns the handle.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ForwardedRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "b2bua",
			Subsystem: "dialogue",
			Name:      "forwarded_requests_total",
			Help:      "In-dialogue requests forwarded across a bridge, by method.",
		}, []string{"method"}),
		ReferOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "b2bua",
			Subsystem: "dialogue",
			Name:      "refer_outcomes_total",
			Help:      "REFER processing outcomes, by terminal state.",
		}, []string{"outcome"}),
		BridgesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "b2bua",
			Subsystem: "dialogue",
			Name:      "bridges_active",
			Help:      "Number of currently bridged dialogue pairs.",
		}),
		HangupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "b2bua",
			Subsystem: "dialogue",
			Name:      "hangups_total",
			Help:      "Dialogue hangups processed, by cause.",
		}, []string{"cause"}),
		RTPSendOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "b2bua",
			Subsystem: "rtpchannel",
			Name:      "send_outcomes_total",
			Help:      "RTP/RTCP send attempts, by socket kind and outcome.",
		}, []string{"kind", "outcome"}),
		RTPPacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "b2bua",
			Subsystem: "rtpchannel",
			Name:      "packets_received_total",
			Help:      "Packets delivered to on_packet, by socket kind.",
		}, []string{"kind"}),
	}
}
