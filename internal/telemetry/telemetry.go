// Package telemetry exposes operational metrics through Prometheus.
// Operational observability is kept strictly separate from the audit
// ledger: the ledger records integrity-relevant decisions, these metrics
// record rates and depths for operators.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the node's metric set, backed by a private registry.
type Metrics struct {
	registry *prometheus.Registry

	admissions        *prometheus.CounterVec
	handshakes        *prometheus.CounterVec
	protocolErrors    prometheus.Counter
	reputationUpdates prometheus.Counter
	messagesIn        prometheus.Counter
	messagesOut       prometheus.Counter
}

// New creates the metric set and registers the counters.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aeon_admission_decisions_total",
			Help: "Admission decisions by outcome.",
		}, []string{"outcome"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aeon_handshakes_total",
			Help: "Handshake exchanges by outcome.",
		}, []string{"outcome"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aeon_protocol_errors_total",
			Help: "Malformed, expired or duplicate messages.",
		}),
		reputationUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aeon_reputation_updates_total",
			Help: "Reputation feedback events applied.",
		}),
		messagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aeon_messages_in_total",
			Help: "Envelopes accepted for dispatch.",
		}),
		messagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aeon_messages_out_total",
			Help: "Envelopes sent to peers.",
		}),
	}

	m.registry.MustRegister(
		m.admissions,
		m.handshakes,
		m.protocolErrors,
		m.reputationUpdates,
		m.messagesIn,
		m.messagesOut,
	)

	return m
}

// ObserveAdmission records one admission decision. The outcome is
// "allowed" or the machine-readable denial code.
func (m *Metrics) ObserveAdmission(allowed bool, code string) {
	if m == nil {
		return
	}

	outcome := code
	if allowed {
		outcome = "allowed"
	}
	m.admissions.WithLabelValues(outcome).Inc()
}

// ObserveHandshake records one handshake outcome.
func (m *Metrics) ObserveHandshake(ok bool) {
	if m == nil {
		return
	}

	outcome := "failed"
	if ok {
		outcome = "verified"
	}
	m.handshakes.WithLabelValues(outcome).Inc()
}

// IncProtocolError counts a protocol-level violation.
func (m *Metrics) IncProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

// IncReputationUpdate counts a reputation feedback event.
func (m *Metrics) IncReputationUpdate() {
	if m == nil {
		return
	}
	m.reputationUpdates.Inc()
}

// IncMessageIn counts an envelope accepted for dispatch.
func (m *Metrics) IncMessageIn() {
	if m == nil {
		return
	}
	m.messagesIn.Inc()
}

// IncMessageOut counts an envelope sent to a peer.
func (m *Metrics) IncMessageOut() {
	if m == nil {
		return
	}
	m.messagesOut.Inc()
}

// TrackLedgerHeight registers a gauge reading the ledger height.
func (m *Metrics) TrackLedgerHeight(fn func() float64) {
	if m == nil {
		return
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "aeon_ledger_height",
		Help: "Number of blocks in the admission ledger.",
	}, fn))
}

// TrackQueueDepth registers a gauge reading the dispatch queue depth.
func (m *Metrics) TrackQueueDepth(fn func() float64) {
	if m == nil {
		return
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "aeon_dispatch_queue_depth",
		Help: "Messages waiting in the dispatch queue.",
	}, fn))
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
