// Package metrics exposes prometheus collectors for binds, relays and tunnels. A nil *Metrics is
// valid and records nothing
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dapn"

// Bind outcomes
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeTimeout  = "timeout"
	OutcomeNoRoute  = "no_route"
	OutcomeFailed   = "failed"
	OutcomeNoop     = "already_bound"
)

// Relay actions
const (
	RelayForwarded = "forwarded"
	RelayDropped   = "dropped"
	RelayAnswered  = "answered"
)

type Metrics struct {
	binds        *prometheus.CounterVec
	relays       *prometheus.CounterVec
	provisioning prometheus.Counter
	boundPeers   prometheus.Gauge
	exposedPorts prometheus.Gauge
}

// New creates the collectors and registers them in reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		binds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bind_attempts_total",
			Help:      "Local bind attempts by terminal outcome.",
		}, []string{"outcome"}),
		relays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "Inbound bind requests by how they were handled.",
		}, []string{"action"}),
		provisioning: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisioning_failures_total",
			Help:      "Tunnel establishments rolled back after a failure.",
		}),
		boundPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bound_peers",
			Help:      "Peers with an active tunnel.",
		}),
		exposedPorts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exposed_ports",
			Help:      "Ports forwarded to every bound peer.",
		}),
	}

	reg.MustRegister(m.binds, m.relays, m.provisioning, m.boundPeers, m.exposedPorts)
	return m
}

func (m *Metrics) ObserveBind(outcome string) {
	if m == nil {
		return
	}
	m.binds.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRelay(action string) {
	if m == nil {
		return
	}
	m.relays.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveProvisioningFailure() {
	if m == nil {
		return
	}
	m.provisioning.Inc()
}

func (m *Metrics) SetBoundPeers(n int) {
	if m == nil {
		return
	}
	m.boundPeers.Set(float64(n))
}

func (m *Metrics) SetExposedPorts(n int) {
	if m == nil {
		return
	}
	m.exposedPorts.Set(float64(n))
}
