// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors for the connection engine.

package control

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const namespace = "hioload_tcp"

// Metrics groups the engine's collectors. The zero value is not usable; a nil
// *Metrics is, and records nothing.
type Metrics struct {
	completions   *prometheus.CounterVec
	bytes         *prometheus.CounterVec
	active        prometheus.Gauge
	removals      *prometheus.CounterVec
	pauses        prometheus.Counter
	registrations *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Dispatched completions by direction.",
		}, []string{"direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transferred_bytes_total",
			Help:      "Bytes moved by completed operations by direction.",
		}, []string{"direction"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Registered connections.",
		}),
		removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_removals_total",
			Help:      "Connections removed from the registry by reason.",
		}, []string{"reason"}),
		pauses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receive_pauses_total",
			Help:      "Receive pumps paused by backpressure.",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registration attempts by result.",
		}, []string{"result"}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	for _, c := range []prometheus.Collector{m.completions, m.bytes, m.active, m.removals, m.pauses, m.registrations} {
		err = multierr.Append(err, reg.Register(c))
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Completion records one dispatched completion of n bytes.
func (m *Metrics) Completion(direction string, n int) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(direction).Inc()
	if n > 0 {
		m.bytes.WithLabelValues(direction).Add(float64(n))
	}
}

// Registered records a registration attempt.
func (m *Metrics) Registered(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.registrations.WithLabelValues("ok").Inc()
		m.active.Inc()
		return
	}
	m.registrations.WithLabelValues("failed").Inc()
}

// Removed records a connection leaving the registry.
func (m *Metrics) Removed(reason string) {
	if m == nil {
		return
	}
	m.removals.WithLabelValues(reason).Inc()
	m.active.Dec()
}

// Paused records a receive pump entering backpressure.
func (m *Metrics) Paused() {
	if m == nil {
		return
	}
	m.pauses.Inc()
}
