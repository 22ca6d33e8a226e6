package server

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/entrhq/monkey/pkg/dispatch"
)

// Metrics exposes Prometheus collectors for server lifecycles, plus the
// dispatch collectors handed to every server's dispatcher.
type Metrics struct {
	servers     *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	dispatch    *dispatch.Metrics
}

// MustNewMetrics registers the registry and dispatch collectors with reg.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		servers: mustRegister(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "monkey",
			Subsystem: "registry",
			Name:      "servers",
			Help:      "Servers, by lifecycle state.",
		}, []string{"state"})),
		transitions: mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monkey",
			Subsystem: "registry",
			Name:      "transitions_total",
			Help:      "Lifecycle transitions, by target state.",
		}, []string{"state"})),
		dispatch: dispatch.MustNewMetrics(reg),
	}
}

func mustRegister[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) dispatchMetrics() *dispatch.Metrics {
	if m == nil {
		return nil
	}
	return m.dispatch
}

func (m *Metrics) observeTransition(to State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) setCounts(counts map[State]int) {
	if m == nil {
		return
	}
	for _, s := range States {
		m.servers.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (m *Metrics) forget(serverID string) {
	if m == nil {
		return
	}
	m.dispatch.Forget(serverID)
}
