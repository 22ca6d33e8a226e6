package dispatch

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/entrhq/monkey/pkg/types"
)

// Metrics exposes Prometheus collectors for dispatched requests.
type Metrics struct {
	requests *prometheus.CounterVec
	inflight *prometheus.GaugeVec
	queued   *prometheus.GaugeVec
	duration *prometheus.HistogramVec
}

// MustNewMetrics registers the dispatch collectors with reg, reusing any
// that are already registered.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		requests: mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monkey",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Tool requests, by server and outcome.",
		}, []string{"server", "outcome"})),
		inflight: mustRegister(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "monkey",
			Subsystem: "dispatch",
			Name:      "inflight",
			Help:      "Tool executions running, by server.",
		}, []string{"server"})),
		queued: mustRegister(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "monkey",
			Subsystem: "dispatch",
			Name:      "queued",
			Help:      "Tool requests waiting for a slot, by server.",
		}, []string{"server"})),
		duration: mustRegister(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "monkey",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Tool request latency including queueing, by server.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"server"})),
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

func outcomeLabel(err *types.Error) string {
	if err == nil {
		return "success"
	}
	return string(err.Kind)
}

func (m *Metrics) observe(server string, err *types.Error, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(server, outcomeLabel(err)).Inc()
	m.duration.WithLabelValues(server).Observe(d.Seconds())
}

func (m *Metrics) setInflight(server string, n int64) {
	if m == nil {
		return
	}
	m.inflight.WithLabelValues(server).Set(float64(n))
}

func (m *Metrics) setQueued(server string, n int64) {
	if m == nil {
		return
	}
	m.queued.WithLabelValues(server).Set(float64(n))
}

// Forget drops the per-server series of a deleted server.
func (m *Metrics) Forget(server string) {
	if m == nil {
		return
	}
	m.inflight.DeleteLabelValues(server)
	m.queued.DeleteLabelValues(server)
	m.duration.DeleteLabelValues(server)
	m.requests.DeletePartialMatch(prometheus.Labels{"server": server})
}
