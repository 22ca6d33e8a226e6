package browser

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for pool activity.
type Metrics struct {
	leases       prometheus.Counter
	teardowns    *prometheus.CounterVec
	launches     *prometheus.CounterVec
	acquireWait  prometheus.Histogram
	sessions     *prometheus.GaugeVec
	waiters      prometheus.Gauge
	acquireFails *prometheus.CounterVec
}

// MustNewMetrics registers the pool collectors with reg. Collectors that are
// already registered are reused, so several pools (or tests) may share a
// registry. Any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		leases: mustRegister(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "monkey",
			Subsystem: "browser_pool",
			Name:      "leases_total",
			Help:      "Sessions handed out by the pool.",
		})),
		teardowns: mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monkey",
			Subsystem: "browser_pool",
			Name:      "teardowns_total",
			Help:      "Sessions torn down, by reason.",
		}, []string{"reason"})),
		launches: mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monkey",
			Subsystem: "browser_pool",
			Name:      "launches_total",
			Help:      "Browser launches, by result.",
		}, []string{"result"})),
		acquireWait: mustRegister(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "monkey",
			Subsystem: "browser_pool",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent waiting for a session.",
			Buckets:   prometheus.DefBuckets,
		})),
		sessions: mustRegister(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "monkey",
			Subsystem: "browser_pool",
			Name:      "sessions",
			Help:      "Open sessions, by state.",
		}, []string{"state"})),
		waiters: mustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "monkey",
			Subsystem: "browser_pool",
			Name:      "waiters",
			Help:      "Callers queued for a session.",
		})),
		acquireFails: mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monkey",
			Subsystem: "browser_pool",
			Name:      "acquire_failures_total",
			Help:      "Acquire calls that returned without a session, by reason.",
		}, []string{"reason"})),
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

func (m *Metrics) observeLease(wait time.Duration) {
	if m == nil {
		return
	}
	m.leases.Inc()
	m.acquireWait.Observe(wait.Seconds())
}

func (m *Metrics) observeAcquireFailure(reason string) {
	if m == nil {
		return
	}
	m.acquireFails.WithLabelValues(reason).Inc()
}

func (m *Metrics) observeTeardown(reason string) {
	if m == nil {
		return
	}
	m.teardowns.WithLabelValues(reason).Inc()
}

func (m *Metrics) observeLaunch(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.launches.WithLabelValues(result).Inc()
}

func (m *Metrics) setGauges(stats PoolStats) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(string(StateIdle)).Set(float64(stats.Idle))
	m.sessions.WithLabelValues(string(StateLeased)).Set(float64(stats.Leased))
	m.sessions.WithLabelValues("launching").Set(float64(stats.Launching))
	m.waiters.Set(float64(stats.Waiting))
}
