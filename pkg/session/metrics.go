package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus collectors for the session manager. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	active              prometheus.Gauge
	created             *prometheus.CounterVec
	terminated          *prometheus.CounterVec
	recoveries          *prometheus.CounterVec
	queries             prometheus.Counter
	maintenanceRuns     prometheus.Counter
	maintenanceDuration prometheus.Histogram
	bookkeepingFailures *prometheus.CounterVec
}

// NewMetrics creates the session collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bi_sessions_active",
			Help: "Number of sessions registered in this instance",
		}),
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bi_sessions_created_total",
			Help: "Total number of sessions created",
		}, []string{"kind"}),
		terminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bi_sessions_terminated_total",
			Help: "Total number of sessions terminated",
		}, []string{"reason"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bi_session_recoveries_total",
			Help: "Total number of recovery attempts by outcome",
		}, []string{"outcome"}),
		queries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bi_session_queries_total",
			Help: "Total number of queries appended to session history",
		}),
		maintenanceRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bi_session_maintenance_runs_total",
			Help: "Total number of maintenance sweeps",
		}),
		maintenanceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bi_session_maintenance_duration_seconds",
			Help:    "Maintenance sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		bookkeepingFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bi_session_bookkeeping_failures_total",
			Help: "Total number of suppressed non-critical store failures",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.active,
			m.created,
			m.terminated,
			m.recoveries,
			m.queries,
			m.maintenanceRuns,
			m.maintenanceDuration,
			m.bookkeepingFailures,
		)
	}
	return m
}

func (m *Metrics) setActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}

func (m *Metrics) sessionCreated(anonymous bool) {
	if m == nil {
		return
	}
	kind := "authenticated"
	if anonymous {
		kind = "anonymous"
	}
	m.created.WithLabelValues(kind).Inc()
}

func (m *Metrics) sessionTerminated(reason string) {
	if m == nil {
		return
	}
	m.terminated.WithLabelValues(reason).Inc()
}

func (m *Metrics) recovery(outcome string) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) queryAdded() {
	if m == nil {
		return
	}
	m.queries.Inc()
}

func (m *Metrics) maintenance(seconds float64) {
	if m == nil {
		return
	}
	m.maintenanceRuns.Inc()
	m.maintenanceDuration.Observe(seconds)
}

func (m *Metrics) bookkeepingFailed(op string) {
	if m == nil {
		return
	}
	m.bookkeepingFailures.WithLabelValues(op).Inc()
}
