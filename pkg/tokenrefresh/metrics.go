package tokenrefresh

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeSuccess   = "success"
	outcomeRetry     = "retry"
	outcomeExhausted = "exhausted"
)

// Metrics holds the refresh collectors. A nil *Metrics records nothing.
type Metrics struct {
	refreshes *prometheus.CounterVec
	scheduled prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bi_token_refreshes_total",
			Help: "Token refresh attempts by outcome",
		}, []string{"outcome"}),
		scheduled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bi_token_refreshes_scheduled",
			Help: "Number of sessions with a pending token refresh",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.refreshes, m.scheduled)
	}
	return m
}

func (m *Metrics) refresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setScheduled(n int) {
	if m == nil {
		return
	}
	m.scheduled.Set(float64(n))
}
