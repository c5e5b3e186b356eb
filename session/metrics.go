package session

import "github.com/prometheus/client_golang/prometheus"

// Refresh outcomes.
const (
	outcomeRefreshed = "refreshed"
	outcomeFailed    = "failed"
	outcomeRevoked   = "revoked"
	outcomeWaited    = "waited"
)

type Metrics struct {
	refreshes *prometheus.CounterVec
	retries   prometheus.Counter
}

// NewMetrics registers the session metrics with reg.
// A nil *Metrics is valid and records nothing.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_runtime",
			Subsystem: "session",
			Name:      "refreshes_total",
			Help:      "Session refreshes by outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offline_runtime",
			Subsystem: "session",
			Name:      "retries_total",
			Help:      "Calls retried after a refresh.",
		}),
	}
	reg.MustRegister(m.refreshes, m.retries)
	return m
}

func (m *Metrics) refresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}
