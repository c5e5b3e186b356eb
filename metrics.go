package offlineruntime

import (
	"github.com/prometheus/client_golang/prometheus"

	routepolicy "github.com/always-cache/offline-runtime/pkg/route-policy"
)

// Metrics of the proxy and the sweeper.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	responses     *prometheus.CounterVec
	authExpired   prometheus.Counter
	sweepDeleted  prometheus.Counter
	sweepFailures prometheus.Counter
	precached     *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_runtime",
			Name:      "proxy_responses_total",
			Help:      "Responses returned by the proxy, by route strategy and cache status.",
		}, []string{"strategy", "cache_status"}),
		authExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offline_runtime",
			Name:      "auth_expired_total",
			Help:      "API responses with status 401 that cleared the API store.",
		}),
		sweepDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offline_runtime",
			Name:      "sweep_deleted_total",
			Help:      "Entries deleted by the eviction sweeper.",
		}),
		sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offline_runtime",
			Name:      "sweep_failures_total",
			Help:      "Entries the eviction sweeper could not read or delete.",
		}),
		precached: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_runtime",
			Name:      "precache_total",
			Help:      "Install-time precache attempts, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.responses, m.authExpired, m.sweepDeleted, m.sweepFailures, m.precached)
	return m
}

func (m *Metrics) response(strategy routepolicy.Strategy, cs *CacheStatus) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(string(strategy), cs.label()).Inc()
}

func (m *Metrics) expired() {
	if m == nil {
		return
	}
	m.authExpired.Inc()
}

func (m *Metrics) swept(deleted, failed int) {
	if m == nil {
		return
	}
	m.sweepDeleted.Add(float64(deleted))
	m.sweepFailures.Add(float64(failed))
}

func (m *Metrics) precache(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.precached.WithLabelValues(result).Inc()
}
