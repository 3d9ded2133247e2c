package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics shared by every store a Registry
// opens. A nil *Metrics records nothing.
type Metrics struct {
	hitsTotal        *prometheus.CounterVec
	missesTotal      *prometheus.CounterVec
	expirationsTotal *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		hitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache hits by dataset and tier",
		}, []string{"dataset", "tier"}),
		missesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache misses by dataset and tier",
		}, []string{"dataset", "tier"}),
		expirationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "cache",
			Name:      "expirations_total",
			Help:      "Entries evicted lazily after their TTL elapsed",
		}, []string{"dataset"}),
	}

	registry.MustRegister(m.hitsTotal, m.missesTotal, m.expirationsTotal)
	return m
}

func (m *Metrics) hit(dataset, tier string) {
	if m == nil {
		return
	}
	m.hitsTotal.WithLabelValues(dataset, tier).Inc()
}

func (m *Metrics) miss(dataset, tier string) {
	if m == nil {
		return
	}
	m.missesTotal.WithLabelValues(dataset, tier).Inc()
}

func (m *Metrics) expiration(dataset string) {
	if m == nil {
		return
	}
	m.expirationsTotal.WithLabelValues(dataset).Inc()
}
