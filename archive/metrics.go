package archive

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts archived rows per dataset. A nil *Metrics records
// nothing.
type Metrics struct {
	archivedTotal *prometheus.CounterVec
	sweepsTotal   prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		archivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "archive",
			Name:      "rows_total",
			Help:      "Rows moved from live tables to their archive twins",
		}, []string{"kind"}),
		sweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "archive",
			Name:      "sweeps_total",
			Help:      "Completed sweep passes",
		}),
	}
	registry.MustRegister(m.archivedTotal, m.sweepsTotal)
	return m
}

func (m *Metrics) archived(kind string, rows int64) {
	if m == nil {
		return
	}
	m.archivedTotal.WithLabelValues(kind).Add(float64(rows))
}

func (m *Metrics) sweepDone() {
	if m == nil {
		return
	}
	m.sweepsTotal.Inc()
}
