package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds pipeline counters. A nil *Metrics records nothing.
type Metrics struct {
	ingestedTotal      *prometheus.CounterVec
	validationFailures *prometheus.CounterVec
	duplicatesTotal    *prometheus.CounterVec
	batchesTotal       *prometheus.CounterVec
	alarmsBuffered     prometheus.Gauge
	recordsLogged      prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		ingestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "ingest",
			Name:      "payloads_total",
			Help:      "Payloads processed per category",
		}, []string{"category"}),
		validationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "ingest",
			Name:      "validation_failures_total",
			Help:      "Payloads rejected by schema validation",
		}, []string{"category"}),
		duplicatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "ingest",
			Name:      "duplicates_total",
			Help:      "Re-delivered records swallowed on insert",
		}, []string{"kind"}),
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "ingest",
			Name:      "buffered_batches_total",
			Help:      "Buffered batches by outcome",
		}, []string{"kind", "status"}),
		alarmsBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "canopy",
			Subsystem: "ingest",
			Name:      "alarms_buffered",
			Help:      "Alarms currently waiting for the periodic logger",
		}),
		recordsLogged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "ingest",
			Name:      "records_logged_total",
			Help:      "Durable records written by the periodic logger",
		}),
	}

	registry.MustRegister(
		m.ingestedTotal, m.validationFailures, m.duplicatesTotal,
		m.batchesTotal, m.alarmsBuffered, m.recordsLogged,
	)
	return m
}

func (m *Metrics) ingested(category string) {
	if m == nil {
		return
	}
	m.ingestedTotal.WithLabelValues(category).Inc()
}

func (m *Metrics) validationFailure(category string) {
	if m == nil {
		return
	}
	m.validationFailures.WithLabelValues(category).Inc()
}

func (m *Metrics) duplicate(kind string) {
	if m == nil {
		return
	}
	m.duplicatesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) batch(kind, status string) {
	if m == nil {
		return
	}
	m.batchesTotal.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) setAlarmsBuffered(n int) {
	if m == nil {
		return
	}
	m.alarmsBuffered.Set(float64(n))
}

func (m *Metrics) logged(n int) {
	if m == nil {
		return
	}
	m.recordsLogged.Add(float64(n))
}
