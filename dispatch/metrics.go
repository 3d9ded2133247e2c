package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for a dispatcher instance. A nil
// *Metrics is valid and records nothing, so tests and tools can skip
// registration.
type Metrics struct {
	emittedTotal   *prometheus.CounterVec
	deliveredTotal *prometheus.CounterVec
	droppedTotal   *prometheus.CounterVec
	handlerErrors  *prometheus.CounterVec
	queueDepth     prometheus.Gauge
}

// NewMetrics creates and registers dispatcher metrics. Returns nil when
// registry is nil.
func NewMetrics(registry *prometheus.Registry, dispatcherName string) *Metrics {
	if registry == nil {
		return nil
	}

	labels := prometheus.Labels{"dispatcher": dispatcherName}
	m := &Metrics{
		emittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "canopy",
			Subsystem:   "dispatch",
			Name:        "emitted_total",
			Help:        "Total events emitted",
			ConstLabels: labels,
		}, []string{"event"}),
		deliveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "canopy",
			Subsystem:   "dispatch",
			Name:        "delivered_total",
			Help:        "Total events delivered to handlers",
			ConstLabels: labels,
		}, []string{"event"}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "canopy",
			Subsystem:   "dispatch",
			Name:        "dropped_total",
			Help:        "Total events dropped (expired TTL or full queue)",
			ConstLabels: labels,
		}, []string{"reason"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "canopy",
			Subsystem:   "dispatch",
			Name:        "handler_errors_total",
			Help:        "Total handler invocations that returned an error",
			ConstLabels: labels,
		}, []string{"event"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "canopy",
			Subsystem:   "dispatch",
			Name:        "queue_depth",
			Help:        "Current delivery queue depth",
			ConstLabels: labels,
		}),
	}

	registry.MustRegister(
		m.emittedTotal, m.deliveredTotal, m.droppedTotal,
		m.handlerErrors, m.queueDepth,
	)
	return m
}

func (m *Metrics) emitted(event string) {
	if m == nil {
		return
	}
	m.emittedTotal.WithLabelValues(event).Inc()
}

func (m *Metrics) delivered(event string) {
	if m == nil {
		return
	}
	m.deliveredTotal.WithLabelValues(event).Inc()
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) handlerError(event string) {
	if m == nil {
		return
	}
	m.handlerErrors.WithLabelValues(event).Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
