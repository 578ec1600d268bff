package audit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EmitterMetrics receives delivery pipeline measurements.
type EmitterMetrics interface {
	EventEnqueued(kind EventKind)
	EventEvicted(kind EventKind)
	EventDelivered(kind EventKind, latency time.Duration)
	DeliveryFailed(kind EventKind)
	EventDropped(kind EventKind, reason string)
	BacklogSize(kind EventKind, n int)
	StateChanged(s ReadinessState)
}

// PrometheusMetrics implements EmitterMetrics with Prometheus.
type PrometheusMetrics struct {
	enqueued  *prometheus.CounterVec
	evicted   *prometheus.CounterVec
	delivered *prometheus.CounterVec
	failed    *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	backlog   *prometheus.GaugeVec
	state     prometheus.Gauge
}

// NewPrometheusMetrics creates the collectors and registers them with
// registerer, or the default registerer when nil.
func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &PrometheusMetrics{
		enqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_emitter_events_enqueued_total",
				Help: "Events buffered because they could not be sent directly",
			},
			[]string{"kind"},
		),
		evicted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_emitter_events_evicted_total",
				Help: "Buffered events evicted to make room for newer ones",
			},
			[]string{"kind"},
		),
		delivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_emitter_events_delivered_total",
				Help: "Events accepted by the sink",
			},
			[]string{"kind"},
		),
		failed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_emitter_delivery_failures_total",
				Help: "Sink send attempts that failed",
			},
			[]string{"kind"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_emitter_events_dropped_total",
				Help: "Events discarded without delivery",
			},
			[]string{"kind", "reason"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "audit_emitter_send_latency_seconds",
				Help:    "Latency of successful sink sends",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		backlog: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "audit_emitter_backlog_events",
				Help: "Events waiting in the backlog",
			},
			[]string{"kind"},
		),
		state: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "audit_emitter_readiness_state",
				Help: "Readiness state: 0 initialized, 1 starting, 2 pending, 3 working",
			},
		),
	}
	registerer.MustRegister(m.enqueued, m.evicted, m.delivered, m.failed, m.dropped, m.latency, m.backlog, m.state)
	return m
}

func (m *PrometheusMetrics) EventEnqueued(kind EventKind) {
	m.enqueued.WithLabelValues(kind.String()).Inc()
}

func (m *PrometheusMetrics) EventEvicted(kind EventKind) {
	m.evicted.WithLabelValues(kind.String()).Inc()
}

func (m *PrometheusMetrics) EventDelivered(kind EventKind, latency time.Duration) {
	m.delivered.WithLabelValues(kind.String()).Inc()
	m.latency.WithLabelValues(kind.String()).Observe(latency.Seconds())
}

func (m *PrometheusMetrics) DeliveryFailed(kind EventKind) {
	m.failed.WithLabelValues(kind.String()).Inc()
}

func (m *PrometheusMetrics) EventDropped(kind EventKind, reason string) {
	m.dropped.WithLabelValues(kind.String(), reason).Inc()
}

func (m *PrometheusMetrics) BacklogSize(kind EventKind, n int) {
	m.backlog.WithLabelValues(kind.String()).Set(float64(n))
}

func (m *PrometheusMetrics) StateChanged(s ReadinessState) {
	m.state.Set(float64(s))
}

// nopMetrics is a no-op EmitterMetrics implementation.
type nopMetrics struct{}

func (nopMetrics) EventEnqueued(EventKind)                 {}
func (nopMetrics) EventEvicted(EventKind)                  {}
func (nopMetrics) EventDelivered(EventKind, time.Duration) {}
func (nopMetrics) DeliveryFailed(EventKind)                {}
func (nopMetrics) EventDropped(EventKind, string)          {}
func (nopMetrics) BacklogSize(EventKind, int)              {}
func (nopMetrics) StateChanged(ReadinessState)             {}
