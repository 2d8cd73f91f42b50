// Package metrics exposes Prometheus collectors for the relay process.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "topic_relay"

// Outcome labels for RelayDeliveries.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
)

// Metrics groups every collector registered by the process.
type Metrics struct {
	registry *prometheus.Registry

	sessionEvents    *prometheus.CounterVec
	messagesReceived prometheus.Counter
	deliveries       *prometheus.CounterVec
	deliveryDuration prometheus.Histogram
	queueDepth       prometheus.Gauge
	queueDropped     *prometheus.CounterVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Broker session events processed, by kind.",
		}, []string{"kind"}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages received on the subscribed topic.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Relay attempts to the notification channel, by outcome.",
		}, []string{"outcome"}),
		deliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time spent in the notification channel per relay attempt.",
			Buckets:   prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Messages waiting for delivery.",
		}),
		queueDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dropped_total",
			Help:      "Messages discarded by the relay queue, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionEvents,
		m.messagesReceived,
		m.deliveries,
		m.deliveryDuration,
		m.queueDepth,
		m.queueDropped,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionEvent(kind string) {
	if m == nil {
		return
	}
	m.sessionEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

// Delivery records one relay attempt and how long the channel took.
func (m *Metrics) Delivery(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
	m.deliveryDuration.Observe(seconds)
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) QueueDropped(reason string) {
	if m == nil {
		return
	}
	m.queueDropped.WithLabelValues(reason).Inc()
}
