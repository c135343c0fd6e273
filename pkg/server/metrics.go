package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the server's Prometheus collectors. A nil *Metrics
// is valid everywhere and records nothing, so tests can skip it.
type Metrics struct {
	loginsTotal       *prometheus.CounterVec
	messagesRouted    *prometheus.CounterVec
	dispatchesTotal   *prometheus.CounterVec
	deliveriesTotal   *prometheus.CounterVec
	deliveryFailures  prometheus.Counter
	queueDepth        prometheus.Gauge
	connectionsByMode *prometheus.GaugeVec
}

// NewMetrics registers the collectors on reg. The server hands in its
// own registry so several instances can coexist in one process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		loginsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbox",
			Name:      "logins_total",
			Help:      "Authentication attempts by outcome.",
		}, []string{"outcome"}),
		messagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbox",
			Name:      "messages_routed_total",
			Help:      "Inbound messages by resolved command code.",
		}, []string{"code"}),
		dispatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbox",
			Name:      "dispatches_total",
			Help:      "Broadcast items dispatched by destination role.",
		}, []string{"role"}),
		deliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbox",
			Name:      "deliveries_total",
			Help:      "Per-recipient deliveries by destination role.",
		}, []string{"role"}),
		deliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatbox",
			Name:      "delivery_failures_total",
			Help:      "Recipient writes that failed during dispatch.",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatbox",
			Name:      "broadcast_queue_depth",
			Help:      "Items waiting on the broadcast queue.",
		}),
		connectionsByMode: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatbox",
			Name:      "connections",
			Help:      "Live connections by authentication state.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordLogin(outcome string) {
	if m == nil {
		return
	}
	m.loginsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordRouted(code string) {
	if m == nil {
		return
	}
	m.messagesRouted.WithLabelValues(code).Inc()
}

func (m *Metrics) RecordDispatch(role string, delivered int) {
	if m == nil {
		return
	}
	m.dispatchesTotal.WithLabelValues(role).Inc()
	m.deliveriesTotal.WithLabelValues(role).Add(float64(delivered))
}

func (m *Metrics) RecordDeliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

func (m *Metrics) RecordQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// RecordConnections refreshes the per-state connection gauges.
func (m *Metrics) RecordConnections(unauthenticated, authenticated int) {
	if m == nil {
		return
	}
	m.connectionsByMode.WithLabelValues(StateUnauthenticated.String()).Set(float64(unauthenticated))
	m.connectionsByMode.WithLabelValues(StateAuthenticated.String()).Set(float64(authenticated))
}
