// Package metrics exposes client-side counters in Prometheus format.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "calcsync"

// Metrics holds the counters for one client instance.
type Metrics struct {
	registry *prometheus.Registry

	operations    *prometheus.CounterVec
	pushMessages  *prometheus.CounterVec
	submits       *prometheus.CounterVec
	checkAttempts *prometheus.CounterVec
	queueDepth    prometheus.Gauge
}

// New registers the client counters on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Operations applied to the local replica by kind and status",
		}, []string{"kind", "status"}),
		pushMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_messages_total",
			Help:      "Push channel messages by decode result",
		}, []string{"result"}),
		submits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submits_total",
			Help:      "Expression submissions by outcome",
		}, []string{"outcome"}),
		checkAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Health check attempts made by the retry loop",
		}, []string{"result"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Operations waiting for the store worker",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// OperationApplied counts a store operation. status is "ok" or "failed".
func (m *Metrics) OperationApplied(kind, status string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(kind, status).Inc()
}

// PushMessage counts a push message. result is "accepted" or "malformed".
func (m *Metrics) PushMessage(result string) {
	if m == nil {
		return
	}
	m.pushMessages.WithLabelValues(result).Inc()
}

// Submit counts a submission outcome: "accepted", "rejected" or "deferred".
func (m *Metrics) Submit(outcome string) {
	if m == nil {
		return
	}
	m.submits.WithLabelValues(outcome).Inc()
}

// HealthCheck counts one health probe made by the retry loop.
func (m *Metrics) HealthCheck(ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "ok"
	}
	m.checkAttempts.WithLabelValues(result).Inc()
}

// SetQueueDepth records the number of pending operations.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
