/*
metrics.go - Prometheus export for gateway routing

One Metrics value per process, registered against the server's registry
and shared by the health tracker and the dispatcher. Replicas export
their own per-process view; aggregation happens in Prometheus.
*/
package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the routing collectors.
type Metrics struct {
	Attempts     *prometheus.CounterVec
	HealthScore  *prometheus.GaugeVec
	AvgLatencyMs *prometheus.GaugeVec
	Selections   *prometheus.CounterVec
	Fallbacks    prometheus.Counter
}

// NewMetrics registers the routing collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paycore_gateway_attempts_total",
			Help: "Gateway payment attempts by outcome.",
		}, []string{"gateway", "outcome"}),
		HealthScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "paycore_gateway_health_score",
			Help: "Composite gateway health score (0..100).",
		}, []string{"gateway"}),
		AvgLatencyMs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "paycore_gateway_avg_latency_ms",
			Help: "Rolling-window average gateway latency in milliseconds.",
		}, []string{"gateway"}),
		Selections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paycore_gateway_selections_total",
			Help: "Primary gateway selections by strategy.",
		}, []string{"gateway", "strategy"}),
		Fallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "paycore_gateway_fallbacks_total",
			Help: "Times a payment fell back to a secondary gateway.",
		}),
	}
}
