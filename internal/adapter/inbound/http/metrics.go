// Package http serves the gateway's operational surface: Prometheus metrics
// and a health endpoint. The tool protocol itself stays on stdio.
package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
// Pass to components that need to record metrics.
type Metrics struct {
	CallsTotal        *prometheus.CounterVec
	CallDuration      *prometheus.HistogramVec
	PolicyEvaluations *prometheus.CounterVec
	RunningServers    prometheus.Gauge
	RateLimitKeys     prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		CallsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "calls_total",
				Help:      "Total tool calls by terminal status",
			},
			[]string{"status"}, // success/error/denied/rate_limited
		),
		CallDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "toolgate",
				Name:      "call_duration_seconds",
				Help:      "Gated call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		PolicyEvaluations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "policy_evaluations_total",
				Help:      "Total policy evaluations",
			},
			[]string{"result"}, // allow/deny
		),
		RunningServers: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "toolgate",
				Name:      "running_servers",
				Help:      "Number of backends currently in the running state",
			},
		),
		RateLimitKeys: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "toolgate",
				Name:      "rate_limit_keys",
				Help:      "Number of active rate limit keys",
			},
		),
	}
}

// ObserveCall records one terminal call outcome.
func (m *Metrics) ObserveCall(status string, seconds float64) {
	m.CallsTotal.WithLabelValues(status).Inc()
	m.CallDuration.WithLabelValues(status).Observe(seconds)
}

// PolicyEvaluation records one policy decision.
func (m *Metrics) PolicyEvaluation(allowed bool) {
	result := "deny"
	if allowed {
		result = "allow"
	}
	m.PolicyEvaluations.WithLabelValues(result).Inc()
}
