// Package metrics exposes Prometheus counters and histograms for the
// broker's request pipeline. Recording is fire-and-forget with respect to
// the pipeline: it never influences control flow or error handling.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bradax_broker"

// Metrics holds every metric the broker records, registered against its
// own registry rather than the global default so a process can construct
// (and a test can exercise) more than one independent instance.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	GuardrailActions  *prometheus.CounterVec
	ProviderLatency   prometheus.Histogram
	ProviderErrors    *prometheus.CounterVec
	TokensIssued      prometheus.Counter
	RateLimitRejected *prometheus.CounterVec
}

// New registers and returns a fresh Metrics instance.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total HTTP requests handled, by route and status.",
		}, []string{"route", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		GuardrailActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guardrail_actions_total",
			Help:      "Guardrail rule triggers, by rule id and action.",
		}, []string{"rule_id", "action"}),
		ProviderLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_latency_seconds",
			Help:      "Provider adapter call latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider adapter failures, by reason.",
		}, []string{"reason"}),
		TokensIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Project-scoped auth tokens issued.",
		}),
		RateLimitRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejected_total",
			Help:      "Requests rejected by the ingress rate limiter, by bound.",
		}, []string{"bound"}),
	}
}

// Handler serves this instance's own registry, so /metrics exposes exactly
// the collectors New registered rather than whatever else has registered
// against the process-wide default registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
