// Package metrics registers the Prometheus instruments for the AI
// pipeline. Served at /metrics in Prometheus text format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Buckets cover sub-second pipeline stages up to ~10 s tool runs.
var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics holds every instrument the pipeline emits.
type Metrics struct {
	// AIRequestsTotal counts pipeline requests.
	// Labels: status (success|error), tool
	AIRequestsTotal *prometheus.CounterVec

	// AIRequestErrorsTotal counts failures by reason.
	// Labels: reason, tool
	AIRequestErrorsTotal *prometheus.CounterVec

	// AIRequestDuration measures end-to-end request latency.
	// Labels: tool
	AIRequestDuration *prometheus.HistogramVec

	// StageDuration measures per-stage latency.
	// Labels: stage (classify|select|plan|respond|execute)
	StageDuration *prometheus.HistogramVec

	// SelectorRequestsTotal counts selector calls.
	// Labels: status (success|error|degraded), source (pipeline|api|cache)
	SelectorRequestsTotal *prometheus.CounterVec

	// SelectorRequestDuration measures selector latency.
	SelectorRequestDuration prometheus.Histogram

	// SelectorDBErrorsTotal counts index store failures.
	SelectorDBErrorsTotal prometheus.Counter

	// SelectorCacheEntries gauges the current cache population.
	SelectorCacheEntries prometheus.Gauge

	// SelectorCacheTTL exports the configured cache TTL.
	SelectorCacheTTL prometheus.Gauge

	// SelectorBuildInfo carries version metadata as labels.
	SelectorBuildInfo *prometheus.GaugeVec

	// BudgetTruncationsTotal counts deterministic candidate truncations.
	BudgetTruncationsTotal prometheus.Counter

	// ExecutorStepsTotal counts dispatched steps.
	// Labels: service (automation|communication|asset|network), status
	ExecutorStepsTotal *prometheus.CounterVec

	// CredentialLookupsTotal counts broker reads by outcome.
	CredentialLookupsTotal *prometheus.CounterVec
}

// New creates and registers all instruments on the given registerer.
// Pass prometheus.DefaultRegisterer in main; tests use a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AIRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total AI pipeline requests by status and tool",
		}, []string{"status", "tool"}),

		AIRequestErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_request_errors_total",
			Help: "AI pipeline request errors by reason and tool",
		}, []string{"reason", "tool"}),

		AIRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "End-to-end AI request duration in seconds",
			Buckets: durationBuckets,
		}, []string{"tool"}),

		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ai_stage_duration_seconds",
			Help:    "Per-stage pipeline duration in seconds",
			Buckets: durationBuckets,
		}, []string{"stage"}),

		SelectorRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "selector_requests_total",
			Help: "Tool selector requests by status and source",
		}, []string{"status", "source"}),

		SelectorRequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "selector_request_duration_seconds",
			Help:    "Tool selector request duration in seconds",
			Buckets: durationBuckets,
		}),

		SelectorDBErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "selector_db_errors_total",
			Help: "Tool index store errors",
		}),

		SelectorCacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "selector_cache_entries",
			Help: "Current selector cache entry count",
		}),

		SelectorCacheTTL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "selector_cache_ttl_seconds",
			Help: "Configured selector cache TTL in seconds",
		}),

		SelectorBuildInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "selector_build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"version", "git_commit", "built_at"}),

		BudgetTruncationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "selector_budget_truncations_total",
			Help: "Candidate lists truncated by the token budget",
		}),

		ExecutorStepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "executor_steps_total",
			Help: "Dispatched plan steps by collaborator service and status",
		}, []string{"service", "status"}),

		CredentialLookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credential_lookups_total",
			Help: "Secrets broker lookups by outcome",
		}, []string{"outcome"}),
	}
}

// SetBuildInfo records version metadata once at startup.
func (m *Metrics) SetBuildInfo(version, gitCommit, builtAt string) {
	m.SelectorBuildInfo.WithLabelValues(version, gitCommit, builtAt).Set(1)
}
