// Package metrics provides Prometheus metrics for the analysis service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AnalysisMetrics collects and exposes service-level Prometheus metrics.
type AnalysisMetrics struct {
	registry *prometheus.Registry

	// Workflow metrics
	RunsTotal     *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	AgentDuration *prometheus.HistogramVec
	Opportunities *prometheus.HistogramVec

	// Resilience metrics
	BreakerState   *prometheus.GaugeVec
	DependencyErrs *prometheus.CounterVec

	// Cache metrics
	CacheLookups *prometheus.CounterVec

	// Streaming metrics
	WSConnections *prometheus.GaugeVec
	WSRejections  *prometheus.CounterVec

	// Admission metrics
	RateLimited *prometheus.CounterVec
	AuthErrors  *prometheus.CounterVec
}

// New creates a metrics collector backed by its own registry.
func New() *AnalysisMetrics {
	registry := prometheus.NewRegistry()

	m := &AnalysisMetrics{
		registry: registry,

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courtedge_runs_total",
				Help: "Total analysis runs by final status",
			},
			[]string{"status"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courtedge_run_duration_seconds",
				Help:    "End-to-end analysis run duration",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.5m
			},
			[]string{"status"},
		),
		AgentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courtedge_agent_duration_seconds",
				Help:    "Per-agent gather duration",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"agent", "partial"},
		),
		Opportunities: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courtedge_opportunities_per_run",
				Help:    "Opportunities emitted per completed run",
				Buckets: prometheus.LinearBuckets(0, 2, 11), // 0 to 20
			},
			[]string{"confidence"},
		),

		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "courtedge_breaker_state",
				Help: "Circuit breaker state per dependency (0=closed, 1=half-open, 2=open)",
			},
			[]string{"dependency"},
		),
		DependencyErrs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courtedge_dependency_errors_total",
				Help: "External dependency call failures after retries",
			},
			[]string{"dependency"},
		),

		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courtedge_cache_lookups_total",
				Help: "Cache lookups by outcome",
			},
			[]string{"outcome"}, // hit, stale, miss
		),

		WSConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "courtedge_ws_connections",
				Help: "Active WebSocket connections",
			},
			[]string{"run_id"},
		),
		WSRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courtedge_ws_rejections_total",
				Help: "WebSocket connections rejected",
			},
			[]string{"reason"}, // auth, limit
		),

		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courtedge_rate_limited_total",
				Help: "Requests rejected by rate limiting",
			},
			[]string{"route_class"},
		),
		AuthErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courtedge_auth_errors_total",
				Help: "Authentication failures by kind",
			},
			[]string{"kind"}, // invalid, expired, revoked
		),
	}

	m.registerAll()
	return m
}

func (m *AnalysisMetrics) registerAll() {
	m.registry.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.AgentDuration,
		m.Opportunities,
		m.BreakerState,
		m.DependencyErrs,
		m.CacheLookups,
		m.WSConnections,
		m.WSRejections,
		m.RateLimited,
		m.AuthErrors,
	)
}

// Registry returns the underlying registry for the /metrics handler.
func (m *AnalysisMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRun records a finished run.
func (m *AnalysisMetrics) RecordRun(status string, durationSec float64) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(durationSec)
}

// RecordAgent records one agent gather.
func (m *AnalysisMetrics) RecordAgent(agent string, partial bool, durationSec float64) {
	p := "false"
	if partial {
		p = "true"
	}
	m.AgentDuration.WithLabelValues(agent, p).Observe(durationSec)
}

// RecordOpportunities records the per-run emission count for a tier.
func (m *AnalysisMetrics) RecordOpportunities(confidence string, count int) {
	m.Opportunities.WithLabelValues(confidence).Observe(float64(count))
}

// SetBreakerState mirrors a breaker's state into the gauge.
func (m *AnalysisMetrics) SetBreakerState(dependency string, state float64) {
	m.BreakerState.WithLabelValues(dependency).Set(state)
}

// RecordDependencyError counts an exhausted external call.
func (m *AnalysisMetrics) RecordDependencyError(dependency string) {
	m.DependencyErrs.WithLabelValues(dependency).Inc()
}

// RecordCacheLookup counts a cache outcome: hit, stale, or miss.
func (m *AnalysisMetrics) RecordCacheLookup(outcome string) {
	m.CacheLookups.WithLabelValues(outcome).Inc()
}

// RecordWSRejection counts a rejected WebSocket upgrade.
func (m *AnalysisMetrics) RecordWSRejection(reason string) {
	m.WSRejections.WithLabelValues(reason).Inc()
}

// RecordRateLimited counts a 429 for a route class.
func (m *AnalysisMetrics) RecordRateLimited(routeClass string) {
	m.RateLimited.WithLabelValues(routeClass).Inc()
}

// RecordAuthError counts an authentication failure.
func (m *AnalysisMetrics) RecordAuthError(kind string) {
	m.AuthErrors.WithLabelValues(kind).Inc()
}
