package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's prometheus instruments, registered against a
// private registry so tests can construct them independently.
type Metrics struct {
	registry *prometheus.Registry

	evaluationsTotal   *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	decisionsTotal     *prometheus.CounterVec
	deploysTotal       *prometheus.CounterVec
	rollbacksTotal     *prometheus.CounterVec
	policyFailures     prometheus.Counter
	breakerOpen        prometheus.Gauge
	pendingReviews     prometheus.Gauge
	reviewEscalations  prometheus.Counter
}

// NewMetrics creates and registers all engine metrics under the given
// namespace (e.g. "agentgov").
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		evaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluations_total",
				Help:      "Total evolution evaluations by recommendation",
			},
			[]string{"recommendation"},
		),
		evaluationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evaluation_duration_seconds",
				Help:      "Duration of evolution evaluation in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
			},
		),
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Total evolution decisions by outcome",
			},
			[]string{"decision"},
		),
		deploysTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deploys_total",
				Help:      "Total deployments by result",
			},
			[]string{"result"},
		),
		rollbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total rollback attempts by outcome",
			},
			[]string{"outcome"},
		),
		policyFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_check_failures_total",
				Help:      "Total failed constitutional compliance checks",
			},
		),
		breakerOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "policy_breaker_open",
				Help:      "1 when the policy client circuit breaker is open",
			},
		),
		pendingReviews: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_reviews",
				Help:      "Review tasks currently awaiting a human decision",
			},
		),
		reviewEscalations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "review_sla_escalations_total",
				Help:      "Pending review tasks escalated past their SLA",
			},
		),
	}

	registry.MustRegister(
		m.evaluationsTotal,
		m.evaluationDuration,
		m.decisionsTotal,
		m.deploysTotal,
		m.rollbacksTotal,
		m.policyFailures,
		m.breakerOpen,
		m.pendingReviews,
		m.reviewEscalations,
	)
	return m
}

// RecordEvaluation records a completed evaluation.
func (m *Metrics) RecordEvaluation(recommendation string, seconds float64) {
	m.evaluationsTotal.WithLabelValues(recommendation).Inc()
	m.evaluationDuration.Observe(seconds)
}

// RecordDecision records a terminal or escalation decision.
func (m *Metrics) RecordDecision(decision string) {
	m.decisionsTotal.WithLabelValues(decision).Inc()
}

// RecordDeploy records a deployment attempt result ("ok" or "failed").
func (m *Metrics) RecordDeploy(result string) {
	m.deploysTotal.WithLabelValues(result).Inc()
}

// RecordRollback records a rollback attempt outcome.
func (m *Metrics) RecordRollback(outcome string) {
	m.rollbacksTotal.WithLabelValues(outcome).Inc()
}

// RecordPolicyFailure counts a failed compliance check.
func (m *Metrics) RecordPolicyFailure() {
	m.policyFailures.Inc()
}

// SetBreakerOpen reflects the policy client breaker state.
func (m *Metrics) SetBreakerOpen(open bool) {
	if open {
		m.breakerOpen.Set(1)
	} else {
		m.breakerOpen.Set(0)
	}
}

// SetPendingReviews sets the review queue depth gauge.
func (m *Metrics) SetPendingReviews(n int) {
	m.pendingReviews.Set(float64(n))
}

// RecordReviewEscalation counts an SLA priority bump.
func (m *Metrics) RecordReviewEscalation() {
	m.reviewEscalations.Inc()
}

// Handler returns the HTTP handler exposing the registry in prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests only).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
