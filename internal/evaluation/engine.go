// Package evaluation scores candidate versions against weighted criteria.
//
// The engine:
//   - Computes four criterion scores: constitutional compliance, performance
//     regression, anomaly, and risk
//   - Derives a weighted total and a recommendation
//   - Fails closed on policy-engine unavailability (conservative compliance
//     score, never a silent high score)
//   - Memoizes compliance sub-results by content fingerprint with a short TTL
//
// A low score is a valid, successful evaluation. Errors are reserved for
// infrastructure failure.
package evaluation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentgov/agentgov/internal/evolution"
	"github.com/agentgov/agentgov/internal/observability"
	"github.com/agentgov/agentgov/internal/policy"
)

// Weights controls how the total score is computed. They must sum to 1.0.
type Weights struct {
	Compliance  float64 `yaml:"compliance"`
	Performance float64 `yaml:"performance"`
	Anomaly     float64 `yaml:"anomaly"`
	Risk        float64 `yaml:"risk"`
}

// DefaultWeights returns the standard criterion weights.
func DefaultWeights() Weights {
	return Weights{
		Compliance:  0.40,
		Performance: 0.30,
		Anomaly:     0.20,
		Risk:        0.10,
	}
}

// weightTolerance is the floating tolerance on the weight-sum invariant.
const weightTolerance = 1e-9

// Validate checks the weight-sum invariant.
func (w Weights) Validate() error {
	sum := w.Compliance + w.Performance + w.Anomaly + w.Risk
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("criterion weights sum to %f, want 1.0", sum)
	}
	for name, v := range map[string]float64{
		"compliance":  w.Compliance,
		"performance": w.Performance,
		"anomaly":     w.Anomaly,
		"risk":        w.Risk,
	} {
		if v < 0 {
			return fmt.Errorf("criterion weight %s is negative", name)
		}
	}
	return nil
}

// Thresholds maps the total score to a recommendation.
type Thresholds struct {
	AutoApprove float64 `yaml:"auto_approve"` // >= this: AUTO_APPROVE
	FastTrack   float64 `yaml:"fast_track"`   // >= this: FAST_TRACK_REVIEW
}

// DefaultThresholds returns the standard recommendation thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{AutoApprove: 0.95, FastTrack: 0.90}
}

// degradedCompliance is the conservative compliance score awarded when the
// policy engine cannot be reached. It must stay at or below 0.5 so a
// degraded evaluation can never auto-approve.
const degradedCompliance = 0.3

// BaselineFunc returns the cached performance baseline for an agent.
// ok is false when the agent has no deployed baseline yet.
type BaselineFunc func(ctx context.Context, agentID string) (baseline float64, ok bool, err error)

// EvaluationError reports an infrastructure failure during evaluation.
// Low scores are results, not errors.
type EvaluationError struct {
	EvolutionID string
	Err         error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluate evolution %q: %v", e.EvolutionID, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

type cachedCheck struct {
	result  policy.CheckResult
	expires time.Time
}

// Engine runs the fixed criterion set against candidate versions.
type Engine struct {
	mu         sync.RWMutex
	weights    Weights
	thresholds Thresholds
	cache      map[string]cachedCheck // compliance memo, keyed by fingerprint
	cacheTTL   time.Duration

	policy   policy.Client
	baseline BaselineFunc
	logger   *observability.Logger
	metrics  *observability.Metrics

	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithWeights overrides the default criterion weights.
func WithWeights(w Weights) Option {
	return func(e *Engine) { e.weights = w }
}

// WithThresholds overrides the default recommendation thresholds.
func WithThresholds(t Thresholds) Option {
	return func(e *Engine) { e.thresholds = t }
}

// WithCacheTTL overrides the compliance memoization TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.cacheTTL = ttl }
}

// WithMetrics attaches prometheus instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an evaluation engine. baseline may be nil when no performance
// history exists (all candidates then score a clean 1.0 on regression).
func New(policyClient policy.Client, baseline BaselineFunc, logger *observability.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		weights:    DefaultWeights(),
		thresholds: DefaultThresholds(),
		cache:      make(map[string]cachedCheck),
		cacheTTL:   5 * time.Minute,
		policy:     policyClient,
		baseline:   baseline,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.weights.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Evaluate scores a candidate version. It returns an *EvaluationError only on
// infrastructure failure (store-backed baseline unavailable); policy-engine
// failure degrades the compliance score instead of aborting.
func (e *Engine) Evaluate(ctx context.Context, req evolution.EvolutionRequest) (*evolution.EvaluationResult, error) {
	started := e.now()

	compliance, violations, degraded := e.complianceScore(ctx, req)

	perfScore, err := e.performanceScore(ctx, req)
	if err != nil {
		return nil, &EvaluationError{EvolutionID: req.EvolutionID, Err: err}
	}

	anomaly := anomalyScore(req.Candidate)
	risk := riskScore(req.Candidate)

	e.mu.RLock()
	w := e.weights
	th := e.thresholds
	e.mu.RUnlock()

	scores := map[string]float64{
		evolution.CriterionCompliance:  compliance,
		evolution.CriterionPerformance: perfScore,
		evolution.CriterionAnomaly:     anomaly,
		evolution.CriterionRisk:        risk,
	}
	total := w.Compliance*compliance +
		w.Performance*perfScore +
		w.Anomaly*anomaly +
		w.Risk*risk
	total = clamp01(total)

	result := &evolution.EvaluationResult{
		Scores:      scores,
		TotalScore:  total,
		RiskFactors: riskFactors(scores, violations, degraded),
		EvaluatedAt: e.now().UTC(),
	}

	switch {
	case total >= th.AutoApprove:
		result.Recommendation = evolution.RecommendAutoApprove
	case total >= th.FastTrack:
		result.Recommendation = evolution.RecommendFastTrackReview
	default:
		result.Recommendation = evolution.RecommendFullHumanReview
	}
	// Capability flags force human review regardless of the total: the score
	// can mask a dangerous flag but never launder it past a reviewer.
	if req.Candidate.DangerousFlags() {
		result.Recommendation = evolution.RecommendFullHumanReview
	}

	if e.logger != nil {
		e.logger.Info("evaluation complete",
			"evolution_id", req.EvolutionID,
			"agent_id", req.AgentID,
			"total_score", total,
			"recommendation", string(result.Recommendation),
			"degraded", degraded,
		)
	}
	if e.metrics != nil {
		e.metrics.RecordEvaluation(string(result.Recommendation), e.now().Sub(started).Seconds())
	}
	return result, nil
}

// complianceScore returns the constitutional-compliance criterion. On any
// policy failure it fails closed with a conservative score and degraded=true.
func (e *Engine) complianceScore(ctx context.Context, req evolution.EvolutionRequest) (score float64, violations []string, degraded bool) {
	fingerprint := req.Candidate.Fingerprint()

	e.mu.RLock()
	cached, ok := e.cache[fingerprint]
	e.mu.RUnlock()
	if ok && e.now().Before(cached.expires) {
		return cached.result.Score, cached.result.Violations, false
	}

	result, err := e.policy.Check(ctx, req.Candidate, policy.CheckContext{
		AgentID:     req.AgentID,
		EvolutionID: req.EvolutionID,
		RequesterID: req.RequesterID,
	})
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("compliance check degraded, failing closed",
				"evolution_id", req.EvolutionID,
				"agent_id", req.AgentID,
				"error", err.Error(),
			)
		}
		if e.metrics != nil {
			e.metrics.RecordPolicyFailure()
		}
		return degradedCompliance, nil, true
	}

	e.mu.Lock()
	e.cache[fingerprint] = cachedCheck{result: *result, expires: e.now().Add(e.cacheTTL)}
	// Drop expired entries while we hold the lock.
	for key, entry := range e.cache {
		if e.now().After(entry.expires) {
			delete(e.cache, key)
		}
	}
	e.mu.Unlock()

	return result.Score, result.Violations, false
}

// performanceScore rates the candidate against the agent's cached baseline.
// The delta is clamped to [-0.5, 0.5] before inversion: parity or improvement
// scores 1.0, a full half-point regression scores 0.5.
func (e *Engine) performanceScore(ctx context.Context, req evolution.EvolutionRequest) (float64, error) {
	if e.baseline == nil {
		return 1.0, nil
	}
	baseline, ok, err := e.baseline(ctx, req.AgentID)
	if err != nil {
		return 0, fmt.Errorf("performance baseline for %q: %w", req.AgentID, err)
	}
	if !ok {
		return 1.0, nil // first version: no regression measurable
	}
	delta := baseline - req.Candidate.PerformanceScore
	delta = math.Max(-0.5, math.Min(0.5, delta))
	return clamp01(1.0 - delta), nil
}

// dangerousConstructs are content markers that raise the anomaly score.
// Matching is plain substring search: the diff surface must never execute or
// evaluate candidate content.
var dangerousConstructs = []string{
	"exec(",
	"eval(",
	"__import__",
	"subprocess",
	"rm -rf",
	"curl | sh",
}

// anomalyScore is a heuristic over structural size, dangerous constructs,
// and permission scope.
func anomalyScore(c evolution.CandidateVersion) float64 {
	score := 1.0

	switch {
	case c.SizeBytes > 512*1024:
		score -= 0.2
	case c.SizeBytes > 128*1024:
		score -= 0.1
	}

	content := strings.ToLower(c.Content)
	hits := 0
	for _, marker := range dangerousConstructs {
		if strings.Contains(content, marker) {
			hits++
		}
	}
	score -= math.Min(float64(hits)*0.15, 0.45)

	if c.FileSystemAccess {
		score -= 0.15
	}
	if c.UnrestrictedNetwork {
		score -= 0.15
	}
	if c.CodeExecution {
		score -= 0.15
	}
	return clamp01(score)
}

// riskScore is a heuristic over privilege, external dependencies, and
// experimental flags.
func riskScore(c evolution.CandidateVersion) float64 {
	score := 1.0
	if c.PrivilegeEscalation {
		score -= 0.5
	}
	if c.ExperimentalFeatures {
		score -= 0.2
	}
	score -= math.Min(float64(len(c.ExternalDependencies))*0.05, 0.25)
	return clamp01(score)
}

// criterionOrder fixes the ordering of risk factor entries.
var criterionOrder = []string{
	evolution.CriterionCompliance,
	evolution.CriterionPerformance,
	evolution.CriterionAnomaly,
	evolution.CriterionRisk,
}

// riskFactors derives ordered findings: any criterion below 0.8 contributes
// an entry, severity HIGH below 0.5 and MEDIUM otherwise.
func riskFactors(scores map[string]float64, violations []string, degraded bool) []evolution.RiskFactor {
	var factors []evolution.RiskFactor

	if degraded {
		factors = append(factors, evolution.RiskFactor{
			Criterion: evolution.CriterionCompliance,
			Severity:  evolution.RiskHigh,
			Finding:   "policy engine unavailable: conservative compliance score applied (fail closed)",
		})
	}

	for _, name := range criterionOrder {
		if degraded && name == evolution.CriterionCompliance {
			continue // covered by the degradation entry
		}
		score, ok := scores[name]
		if !ok || score >= 0.8 {
			continue
		}
		severity := evolution.RiskMedium
		if score < 0.5 {
			severity = evolution.RiskHigh
		}
		finding := fmt.Sprintf("criterion %s scored %.2f", name, score)
		if name == evolution.CriterionCompliance && len(violations) > 0 {
			sorted := append([]string(nil), violations...)
			sort.Strings(sorted)
			finding += ": " + strings.Join(sorted, "; ")
		}
		factors = append(factors, evolution.RiskFactor{
			Criterion: name,
			Severity:  severity,
			Finding:   finding,
		})
	}
	return factors
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
