package evaluation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/agentgov/agentgov/internal/evolution"
	"github.com/agentgov/agentgov/internal/observability"
	"github.com/agentgov/agentgov/internal/policy"
)

func testLogger() *observability.Logger {
	return observability.NewLogger("test", io.Discard)
}

func staticPolicy(score float64, violations ...string) policy.Client {
	return policy.Func(func(ctx context.Context, c evolution.CandidateVersion, cc policy.CheckContext) (*policy.CheckResult, error) {
		return &policy.CheckResult{Score: score, Violations: violations}, nil
	})
}

func failingPolicy() policy.Client {
	return policy.Func(func(ctx context.Context, c evolution.CandidateVersion, cc policy.CheckContext) (*policy.CheckResult, error) {
		return nil, fmt.Errorf("check: %w", policy.ErrUnavailable)
	})
}

func cleanRequest() evolution.EvolutionRequest {
	return evolution.EvolutionRequest{
		EvolutionID: "evo-1",
		AgentID:     "agent-1",
		RequesterID: "user-1",
		Priority:    evolution.PriorityMedium,
		Candidate: evolution.CandidateVersion{
			VersionID:        "v2",
			Content:          "improve summarization prompt",
			SizeBytes:        2048,
			PerformanceScore: 0.95,
		},
	}
}

func TestWeightsValidate(t *testing.T) {
	if err := DefaultWeights().Validate(); err != nil {
		t.Fatalf("default weights invalid: %v", err)
	}
	bad := Weights{Compliance: 0.5, Performance: 0.5, Anomaly: 0.5, Risk: 0.5}
	if err := bad.Validate(); err == nil {
		t.Error("weights summing to 2.0 should be rejected")
	}
	negative := Weights{Compliance: 1.2, Performance: -0.2, Anomaly: 0, Risk: 0}
	if err := negative.Validate(); err == nil {
		t.Error("negative weight should be rejected")
	}
	if _, err := New(staticPolicy(1.0), nil, testLogger(), WithWeights(bad)); err == nil {
		t.Error("New should reject invalid weights")
	}
}

func TestEvaluate_CleanCandidateAutoApproves(t *testing.T) {
	eng, err := New(staticPolicy(1.0), nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	result, err := eng.Evaluate(context.Background(), cleanRequest())
	if err != nil {
		t.Fatal(err)
	}
	if result.TotalScore != 1.0 {
		t.Errorf("total = %f, want 1.0", result.TotalScore)
	}
	if result.Recommendation != evolution.RecommendAutoApprove {
		t.Errorf("recommendation = %s, want AUTO_APPROVE", result.Recommendation)
	}
	if len(result.RiskFactors) != 0 {
		t.Errorf("clean candidate produced risk factors: %+v", result.RiskFactors)
	}
}

func TestEvaluate_PolicyFailureFailsClosed(t *testing.T) {
	eng, err := New(failingPolicy(), nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	result, err := eng.Evaluate(context.Background(), cleanRequest())
	if err != nil {
		t.Fatalf("policy failure must degrade, not abort: %v", err)
	}
	compliance := result.Scores[evolution.CriterionCompliance]
	if compliance > 0.5 {
		t.Errorf("degraded compliance = %f, must be <= 0.5", compliance)
	}
	if result.Recommendation == evolution.RecommendAutoApprove {
		t.Error("degraded evaluation must never auto-approve")
	}
	found := false
	for _, f := range result.RiskFactors {
		if f.Criterion == evolution.CriterionCompliance && f.Severity == evolution.RiskHigh {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a HIGH compliance risk factor, got %+v", result.RiskFactors)
	}
}

func TestEvaluate_DangerousFlagsForceHumanReview(t *testing.T) {
	eng, err := New(staticPolicy(1.0), nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	req := cleanRequest()
	req.Candidate.PrivilegeEscalation = true

	result, err := eng.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if result.Recommendation != evolution.RecommendFullHumanReview {
		t.Errorf("privilege escalation got %s, want FULL_HUMAN_REVIEW", result.Recommendation)
	}
	if result.Scores[evolution.CriterionRisk] != 0.5 {
		t.Errorf("risk score = %f, want 0.5", result.Scores[evolution.CriterionRisk])
	}
}

func TestEvaluate_ThresholdBands(t *testing.T) {
	cases := []struct {
		compliance float64
		want       evolution.Recommendation
	}{
		// total = 0.4*compliance + 0.6 with the other criteria clean
		{1.00, evolution.RecommendAutoApprove},     // 1.000
		{0.88, evolution.RecommendAutoApprove},     // 0.952
		{0.80, evolution.RecommendFastTrackReview}, // 0.920
		{0.76, evolution.RecommendFastTrackReview}, // 0.904
		{0.70, evolution.RecommendFullHumanReview}, // 0.880
	}
	for _, tc := range cases {
		eng, err := New(staticPolicy(tc.compliance), nil, testLogger())
		if err != nil {
			t.Fatal(err)
		}
		result, err := eng.Evaluate(context.Background(), cleanRequest())
		if err != nil {
			t.Fatal(err)
		}
		if result.Recommendation != tc.want {
			t.Errorf("compliance %.3f: total %.3f got %s, want %s",
				tc.compliance, result.TotalScore, result.Recommendation, tc.want)
		}
	}
}

func TestEvaluate_PerformanceRegression(t *testing.T) {
	baseline := func(ctx context.Context, agentID string) (float64, bool, error) {
		return 0.95, true, nil
	}
	eng, err := New(staticPolicy(1.0), baseline, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	req := cleanRequest()
	req.Candidate.PerformanceScore = 0.55 // 0.40 regression

	result, err := eng.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	perf := result.Scores[evolution.CriterionPerformance]
	if perf < 0.59 || perf > 0.61 {
		t.Errorf("performance score = %f, want ~0.60", perf)
	}

	// Parity or improvement is a clean 1.0.
	req.Candidate.PerformanceScore = 0.95
	result, err = eng.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if result.Scores[evolution.CriterionPerformance] != 1.0 {
		t.Errorf("parity performance score = %f, want 1.0", result.Scores[evolution.CriterionPerformance])
	}
}

func TestEvaluate_BaselineErrorIsEvaluationError(t *testing.T) {
	baseline := func(ctx context.Context, agentID string) (float64, bool, error) {
		return 0, false, errors.New("store offline")
	}
	eng, err := New(staticPolicy(1.0), baseline, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	_, err = eng.Evaluate(context.Background(), cleanRequest())
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("expected *EvaluationError, got %v", err)
	}
	if evalErr.EvolutionID != "evo-1" {
		t.Errorf("error evolution id = %q", evalErr.EvolutionID)
	}
}

func TestAnomalyScore_Heuristics(t *testing.T) {
	clean := evolution.CandidateVersion{SizeBytes: 1024, Content: "tweak prompt"}
	if got := anomalyScore(clean); got != 1.0 {
		t.Errorf("clean anomaly = %f, want 1.0", got)
	}

	big := evolution.CandidateVersion{SizeBytes: 600 * 1024}
	if got := anomalyScore(big); got != 0.8 {
		t.Errorf("oversized anomaly = %f, want 0.8", got)
	}

	hot := evolution.CandidateVersion{Content: "subprocess.run('rm -rf /tmp/x'); eval(payload)"}
	got := anomalyScore(hot)
	if got > 0.56 || got < 0.54 {
		t.Errorf("three markers anomaly = %f, want 0.55", got)
	}
}

func TestComplianceCache(t *testing.T) {
	var calls int
	counting := policy.Func(func(ctx context.Context, c evolution.CandidateVersion, cc policy.CheckContext) (*policy.CheckResult, error) {
		calls++
		return &policy.CheckResult{Score: 1.0}, nil
	})
	eng, err := New(counting, nil, testLogger(), WithCacheTTL(time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	req := cleanRequest()
	for i := 0; i < 3; i++ {
		if _, err := eng.Evaluate(context.Background(), req); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 1 {
		t.Errorf("identical candidate hit the policy engine %d times, want 1", calls)
	}

	req.Candidate.Content = "something else"
	if _, err := eng.Evaluate(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("changed candidate should miss the cache, calls = %d", calls)
	}
}

func TestComplianceCache_TTLExpiry(t *testing.T) {
	var calls int
	counting := policy.Func(func(ctx context.Context, c evolution.CandidateVersion, cc policy.CheckContext) (*policy.CheckResult, error) {
		calls++
		return &policy.CheckResult{Score: 1.0}, nil
	})
	eng, err := New(counting, nil, testLogger(), WithCacheTTL(time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng.now = func() time.Time { return clock }

	req := cleanRequest()
	if _, err := eng.Evaluate(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(2 * time.Minute)
	if _, err := eng.Evaluate(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("expired entry should be re-checked, calls = %d", calls)
	}
}
