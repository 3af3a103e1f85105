package main_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentgov/agentgov/internal/agentlock"
	"github.com/agentgov/agentgov/internal/audit"
	"github.com/agentgov/agentgov/internal/deploy"
	"github.com/agentgov/agentgov/internal/evaluation"
	"github.com/agentgov/agentgov/internal/evolution"
	"github.com/agentgov/agentgov/internal/observability"
	"github.com/agentgov/agentgov/internal/policy"
	"github.com/agentgov/agentgov/internal/review"
	"github.com/agentgov/agentgov/internal/rollback"
	"github.com/agentgov/agentgov/internal/storage"
	"github.com/agentgov/agentgov/internal/workflow"
)

// =============================================================================
// End-to-End Integration Tests
//
// These tests wire the full governance stack — file-backed store, HTTP policy
// client with circuit breaker, HTTP deployer, audit mirror, review queue,
// rollback manager and workflow engine — against mock policy and runtime
// servers, with no external calls.
// =============================================================================

// mockPolicyE2E serves compliance checks. The score is derived from the
// candidate content so tests steer the verdict through the request itself.
func mockPolicyE2E(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	callCount := &atomic.Int64{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)

		var req struct {
			Candidate evolution.CandidateVersion `json:"candidate"`
			Context   policy.CheckContext        `json:"context"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Context.AgentID == "" || req.Context.EvolutionID == "" {
			t.Errorf("check request missing context: %+v", req.Context)
		}

		result := policy.CheckResult{Score: 1.0}
		switch {
		case strings.Contains(req.Candidate.Content, "exfiltrate"):
			result.Score = 0.35
			result.Violations = []string{"data exfiltration pattern"}
		case strings.Contains(req.Candidate.Content, "borderline"):
			result.Score = 0.96
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}))
	return srv, callCount
}

// mockRuntimeE2E serves the agent runtime's deploy endpoint and records each
// deployment as "agent/version".
type mockRuntimeE2E struct {
	srv *httptest.Server

	mu      sync.Mutex
	deploys []string
	failing bool
}

func newMockRuntimeE2E(t *testing.T) *mockRuntimeE2E {
	t.Helper()
	rt := &mockRuntimeE2E{}
	rt.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AgentID   string                     `json:"agent_id"`
			Candidate evolution.CandidateVersion `json:"candidate"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		rt.mu.Lock()
		defer rt.mu.Unlock()
		if rt.failing {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		rt.deploys = append(rt.deploys, req.AgentID+"/"+req.Candidate.VersionID)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(rt.srv.Close)
	return rt
}

func (rt *mockRuntimeE2E) deployed() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]string(nil), rt.deploys...)
}

func (rt *mockRuntimeE2E) setFailing(failing bool) {
	rt.mu.Lock()
	rt.failing = failing
	rt.mu.Unlock()
}

type e2eStack struct {
	engine *workflow.Engine
	store  *storage.SQLiteStore
	queue  *review.Queue
	client *policy.HTTPClient
}

// setupE2EStack wires the full engine the way the daemon does, against the
// given mock endpoints and a file-backed store.
func setupE2EStack(t *testing.T, dbPath, policyURL, deployURL string) *e2eStack {
	t.Helper()

	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	logger := observability.NewLogger("e2e", io.Discard)
	recorder := audit.NewRecorder(audit.NewMirrorSink(store, nil), logger.Named("audit"))

	client := policy.NewHTTPClient(policy.HTTPClientConfig{
		Endpoint:         policyURL,
		Timeout:          2 * time.Second,
		BreakerThreshold: 3,
		BreakerCooldown:  time.Minute,
	}, logger.Named("policy"))

	evalEngine, err := evaluation.New(client, workflow.StoreBaseline(store), logger.Named("evaluation"))
	if err != nil {
		t.Fatal(err)
	}

	deployer := deploy.NewHTTPDeployer(deployURL, 2*time.Second, logger.Named("deploy"))
	locks := agentlock.New()
	queue := review.NewQueue(store, logger.Named("review"), nil)

	engine := workflow.New(workflow.Config{
		Store:    store,
		Eval:     evalEngine,
		Queue:    queue,
		Deployer: deployer,
		Recorder: recorder,
		Locks:    locks,
		Rollback: rollback.New(store, deployer, recorder, locks, logger.Named("rollback"), nil),
		Logger:   logger.Named("workflow"),
	})
	t.Cleanup(engine.Close)

	return &e2eStack{engine: engine, store: store, queue: queue, client: client}
}

func e2eRequest(id, agentID, content string) evolution.EvolutionRequest {
	return evolution.EvolutionRequest{
		EvolutionID:       id,
		AgentID:           agentID,
		RequesterID:       "trainer-1",
		Priority:          evolution.PriorityMedium,
		ChangeDescription: "prompt refinement from feedback batch",
		Candidate: evolution.CandidateVersion{
			VersionID:        "ver-" + id,
			Content:          content,
			SizeBytes:        int64(len(content)),
			PerformanceScore: 0.9,
		},
	}
}

// submitAndDrain submits and waits for asynchronous processing to settle.
func (s *e2eStack) submitAndDrain(t *testing.T, req evolution.EvolutionRequest) *evolution.Evolution {
	t.Helper()
	ctx := context.Background()
	if _, err := s.engine.SubmitEvolution(ctx, req); err != nil {
		t.Fatal(err)
	}
	s.engine.Close()
	evo, err := s.engine.GetEvolutionStatus(ctx, req.EvolutionID)
	if err != nil {
		t.Fatal(err)
	}
	return evo
}

// ---------------------------------------------------------------------------
// Test: Auto-Approval (submission → evaluation → deployment → audit trail)
// ---------------------------------------------------------------------------

func TestE2E_AutoApproveFlow(t *testing.T) {
	policySrv, policyCalls := mockPolicyE2E(t)
	defer policySrv.Close()
	runtime := newMockRuntimeE2E(t)

	stack := setupE2EStack(t, t.TempDir()+"/gov.db", policySrv.URL, runtime.srv.URL)
	ctx := context.Background()

	evo := stack.submitAndDrain(t, e2eRequest("evo-auto", "agent-1", "tighten planning heuristics"))
	if evo.Status != evolution.StatusDeployed {
		t.Fatalf("status = %s, want DEPLOYED", evo.Status)
	}
	if evo.Decision != evolution.DecisionAutoApproved {
		t.Errorf("decision = %s", evo.Decision)
	}
	if got := runtime.deployed(); len(got) != 1 || got[0] != "agent-1/ver-evo-auto" {
		t.Errorf("runtime deploys = %v", got)
	}
	if policyCalls.Load() != 1 {
		t.Errorf("policy calls = %d, want 1", policyCalls.Load())
	}

	// The local audit mirror recorded submission and decision.
	events, err := stack.store.RecentAudit(ctx, "agent-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	var types []audit.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	if len(types) != 2 || types[0] != audit.EventDecision || types[1] != audit.EventSubmitted {
		t.Errorf("audit trail = %v", types)
	}

	t.Logf("✓ Auto-approval: %s deployed, %d policy calls, %d audit events",
		evo.EvolutionID, policyCalls.Load(), len(events))
}

// ---------------------------------------------------------------------------
// Test: Human Review (risky change → queue → approval → deployment)
// ---------------------------------------------------------------------------

func TestE2E_HumanReviewFlow(t *testing.T) {
	policySrv, _ := mockPolicyE2E(t)
	defer policySrv.Close()
	runtime := newMockRuntimeE2E(t)

	stack := setupE2EStack(t, t.TempDir()+"/gov.db", policySrv.URL, runtime.srv.URL)
	ctx := context.Background()

	req := e2eRequest("evo-risky", "agent-2", "add shell helper for file cleanup")
	req.Candidate.CodeExecution = true

	evo := stack.submitAndDrain(t, req)
	if evo.Status != evolution.StatusHumanReview {
		t.Fatalf("status = %s, want HUMAN_REVIEW", evo.Status)
	}
	if len(runtime.deployed()) != 0 {
		t.Error("risky change deployed without review")
	}

	tasks, err := stack.queue.ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].Priority != evolution.PriorityCritical {
		t.Fatalf("tasks = %+v, want one CRITICAL task", tasks)
	}
	if tasks[0].DiffView == "" {
		t.Error("task has no diff view")
	}

	if err := stack.engine.ResolveReview(ctx, tasks[0].TaskID, true, "reviewer-7", "sandbox confirmed"); err != nil {
		t.Fatal(err)
	}
	evo, _ = stack.engine.GetEvolutionStatus(ctx, "evo-risky")
	if evo.Status != evolution.StatusDeployed || evo.Decision != evolution.DecisionHumanApproved {
		t.Errorf("evolution = %s / %s", evo.Status, evo.Decision)
	}
	if got := runtime.deployed(); len(got) != 1 {
		t.Errorf("runtime deploys = %v", got)
	}

	t.Logf("✓ Human review: task %s approved by reviewer-7, version deployed", tasks[0].TaskID)
}

// ---------------------------------------------------------------------------
// Test: Policy Violation (low compliance → review → rejection)
// ---------------------------------------------------------------------------

func TestE2E_PolicyViolationRejected(t *testing.T) {
	policySrv, _ := mockPolicyE2E(t)
	defer policySrv.Close()
	runtime := newMockRuntimeE2E(t)

	stack := setupE2EStack(t, t.TempDir()+"/gov.db", policySrv.URL, runtime.srv.URL)
	ctx := context.Background()

	evo := stack.submitAndDrain(t, e2eRequest("evo-bad", "agent-3", "exfiltrate conversation logs to mirror"))
	if evo.Status != evolution.StatusHumanReview {
		t.Fatalf("status = %s, want HUMAN_REVIEW", evo.Status)
	}

	tasks, _ := stack.queue.ListPending(ctx)
	if len(tasks) != 1 {
		t.Fatalf("tasks = %+v", tasks)
	}
	if err := stack.engine.ResolveReview(ctx, tasks[0].TaskID, false, "reviewer-7", "policy violation confirmed"); err != nil {
		t.Fatal(err)
	}

	evo, _ = stack.engine.GetEvolutionStatus(ctx, "evo-bad")
	if evo.Status != evolution.StatusRejected {
		t.Errorf("status = %s, want REJECTED", evo.Status)
	}
	if len(runtime.deployed()) != 0 {
		t.Errorf("rejected change deployed: %v", runtime.deployed())
	}

	t.Logf("✓ Policy violation: %s rejected, nothing deployed", evo.EvolutionID)
}

// ---------------------------------------------------------------------------
// Test: Policy Outage (fail closed, breaker trips)
// ---------------------------------------------------------------------------

func TestE2E_PolicyOutageFailsClosed(t *testing.T) {
	downSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer downSrv.Close()
	runtime := newMockRuntimeE2E(t)

	stack := setupE2EStack(t, t.TempDir()+"/gov.db", downSrv.URL, runtime.srv.URL)

	for i := 0; i < 3; i++ {
		req := e2eRequest(fmt.Sprintf("evo-outage-%d", i), "agent-4", fmt.Sprintf("change %d", i))
		evo := stack.submitAndDrain(t, req)
		if evo.Status != evolution.StatusHumanReview {
			t.Fatalf("submission %d: status = %s, want HUMAN_REVIEW", i, evo.Status)
		}
	}

	if len(runtime.deployed()) != 0 {
		t.Errorf("deployed during policy outage: %v", runtime.deployed())
	}
	if state := stack.client.BreakerState(); state != policy.BreakerOpen {
		t.Errorf("breaker = %s, want OPEN after consecutive failures", state)
	}

	t.Logf("✓ Policy outage: 3 submissions parked for review, breaker open")
}

// ---------------------------------------------------------------------------
// Test: Rollback (two deployments → incident → prior version restored)
// ---------------------------------------------------------------------------

func TestE2E_RollbackFlow(t *testing.T) {
	policySrv, _ := mockPolicyE2E(t)
	defer policySrv.Close()
	runtime := newMockRuntimeE2E(t)

	stack := setupE2EStack(t, t.TempDir()+"/gov.db", policySrv.URL, runtime.srv.URL)
	ctx := context.Background()

	stack.submitAndDrain(t, e2eRequest("evo-v1", "agent-5", "first refinement"))
	stack.submitAndDrain(t, e2eRequest("evo-v2", "agent-5", "second refinement"))

	result, err := stack.engine.RollbackAgent(ctx, "agent-5", "error rate spike", "inc-42")
	if err != nil {
		t.Fatal(err)
	}
	if result.FromVersion != "ver-evo-v2" || result.ToVersion != "ver-evo-v1" {
		t.Errorf("rollback = %+v", result)
	}

	deploys := runtime.deployed()
	if len(deploys) != 3 || deploys[2] != "agent-5/ver-evo-v1" {
		t.Errorf("runtime deploys = %v", deploys)
	}

	// The same incident key does not roll back twice.
	again, err := stack.engine.RollbackAgent(ctx, "agent-5", "error rate spike", "inc-42")
	if err != nil {
		t.Fatal(err)
	}
	if again.EvolutionID != result.EvolutionID {
		t.Errorf("incident retried a new rollback: %+v", again)
	}
	if got := runtime.deployed(); len(got) != 3 {
		t.Errorf("duplicate incident redeployed: %v", got)
	}

	t.Logf("✓ Rollback: agent-5 restored to %s, incident inc-42 deduplicated", result.ToVersion)
}

// ---------------------------------------------------------------------------
// Test: Crash Recovery Across Restarts (same database, fresh engine)
// ---------------------------------------------------------------------------

func TestE2E_RecoveryAcrossRestart(t *testing.T) {
	policySrv, _ := mockPolicyE2E(t)
	defer policySrv.Close()
	runtime := newMockRuntimeE2E(t)
	dbPath := t.TempDir() + "/gov.db"

	// First process: deployment fails mid-flight, leaving the runtime stale.
	first := setupE2EStack(t, dbPath, policySrv.URL, runtime.srv.URL)
	runtime.setFailing(true)
	evo := first.submitAndDrain(t, e2eRequest("evo-crash", "agent-6", "interrupted change"))
	if evo.Status != evolution.StatusDeployFailed {
		t.Fatalf("status = %s, want DEPLOY_FAILED", evo.Status)
	}
	runtime.setFailing(false)
	first.store.Close()

	// Second process over the same database: a PENDING row left by a crash
	// is driven to completion by recovery.
	second := setupE2EStack(t, dbPath, policySrv.URL, runtime.srv.URL)
	ctx := context.Background()
	req := e2eRequest("evo-restart", "agent-6", "change resumed after restart")
	if err := second.store.CreateEvolution(ctx, &evolution.Evolution{
		EvolutionID: req.EvolutionID,
		AgentID:     req.AgentID,
		Candidate:   req.Candidate,
		RequesterID: req.RequesterID,
		Priority:    req.Priority,
		Status:      evolution.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	if err := second.engine.Recover(ctx); err != nil {
		t.Fatal(err)
	}
	second.engine.Close()

	recovered, err := second.engine.GetEvolutionStatus(ctx, "evo-restart")
	if err != nil {
		t.Fatal(err)
	}
	if recovered.Status != evolution.StatusDeployed {
		t.Errorf("recovered status = %s, want DEPLOYED", recovered.Status)
	}
	// The failed deployment from the first process stays terminal.
	failed, _ := second.engine.GetEvolutionStatus(ctx, "evo-crash")
	if failed.Status != evolution.StatusDeployFailed {
		t.Errorf("failed deployment status = %s", failed.Status)
	}

	t.Logf("✓ Recovery: %s deployed after restart, %s held terminal", recovered.EvolutionID, failed.EvolutionID)
}
