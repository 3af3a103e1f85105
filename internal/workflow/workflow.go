// Package workflow orchestrates an evolution from submission to a terminal
// decision.
//
// The state machine:
//
//	PENDING → EVALUATING → {AUTO_APPROVED, HUMAN_REVIEW}
//	HUMAN_REVIEW → {APPROVED, REJECTED}
//	{AUTO_APPROVED, APPROVED} → {DEPLOYED, DEPLOY_FAILED}
//
// Auto-approval passes through a final, independent safety re-check before
// deployment; a failed re-check redirects to human review with an ESCALATED
// decision. Every decision is audited with the full evaluation scores.
//
// The store is the single source of truth. Each submission is processed by
// its own goroutine; evolutions for the same agent are serialized by a keyed
// lock shared with the rollback manager, while different agents proceed in
// parallel. A crash mid-evaluation is recovered by re-running evaluation
// idempotently from the persisted request; a crash between a decision and
// its follow-up write (review task, deployment) is repaired by Recover.
package workflow

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/agentgov/agentgov/internal/agentlock"
	"github.com/agentgov/agentgov/internal/audit"
	"github.com/agentgov/agentgov/internal/deploy"
	"github.com/agentgov/agentgov/internal/evaluation"
	"github.com/agentgov/agentgov/internal/evolution"
	"github.com/agentgov/agentgov/internal/observability"
	"github.com/agentgov/agentgov/internal/review"
	"github.com/agentgov/agentgov/internal/rollback"
	"github.com/agentgov/agentgov/internal/storage"
)

// complianceRecheckFloor is the compliance score the final safety re-check
// demands before an evolution may deploy without a human decision.
const complianceRecheckFloor = 0.99

// SubmitReceipt acknowledges an accepted submission.
type SubmitReceipt struct {
	EvolutionID string           `json:"evolution_id"`
	Status      evolution.Status `json:"status"`
}

// Engine drives evolutions to terminal decisions.
type Engine struct {
	store    storage.Store
	eval     *evaluation.Engine
	queue    *review.Queue
	deployer deploy.Deployer
	recorder *audit.Recorder
	locks    *agentlock.Keyed
	rollback *rollback.Manager
	logger   *observability.Logger
	metrics  *observability.Metrics

	evalTimeout time.Duration
	wg          sync.WaitGroup
	now         func() time.Time

	tailMu sync.Mutex
	tail   map[string]chan struct{} // last scheduled run per agent
}

// Config wires an Engine.
type Config struct {
	Store    storage.Store
	Eval     *evaluation.Engine
	Queue    *review.Queue
	Deployer deploy.Deployer
	Recorder *audit.Recorder
	Locks    *agentlock.Keyed
	Logger   *observability.Logger
	Metrics  *observability.Metrics

	// Rollback, when set, is exposed through RollbackAgent. It must share
	// Locks so rollback and deployment mutually exclude per agent.
	Rollback *rollback.Manager

	// EvalTimeout bounds one asynchronous processing pass. Defaults to 30s.
	EvalTimeout time.Duration
}

// New creates a workflow engine.
func New(cfg Config) *Engine {
	timeout := cfg.EvalTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	locks := cfg.Locks
	if locks == nil {
		locks = agentlock.New()
	}
	return &Engine{
		store:       cfg.Store,
		eval:        cfg.Eval,
		queue:       cfg.Queue,
		deployer:    cfg.Deployer,
		recorder:    cfg.Recorder,
		locks:       locks,
		rollback:    cfg.Rollback,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		evalTimeout: timeout,
		now:         time.Now,
		tail:        make(map[string]chan struct{}),
	}
}

// StoreBaseline derives the evaluation engine's performance baseline from
// the most recently deployed evolution of an agent.
func StoreBaseline(store storage.Store) evaluation.BaselineFunc {
	return func(ctx context.Context, agentID string) (float64, bool, error) {
		deployed, err := store.RecentDeployed(ctx, agentID, 1)
		if err != nil {
			return 0, false, err
		}
		if len(deployed) == 0 {
			return 0, false, nil
		}
		return deployed[0].Candidate.PerformanceScore, true, nil
	}
}

// SubmitEvolution validates and persists a request as PENDING and schedules
// its evaluation. Validation errors fail synchronously before any state is
// created.
func (e *Engine) SubmitEvolution(ctx context.Context, req evolution.EvolutionRequest) (*SubmitReceipt, error) {
	if err := evolution.ValidateRequest(req); err != nil {
		return nil, err
	}

	evo := &evolution.Evolution{
		EvolutionID:       req.EvolutionID,
		AgentID:           req.AgentID,
		Candidate:         req.Candidate,
		ChangeDescription: req.ChangeDescription,
		RequesterID:       req.RequesterID,
		Priority:          req.Priority,
		Status:            evolution.StatusPending,
		CreatedAt:         e.now().UTC(),
	}
	if err := e.store.CreateEvolution(ctx, evo); err != nil {
		return nil, &evolution.InfrastructureError{Op: "persist submission", Err: err}
	}

	e.recorder.Emit(ctx, audit.NewEvent(audit.EventSubmitted, audit.SeverityInfo,
		req.AgentID, req.EvolutionID, req.RequesterID, "evolution submitted").
		WithDetail("version_id", req.Candidate.VersionID).
		WithDetail("priority", string(req.Priority)))

	e.schedule(evo.EvolutionID, evo.AgentID)
	return &SubmitReceipt{EvolutionID: evo.EvolutionID, Status: evolution.StatusPending}, nil
}

// GetEvolutionStatus returns the evolution aggregate.
func (e *Engine) GetEvolutionStatus(ctx context.Context, evolutionID string) (*evolution.Evolution, error) {
	return e.store.GetEvolution(ctx, evolutionID)
}

// ListPendingReviews returns pending review tasks in queue order.
func (e *Engine) ListPendingReviews(ctx context.Context) ([]*evolution.ReviewTask, error) {
	return e.queue.ListPending(ctx)
}

// GetAgentHistory returns recent evolutions for an agent, newest first.
func (e *Engine) GetAgentHistory(ctx context.Context, agentID string, limit int) ([]*evolution.Evolution, error) {
	return e.store.AgentHistory(ctx, agentID, limit)
}

// RollbackAgent redeploys the agent's most recent safe prior version.
func (e *Engine) RollbackAgent(ctx context.Context, agentID, reason, incidentKey string) (*evolution.RollbackResult, error) {
	if e.rollback == nil {
		return nil, fmt.Errorf("rollback manager not configured")
	}
	return e.rollback.Rollback(ctx, agentID, reason, incidentKey)
}

// Recover repairs evolutions stranded in a non-terminal state by a crash or
// a failed follow-up write. PENDING and EVALUATING rows re-run evaluation
// idempotently from the persisted request; HUMAN_REVIEW rows whose task write
// was lost get the task rebuilt from the persisted evaluation; AUTO_APPROVED
// and APPROVED rows whose deployment never happened are re-driven through it.
func (e *Engine) Recover(ctx context.Context) error {
	for _, status := range []evolution.Status{evolution.StatusPending, evolution.StatusEvaluating} {
		stuck, err := e.store.ListByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("recover %s evolutions: %w", status, err)
		}
		for _, evo := range stuck {
			if e.logger != nil {
				e.logger.Info("recovering interrupted evolution",
					"evolution_id", evo.EvolutionID,
					"agent_id", evo.AgentID,
					"status", string(evo.Status),
				)
			}
			e.schedule(evo.EvolutionID, evo.AgentID)
		}
	}
	if err := e.recoverParkedReviews(ctx); err != nil {
		return err
	}
	return e.recoverUndeployed(ctx)
}

// recoverParkedReviews recreates the review task for HUMAN_REVIEW evolutions
// that have none. Without a task the evolution could never be resolved. The
// task is rebuilt from the persisted evaluation, so repair is idempotent.
func (e *Engine) recoverParkedReviews(ctx context.Context) error {
	parked, err := e.store.ListByStatus(ctx, evolution.StatusHumanReview)
	if err != nil {
		return fmt.Errorf("recover HUMAN_REVIEW evolutions: %w", err)
	}
	for _, evo := range parked {
		e.locks.Lock(evo.AgentID)
		err := e.ensureReviewTask(ctx, evo)
		e.locks.Unlock(evo.AgentID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) ensureReviewTask(ctx context.Context, evo *evolution.Evolution) error {
	task, err := e.store.TaskByEvolution(ctx, evo.EvolutionID)
	if err != nil {
		return err
	}
	if task != nil {
		return nil
	}
	result := evo.Evaluation
	if result == nil {
		result = &evolution.EvaluationResult{Recommendation: evolution.RecommendFullHumanReview}
	}
	if _, err := e.queue.CreateTask(ctx, evo, result, reviewPriority(evo, result)); err != nil {
		return &evolution.InfrastructureError{Op: "recreate review task", Err: err}
	}
	if e.logger != nil {
		e.logger.Warn("recreated lost review task",
			"evolution_id", evo.EvolutionID,
			"agent_id", evo.AgentID,
		)
	}
	return nil
}

// recoverUndeployed re-drives approved evolutions whose deployment was never
// recorded.
func (e *Engine) recoverUndeployed(ctx context.Context) error {
	for _, status := range []evolution.Status{evolution.StatusAutoApproved, evolution.StatusApproved} {
		stuck, err := e.store.ListByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("recover %s evolutions: %w", status, err)
		}
		for _, evo := range stuck {
			if e.logger != nil {
				e.logger.Info("resuming interrupted deployment",
					"evolution_id", evo.EvolutionID,
					"agent_id", evo.AgentID,
					"status", string(evo.Status),
				)
			}
			e.scheduleDeploy(evo.EvolutionID, evo.AgentID, status)
		}
	}
	return nil
}

// Close waits for in-flight processing to finish.
func (e *Engine) Close() {
	e.wg.Wait()
}

// schedule runs Process on its own goroutine with a bounded lifetime,
// detached from the submitter's context. Runs for the same agent chain in
// the order schedule was called, so evaluation follows submission order
// rather than goroutine wake-up order.
func (e *Engine) schedule(evolutionID, agentID string) {
	e.tailMu.Lock()
	prev := e.tail[agentID]
	done := make(chan struct{})
	e.tail[agentID] = done
	e.tailMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.tailMu.Lock()
			if e.tail[agentID] == done {
				delete(e.tail, agentID)
			}
			e.tailMu.Unlock()
			close(done)
		}()
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.evalTimeout)
		defer cancel()
		if err := e.Process(ctx, evolutionID); err != nil && e.logger != nil {
			e.logger.Error("evolution processing failed",
				"evolution_id", evolutionID,
				"agent_id", agentID,
				"error", err.Error(),
			)
		}
	}()
}

// scheduleDeploy resumes deployment of an already approved evolution on its
// own goroutine. The status is re-read under the agent lock so an evolution
// that settled in the meantime is left alone.
func (e *Engine) scheduleDeploy(evolutionID, agentID string, from evolution.Status) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.evalTimeout)
		defer cancel()

		e.locks.Lock(agentID)
		defer e.locks.Unlock(agentID)

		evo, err := e.store.GetEvolution(ctx, evolutionID)
		if err == nil {
			if evo.Status != from {
				return
			}
			err = e.deployStep(ctx, evo, from)
		}
		if err != nil && e.logger != nil {
			e.logger.Error("deployment recovery failed",
				"evolution_id", evolutionID,
				"agent_id", agentID,
				"error", err.Error(),
			)
		}
	}()
}

// Process drives one evolution from PENDING (or a recovered EVALUATING)
// to AUTO_APPROVED-and-deployed or HUMAN_REVIEW. Safe to re-run: evaluation
// restarts from the persisted request, and every transition is conditional.
func (e *Engine) Process(ctx context.Context, evolutionID string) error {
	evo, err := e.store.GetEvolution(ctx, evolutionID)
	if err != nil {
		return err
	}

	e.locks.Lock(evo.AgentID)
	defer e.locks.Unlock(evo.AgentID)

	switch evo.Status {
	case evolution.StatusPending:
		evo, err = e.store.TransitionStatus(ctx, evolutionID,
			evolution.StatusPending, evolution.StatusEvaluating, nil)
		if err != nil {
			return err
		}
	case evolution.StatusEvaluating:
		// Crash recovery: re-run evaluation from the persisted request.
	default:
		return nil // already past evaluation; nothing to do
	}

	req := evolution.EvolutionRequest{
		EvolutionID:       evo.EvolutionID,
		AgentID:           evo.AgentID,
		Candidate:         evo.Candidate,
		ChangeDescription: evo.ChangeDescription,
		RequesterID:       evo.RequesterID,
		Priority:          evo.Priority,
	}
	result, err := e.eval.Evaluate(ctx, req)
	if err != nil {
		// Store-side failure: the evolution stays durably in EVALUATING and
		// is retried by recovery. No decision without durable persistence.
		return err
	}

	if result.Recommendation == evolution.RecommendAutoApprove {
		if reason := e.safetyRecheck(evo.Candidate, result); reason != "" {
			return e.escalate(ctx, evo, result, reason)
		}
		return e.autoApprove(ctx, evo, result)
	}
	return e.sendToReview(ctx, evo, result)
}

// safetyRecheck is the deliberate defense-in-depth gate before unattended
// deployment. It re-verifies the capability flags and re-confirms compliance
// independently of the recommendation, and must never be skipped. A non-empty
// return is the reason the re-check failed.
func (e *Engine) safetyRecheck(c evolution.CandidateVersion, result *evolution.EvaluationResult) string {
	if c.PrivilegeEscalation {
		return "privilege escalation flag set"
	}
	if c.UnrestrictedNetwork {
		return "unrestricted network flag set"
	}
	if c.FileSystemAccess {
		return "file system access flag set"
	}
	if c.CodeExecution {
		return "code execution flag set"
	}
	if score := result.Scores[evolution.CriterionCompliance]; score < complianceRecheckFloor {
		return fmt.Sprintf("compliance %.3f below re-check floor %.2f", score, complianceRecheckFloor)
	}
	return ""
}

// autoApprove records the AUTO_APPROVED decision and deploys immediately.
func (e *Engine) autoApprove(ctx context.Context, evo *evolution.Evolution, result *evolution.EvaluationResult) error {
	now := e.now().UTC()
	evo, err := e.store.TransitionStatus(ctx, evo.EvolutionID,
		evolution.StatusEvaluating, evolution.StatusAutoApproved,
		func(row *evolution.Evolution) error {
			row.Evaluation = result
			row.Decision = evolution.DecisionAutoApproved
			row.DecidedAt = now
			return nil
		})
	if err != nil {
		return err
	}

	e.auditDecision(ctx, evo, result, evolution.DecisionAutoApproved, "system", "")
	return e.deployStep(ctx, evo, evolution.StatusAutoApproved)
}

// escalate redirects a failed safety re-check to human review with a
// provisional ESCALATED decision and a critical-priority task.
func (e *Engine) escalate(ctx context.Context, evo *evolution.Evolution, result *evolution.EvaluationResult, reason string) error {
	evo, err := e.store.TransitionStatus(ctx, evo.EvolutionID,
		evolution.StatusEvaluating, evolution.StatusHumanReview,
		func(row *evolution.Evolution) error {
			row.Evaluation = result
			row.Decision = evolution.DecisionEscalated
			return nil
		})
	if err != nil {
		return err
	}

	if _, err := e.queue.CreateTask(ctx, evo, result, evolution.PriorityCritical); err != nil {
		return &evolution.InfrastructureError{Op: "create escalation review task", Err: err}
	}

	if e.logger != nil {
		e.logger.Warn("auto-approval overridden by safety re-check",
			"evolution_id", evo.EvolutionID,
			"agent_id", evo.AgentID,
			"reason", reason,
		)
	}
	if e.metrics != nil {
		e.metrics.RecordDecision(string(evolution.DecisionEscalated))
	}

	event := audit.NewEvent(audit.EventEscalation, audit.SeverityCritical,
		evo.AgentID, evo.EvolutionID, "system", "auto-approval escalated to human review").
		WithDetail("reason", reason)
	e.recorder.Emit(ctx, withScores(event, result))
	return nil
}

// sendToReview parks the evolution in HUMAN_REVIEW with exactly one task.
// Fast-track reviews queue at HIGH priority, full reviews at CRITICAL.
func (e *Engine) sendToReview(ctx context.Context, evo *evolution.Evolution, result *evolution.EvaluationResult) error {
	evo, err := e.store.TransitionStatus(ctx, evo.EvolutionID,
		evolution.StatusEvaluating, evolution.StatusHumanReview,
		func(row *evolution.Evolution) error {
			row.Evaluation = result
			return nil
		})
	if err != nil {
		return err
	}

	if _, err := e.queue.CreateTask(ctx, evo, result, reviewPriority(evo, result)); err != nil {
		return &evolution.InfrastructureError{Op: "create review task", Err: err}
	}
	return nil
}

// reviewPriority maps an evolution awaiting review to its task priority.
// Escalated auto-approvals and full reviews queue at CRITICAL, fast-track
// reviews at HIGH.
func reviewPriority(evo *evolution.Evolution, result *evolution.EvaluationResult) evolution.Priority {
	if evo.Decision == evolution.DecisionEscalated {
		return evolution.PriorityCritical
	}
	if result.Recommendation == evolution.RecommendFastTrackReview {
		return evolution.PriorityHigh
	}
	return evolution.PriorityCritical
}

// ResolveReview resolves a pending task and drives its evolution to
// APPROVED (then deployment) or REJECTED. It fails with *NotFoundError or
// *InvalidStateError, performing no mutation, when the task or evolution is
// not in a resolvable state.
func (e *Engine) ResolveReview(ctx context.Context, taskID string, approve bool, reviewerID, justification string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	evo, err := e.store.GetEvolution(ctx, task.EvolutionID)
	if err != nil {
		return err
	}

	e.locks.Lock(evo.AgentID)
	defer e.locks.Unlock(evo.AgentID)

	// A task can only resolve an evolution still in HUMAN_REVIEW. Check
	// before touching the task so a stale resolution mutates nothing.
	evo, err = e.store.GetEvolution(ctx, task.EvolutionID)
	if err != nil {
		return err
	}
	if evo.Status != evolution.StatusHumanReview {
		return &evolution.InvalidStateError{
			Kind: "evolution", ID: evo.EvolutionID,
			Op:       "resolve review",
			Expected: string(evolution.StatusHumanReview), Actual: string(evo.Status),
		}
	}

	if _, err := e.queue.ResolveTask(ctx, taskID, approve, reviewerID); err != nil {
		return err
	}

	decision := evolution.DecisionRejected
	target := evolution.StatusRejected
	if approve {
		decision = evolution.DecisionHumanApproved
		target = evolution.StatusApproved
	}

	now := e.now().UTC()
	evo, err = e.store.TransitionStatus(ctx, evo.EvolutionID,
		evolution.StatusHumanReview, target,
		func(row *evolution.Evolution) error {
			row.Decision = decision
			row.ReviewerID = reviewerID
			row.Justification = justification
			row.DecidedAt = now
			return nil
		})
	if err != nil {
		return err
	}

	e.auditDecision(ctx, evo, evo.Evaluation, decision, reviewerID, justification)

	if approve {
		return e.deployStep(ctx, evo, evolution.StatusApproved)
	}
	return nil
}

// deployStep pushes the candidate live and records the outcome. Deployment
// failure is a distinct terminal state, audited but not retried here.
func (e *Engine) deployStep(ctx context.Context, evo *evolution.Evolution, from evolution.Status) error {
	if err := e.deployer.Deploy(ctx, evo.AgentID, evo.Candidate); err != nil {
		if e.metrics != nil {
			e.metrics.RecordDeploy("failed")
		}
		if _, terr := e.store.TransitionStatus(ctx, evo.EvolutionID,
			from, evolution.StatusDeployFailed, nil); terr != nil {
			return terr
		}
		e.recorder.Emit(ctx, audit.NewEvent(audit.EventDeployFailed, audit.SeverityCritical,
			evo.AgentID, evo.EvolutionID, "system", "deployment failed").
			WithDetail("version_id", evo.Candidate.VersionID).
			WithDetail("error", err.Error()))
		return &evolution.InfrastructureError{Op: "deploy evolution", Err: err}
	}

	now := e.now().UTC()
	if _, err := e.store.TransitionStatus(ctx, evo.EvolutionID,
		from, evolution.StatusDeployed,
		func(row *evolution.Evolution) error {
			row.DeployedAt = now
			return nil
		}); err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.RecordDeploy("ok")
	}
	if e.logger != nil {
		e.logger.Info("evolution deployed",
			"evolution_id", evo.EvolutionID,
			"agent_id", evo.AgentID,
			"version_id", evo.Candidate.VersionID,
		)
	}
	return nil
}

// auditDecision emits the decision event with the full evaluation scores,
// regardless of path.
func (e *Engine) auditDecision(ctx context.Context, evo *evolution.Evolution, result *evolution.EvaluationResult, decision evolution.Decision, actor, justification string) {
	severity := audit.SeverityInfo
	if decision == evolution.DecisionRejected {
		severity = audit.SeverityWarn
	}
	event := audit.NewEvent(audit.EventDecision, severity,
		evo.AgentID, evo.EvolutionID, actor, "evolution decided").
		WithDetail("decision", string(decision)).
		WithDetail("version_id", evo.Candidate.VersionID)
	if justification != "" {
		event = event.WithDetail("justification", justification)
	}
	e.recorder.Emit(ctx, withScores(event, result))

	if e.logger != nil {
		total := 0.0
		if result != nil {
			total = result.TotalScore
		}
		e.logger.DecisionEvent(evo.EvolutionID, evo.AgentID, string(decision), total)
	}
	if e.metrics != nil {
		e.metrics.RecordDecision(string(decision))
	}
}

func withScores(event audit.Event, result *evolution.EvaluationResult) audit.Event {
	if result == nil {
		return event
	}
	event = event.
		WithDetail("total_score", strconv.FormatFloat(result.TotalScore, 'f', 4, 64)).
		WithDetail("recommendation", string(result.Recommendation))
	for name, score := range result.Scores {
		event = event.WithDetail("score."+name, strconv.FormatFloat(score, 'f', 4, 64))
	}
	return event
}
