// Package review manages the durable queue of human-review tasks.
//
// One task exists per evolution that requires human attention. Tasks surface
// to reviewers in strict priority order with FIFO tie-break. The diff view is
// a deterministic, presentation-only rendering: it never executes or
// evaluates candidate content.
package review

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agentgov/agentgov/internal/evolution"
	"github.com/agentgov/agentgov/internal/observability"
	"github.com/agentgov/agentgov/internal/storage"
)

// Queue is the durable human-review queue.
type Queue struct {
	store   storage.Store
	logger  *observability.Logger
	metrics *observability.Metrics

	now func() time.Time
}

// NewQueue creates a review queue backed by the given store.
func NewQueue(store storage.Store, logger *observability.Logger, metrics *observability.Metrics) *Queue {
	return &Queue{
		store:   store,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// CreateTask derives a review task from an evaluated evolution and persists
// it. Exactly one task may exist per evolution; a second create fails at the
// store's uniqueness constraint.
func (q *Queue) CreateTask(ctx context.Context, evo *evolution.Evolution, result *evolution.EvaluationResult, priority evolution.Priority) (*evolution.ReviewTask, error) {
	task := &evolution.ReviewTask{
		TaskID:      uuid.NewString(),
		EvolutionID: evo.EvolutionID,
		AgentID:     evo.AgentID,
		Priority:    priority,
		Status:      evolution.TaskPending,
		DiffView:    RenderDiff(evo),
		RiskFactors: result.RiskFactors,
		CreatedAt:   q.now().UTC(),
	}
	if err := q.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	if q.logger != nil {
		q.logger.Info("review task created",
			"task_id", task.TaskID,
			"evolution_id", evo.EvolutionID,
			"agent_id", evo.AgentID,
			"priority", string(priority),
		)
	}
	q.refreshDepth(ctx)
	return task, nil
}

// ResolveTask atomically resolves a pending task. It returns the resolved
// task, *NotFoundError for an unknown task, or *InvalidStateError for a task
// that is not pending. No state is mutated on failure.
func (q *Queue) ResolveTask(ctx context.Context, taskID string, approve bool, reviewerID string) (*evolution.ReviewTask, error) {
	outcome := evolution.TaskRejected
	if approve {
		outcome = evolution.TaskApproved
	}
	task, err := q.store.ResolveTask(ctx, taskID, outcome, reviewerID, q.now().UTC())
	if err != nil {
		return nil, err
	}

	if q.logger != nil {
		q.logger.Info("review task resolved",
			"task_id", taskID,
			"evolution_id", task.EvolutionID,
			"outcome", string(outcome),
			"reviewer_id", reviewerID,
		)
	}
	q.refreshDepth(ctx)
	return task, nil
}

// ListPending returns pending tasks ordered by (priority desc, createdAt
// asc), so critical tasks are never starved behind older high-priority ones.
func (q *Queue) ListPending(ctx context.Context) ([]*evolution.ReviewTask, error) {
	return q.store.ListPendingTasks(ctx)
}

// TaskFor returns the task associated with an evolution, or nil.
func (q *Queue) TaskFor(ctx context.Context, evolutionID string) (*evolution.ReviewTask, error) {
	return q.store.TaskByEvolution(ctx, evolutionID)
}

func (q *Queue) refreshDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	tasks, err := q.store.ListPendingTasks(ctx)
	if err != nil {
		return // gauge refresh is best-effort
	}
	q.metrics.SetPendingReviews(len(tasks))
}
