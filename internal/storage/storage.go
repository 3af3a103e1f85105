// Package storage provides the durable record of evolutions, review tasks,
// and audit events.
//
// The Store interface is the primary abstraction. SQLiteStore is the default
// implementation using pure-Go SQLite (modernc.org/sqlite).
//
// The store is the single source of truth: every workflow transition goes
// through TransitionStatus, an atomic "transition if still in expected state"
// update, so two competing resolutions of the same evolution cannot both
// succeed. Any in-memory state elsewhere is a rebuildable cache.
package storage

import (
	"context"
	"time"

	"github.com/agentgov/agentgov/internal/audit"
	"github.com/agentgov/agentgov/internal/evolution"
)

// Store is the persistent governance record.
type Store interface {
	// CreateEvolution inserts a new evolution row. Fails if the ID exists.
	CreateEvolution(ctx context.Context, evo *evolution.Evolution) error

	// GetEvolution retrieves an evolution. Returns *NotFoundError if unknown.
	GetEvolution(ctx context.Context, evolutionID string) (*evolution.Evolution, error)

	// TransitionStatus atomically moves an evolution from one status to
	// another, applying mutate to the row inside the same transaction.
	// Returns *InvalidStateError if the row is no longer in from, and
	// refuses to rewrite a terminal decision.
	TransitionStatus(ctx context.Context, evolutionID string, from, to evolution.Status, mutate func(*evolution.Evolution) error) (*evolution.Evolution, error)

	// ListByStatus returns all evolutions in the given status, oldest first.
	// Used by crash recovery to re-schedule interrupted evaluations.
	ListByStatus(ctx context.Context, status evolution.Status) ([]*evolution.Evolution, error)

	// AgentHistory returns the most recent evolutions for an agent, newest
	// first, up to limit.
	AgentHistory(ctx context.Context, agentID string, limit int) ([]*evolution.Evolution, error)

	// RecentDeployed returns the most recently deployed evolutions for an
	// agent ordered by deployment time descending, up to limit.
	RecentDeployed(ctx context.Context, agentID string, limit int) ([]*evolution.Evolution, error)

	// FindByIncidentKey returns the rollback evolution recorded for the
	// given agent and incident key, or nil if none exists.
	FindByIncidentKey(ctx context.Context, agentID, incidentKey string) (*evolution.Evolution, error)

	// CreateTask inserts a review task. Fails if a task already exists for
	// the same evolution.
	CreateTask(ctx context.Context, task *evolution.ReviewTask) error

	// GetTask retrieves a task. Returns *NotFoundError if unknown.
	GetTask(ctx context.Context, taskID string) (*evolution.ReviewTask, error)

	// TaskByEvolution returns the task for an evolution, or nil if none.
	TaskByEvolution(ctx context.Context, evolutionID string) (*evolution.ReviewTask, error)

	// ListPendingTasks returns pending tasks ordered by (priority desc,
	// createdAt asc).
	ListPendingTasks(ctx context.Context) ([]*evolution.ReviewTask, error)

	// ResolveTask atomically moves a pending task to approved or rejected.
	// Returns *NotFoundError for an unknown task and *InvalidStateError for
	// a task that is not pending.
	ResolveTask(ctx context.Context, taskID string, outcome evolution.TaskStatus, reviewerID string, resolvedAt time.Time) (*evolution.ReviewTask, error)

	// EscalateTask bumps a pending task's priority, recording the SLA
	// escalation. No-op error for tasks that are not pending.
	EscalateTask(ctx context.Context, taskID string, priority evolution.Priority) error

	// AppendAudit appends an event to the local audit mirror.
	AppendAudit(ctx context.Context, event audit.Event) error

	// RecentAudit returns the newest audit events for an agent (all agents
	// when agentID is empty), up to limit.
	RecentAudit(ctx context.Context, agentID string, limit int) ([]audit.Event, error)

	// Close shuts down the store.
	Close() error
}
