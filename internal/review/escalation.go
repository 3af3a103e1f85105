package review

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentgov/agentgov/internal/audit"
	"github.com/agentgov/agentgov/internal/evolution"
	"github.com/agentgov/agentgov/internal/observability"
)

// Escalator runs the SLA sweep for evolutions parked in human review. A task
// pending longer than the SLA gets its priority bumped one step (capped at
// CRITICAL) and the escalation is audited. Review time stays unbounded by
// design; the sweep keeps stuck reviews visible instead of silently aging.
type Escalator struct {
	queue    *Queue
	recorder *audit.Recorder
	logger   *observability.Logger
	metrics  *observability.Metrics

	schedule string // cron expression
	sla      time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	running bool

	now func() time.Time
}

// NewEscalator creates the SLA sweep. schedule is a standard cron expression
// (e.g. "*/15 * * * *"); sla is the pending age beyond which a task is
// escalated.
func NewEscalator(queue *Queue, recorder *audit.Recorder, logger *observability.Logger, metrics *observability.Metrics, schedule string, sla time.Duration) *Escalator {
	return &Escalator{
		queue:    queue,
		recorder: recorder,
		logger:   logger,
		metrics:  metrics,
		schedule: schedule,
		sla:      sla,
		cron:     cron.New(),
		now:      time.Now,
	}
}

// Start begins the scheduled sweep. An empty schedule disables it.
func (e *Escalator) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}
	if e.schedule == "" {
		if e.logger != nil {
			e.logger.Info("review SLA sweep not configured, skipping")
		}
		return nil
	}
	if _, err := cron.ParseStandard(e.schedule); err != nil {
		return fmt.Errorf("invalid SLA sweep schedule %q: %w", e.schedule, err)
	}

	_, err := e.cron.AddFunc(e.schedule, func() {
		if err := e.Sweep(ctx); err != nil && e.logger != nil {
			e.logger.Error("review SLA sweep failed", "error", err.Error())
		}
	})
	if err != nil {
		return fmt.Errorf("schedule SLA sweep: %w", err)
	}

	e.cron.Start()
	e.running = true
	if e.logger != nil {
		e.logger.Info("review SLA sweep started",
			"schedule", e.schedule,
			"sla", e.sla.String(),
		)
	}
	return nil
}

// Stop halts the scheduled sweep, waiting for a running sweep to finish.
func (e *Escalator) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	<-e.cron.Stop().Done()
	e.running = false
}

// Sweep escalates every pending task older than the SLA by one priority
// step. Exported so operators can trigger it out of schedule.
func (e *Escalator) Sweep(ctx context.Context) error {
	tasks, err := e.queue.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending tasks: %w", err)
	}

	cutoff := e.now().Add(-e.sla)
	for _, task := range tasks {
		if !task.CreatedAt.Before(cutoff) {
			continue
		}
		next, ok := bumpPriority(task.Priority)
		if !ok {
			continue // already critical
		}
		if err := e.queue.store.EscalateTask(ctx, task.TaskID, next); err != nil {
			if evolution.IsInvalidState(err) || evolution.IsNotFound(err) {
				continue // resolved while sweeping
			}
			return fmt.Errorf("escalate task %q: %w", task.TaskID, err)
		}

		if e.logger != nil {
			e.logger.Warn("review task escalated past SLA",
				"task_id", task.TaskID,
				"evolution_id", task.EvolutionID,
				"from_priority", string(task.Priority),
				"to_priority", string(next),
				"pending_since", task.CreatedAt.Format(time.RFC3339),
			)
		}
		if e.metrics != nil {
			e.metrics.RecordReviewEscalation()
		}
		if e.recorder != nil {
			event := audit.NewEvent(audit.EventReviewEscalated, audit.SeverityWarn,
				task.AgentID, task.EvolutionID, "system", "review task escalated past SLA").
				WithDetail("task_id", task.TaskID).
				WithDetail("from_priority", string(task.Priority)).
				WithDetail("to_priority", string(next))
			e.recorder.Emit(ctx, event)
		}
	}
	return nil
}

func bumpPriority(p evolution.Priority) (evolution.Priority, bool) {
	switch p {
	case evolution.PriorityLow:
		return evolution.PriorityMedium, true
	case evolution.PriorityMedium:
		return evolution.PriorityHigh, true
	case evolution.PriorityHigh:
		return evolution.PriorityCritical, true
	}
	return p, false
}
