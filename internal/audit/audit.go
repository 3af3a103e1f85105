// Package audit emits immutable events for every decision and rollback.
//
// The audit sink is a remote collaborator. Emission is fire-and-forget
// tolerant: failures are logged, never fatal to the workflow. A local
// store-backed mirror keeps recent events queryable by operators even when
// the remote sink is down.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes audit events.
type EventType string

const (
	EventSubmitted       EventType = "EVOLUTION_SUBMITTED"
	EventDecision        EventType = "EVOLUTION_DECISION"
	EventEscalation      EventType = "SAFETY_ESCALATION"
	EventDeployFailed    EventType = "DEPLOY_FAILED"
	EventRollback        EventType = "ROLLBACK"
	EventReviewEscalated EventType = "REVIEW_SLA_ESCALATED"
)

// Severity indicates the importance of an audit event.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityCritical Severity = "CRITICAL"
)

// Event is a single immutable audit record.
type Event struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	Type        EventType         `json:"type"`
	Severity    Severity          `json:"severity"`
	AgentID     string            `json:"agent_id"`
	EvolutionID string            `json:"evolution_id,omitempty"`
	Actor       string            `json:"actor"`  // reviewer, requester, or "system"
	Action      string            `json:"action"` // what happened
	Details     map[string]string `json:"details,omitempty"`
	Success     bool              `json:"success"`
}

// NewEvent builds an event with a fresh ID and timestamp.
func NewEvent(typ EventType, severity Severity, agentID, evolutionID, actor, action string) Event {
	return Event{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Type:        typ,
		Severity:    severity,
		AgentID:     agentID,
		EvolutionID: evolutionID,
		Actor:       actor,
		Action:      action,
		Success:     true,
	}
}

// WithDetail attaches a key/value detail and returns the event for chaining.
func (e Event) WithDetail(key, value string) Event {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Sink receives immutable audit events.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// Appender is local append-only audit storage, implemented by the store so
// events stay queryable without the remote sink.
type Appender interface {
	AppendAudit(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, event Event) error

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, event Event) error {
	return f(ctx, event)
}
