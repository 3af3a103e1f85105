// Package rollback redeploys the most recent safe prior version of an agent.
//
// A rollback target must still be safe, just not necessarily optimal: its
// recorded total score must meet the safety floor (0.7, below the 0.95/0.90
// approval bar) and it must not be older than the staleness window (30 days,
// after which a version may no longer be compatible with current
// infrastructure).
//
// Rollback is not idempotent at the infrastructure level but is idempotent at
// the audit level: retried calls carrying the same incident key return the
// recorded result without redeploying or re-auditing.
package rollback

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentgov/agentgov/internal/agentlock"
	"github.com/agentgov/agentgov/internal/audit"
	"github.com/agentgov/agentgov/internal/deploy"
	"github.com/agentgov/agentgov/internal/evolution"
	"github.com/agentgov/agentgov/internal/observability"
	"github.com/agentgov/agentgov/internal/storage"
)

const (
	// SafetyFloor is the minimum recorded total score of a rollback target.
	SafetyFloor = 0.7

	// StalenessWindow is the maximum age of a rollback target.
	StalenessWindow = 30 * 24 * time.Hour
)

// Manager selects, validates, and redeploys prior versions.
type Manager struct {
	store    storage.Store
	deployer deploy.Deployer
	recorder *audit.Recorder
	locks    *agentlock.Keyed
	logger   *observability.Logger
	metrics  *observability.Metrics

	now func() time.Time
}

// New creates a rollback manager. locks must be the same keyed lock set the
// approval workflow uses, so rollback and deployment mutually exclude per
// agent.
func New(store storage.Store, deployer deploy.Deployer, recorder *audit.Recorder, locks *agentlock.Keyed, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		store:    store,
		deployer: deployer,
		recorder: recorder,
		locks:    locks,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Rollback redeploys the agent's previous deployed version.
//
// Errors: *NoPriorVersionError when no previously deployed version exists,
// *UnsafeVersionError when the prior version fails validation, and
// *InfrastructureError when store or deployer calls fail. incidentKey is the
// caller-supplied dedupe key; an empty key disables deduplication.
func (m *Manager) Rollback(ctx context.Context, agentID, reason, incidentKey string) (*evolution.RollbackResult, error) {
	m.locks.Lock(agentID)
	defer m.locks.Unlock(agentID)

	// Retried call for the same incident: return the recorded result, no
	// new deployment, no duplicate audit entry.
	if incidentKey != "" {
		prior, err := m.store.FindByIncidentKey(ctx, agentID, incidentKey)
		if err != nil {
			return nil, &evolution.InfrastructureError{Op: "rollback incident lookup", Err: err}
		}
		if prior != nil {
			if m.logger != nil {
				m.logger.Info("rollback deduplicated by incident key",
					"agent_id", agentID,
					"incident_key", incidentKey,
					"evolution_id", prior.EvolutionID,
				)
			}
			return resultFrom(prior), nil
		}
	}

	deployed, err := m.store.RecentDeployed(ctx, agentID, 2)
	if err != nil {
		return nil, &evolution.InfrastructureError{Op: "rollback version lookup", Err: err}
	}
	if len(deployed) < 2 {
		m.record("no_prior")
		return nil, &evolution.NoPriorVersionError{AgentID: agentID}
	}
	current, previous := deployed[0], deployed[1]

	if err := m.validate(previous); err != nil {
		m.record("unsafe")
		return nil, err
	}

	if err := m.deployer.Deploy(ctx, agentID, previous.Candidate); err != nil {
		m.record("deploy_failed")
		return nil, &evolution.InfrastructureError{Op: "rollback deploy", Err: err}
	}

	now := m.now().UTC()
	record := &evolution.Evolution{
		EvolutionID:       uuid.NewString(),
		AgentID:           agentID,
		Candidate:         previous.Candidate,
		ChangeDescription: fmt.Sprintf("rollback of %s to %s", current.Candidate.VersionID, previous.Candidate.VersionID),
		RequesterID:       "system",
		Priority:          evolution.PriorityCritical,
		Status:            evolution.StatusRolledBack,
		Justification:     reason,
		CreatedAt:         now,
		DecidedAt:         now,
		FromVersion:       current.Candidate.VersionID,
		ToVersion:         previous.Candidate.VersionID,
		IncidentKey:       incidentKey,
	}
	if err := m.store.CreateEvolution(ctx, record); err != nil {
		return nil, &evolution.InfrastructureError{Op: "record rollback", Err: err}
	}

	// The replaced evolution leaves the deployed slot. A concurrent loser
	// here would mean the conditional update already moved it; the rollback
	// row above remains the authoritative record either way.
	if _, err := m.store.TransitionStatus(ctx, current.EvolutionID,
		evolution.StatusDeployed, evolution.StatusRolledBack, nil); err != nil && !evolution.IsInvalidState(err) {
		return nil, &evolution.InfrastructureError{Op: "retire rolled-back version", Err: err}
	}

	if m.logger != nil {
		m.logger.RollbackEvent(agentID, record.FromVersion, record.ToVersion, reason,
			"evolution_id", record.EvolutionID,
			"incident_key", incidentKey,
		)
	}
	m.record("ok")

	event := audit.NewEvent(audit.EventRollback, audit.SeverityCritical,
		agentID, record.EvolutionID, "system", "agent rolled back").
		WithDetail("from_version", record.FromVersion).
		WithDetail("to_version", record.ToVersion).
		WithDetail("reason", reason)
	if incidentKey != "" {
		event = event.WithDetail("incident_key", incidentKey)
	}
	m.recorder.Emit(ctx, event)

	return resultFrom(record), nil
}

// validate rejects targets below the safety floor or past the staleness
// window.
func (m *Manager) validate(previous *evolution.Evolution) error {
	score := 0.0
	if previous.Evaluation != nil {
		score = previous.Evaluation.TotalScore
	}
	if score < SafetyFloor {
		return &evolution.UnsafeVersionError{
			AgentID:   previous.AgentID,
			VersionID: previous.Candidate.VersionID,
			Reason:    fmt.Sprintf("recorded score %.2f below safety floor %.2f", score, SafetyFloor),
		}
	}
	if age := m.now().Sub(previous.DeployedAt); age > StalenessWindow {
		return &evolution.UnsafeVersionError{
			AgentID:   previous.AgentID,
			VersionID: previous.Candidate.VersionID,
			Reason:    fmt.Sprintf("deployed %s ago, staleness window is %s", age.Round(time.Hour), StalenessWindow),
		}
	}
	return nil
}

func (m *Manager) record(outcome string) {
	if m.metrics != nil {
		m.metrics.RecordRollback(outcome)
	}
}

func resultFrom(record *evolution.Evolution) *evolution.RollbackResult {
	return &evolution.RollbackResult{
		EvolutionID:  record.EvolutionID,
		AgentID:      record.AgentID,
		FromVersion:  record.FromVersion,
		ToVersion:    record.ToVersion,
		Reason:       record.Justification,
		IncidentKey:  record.IncidentKey,
		RolledBackAt: record.DecidedAt,
	}
}
