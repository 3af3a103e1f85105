// Package policy provides the client for the remote constitutional-compliance
// scorer.
//
// The policy engine is a remote collaborator: it may be slow or unavailable.
// Callers must treat any transport failure, timeout, or non-200 response as
// "unavailable" — never as "compliant". The circuit breaker trips to a
// fail-closed mode after a run of consecutive failures and probes recovery
// after a cooldown.
package policy

import (
	"context"
	"errors"

	"github.com/agentgov/agentgov/internal/evolution"
)

// ErrUnavailable is returned when the policy engine cannot produce a score:
// transport failure, timeout, non-200 status, or an open circuit breaker.
var ErrUnavailable = errors.New("policy engine unavailable")

// CheckContext carries request metadata for a compliance check.
type CheckContext struct {
	AgentID     string `json:"agent_id"`
	EvolutionID string `json:"evolution_id"`
	RequesterID string `json:"requester_id,omitempty"`
}

// CheckResult is the policy engine's verdict on a candidate version.
type CheckResult struct {
	Score      float64  `json:"score"` // [0,1], 1 = fully compliant
	Violations []string `json:"violations,omitempty"`
}

// Client scores a candidate version against constitutional principles.
type Client interface {
	// Check returns the compliance score for a candidate, or an error
	// (typically wrapping ErrUnavailable) on infrastructure failure.
	Check(ctx context.Context, candidate evolution.CandidateVersion, cc CheckContext) (*CheckResult, error)
}

// Func adapts a function to the Client interface. Used by tests and by
// in-process policy stubs.
type Func func(ctx context.Context, candidate evolution.CandidateVersion, cc CheckContext) (*CheckResult, error)

// Check implements Client.
func (f Func) Check(ctx context.Context, candidate evolution.CandidateVersion, cc CheckContext) (*CheckResult, error) {
	return f(ctx, candidate, cc)
}
