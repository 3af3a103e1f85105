package evolution

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed EvolutionRequest. It is returned
// synchronously at submission, before any state is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid evolution request: %s: %s", e.Field, e.Reason)
}

// NotFoundError reports a lookup for an unknown evolution or task.
type NotFoundError struct {
	Kind string // "evolution" or "task"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// InvalidStateError reports an operation attempted against an evolution or
// task not in a compatible state. It is always surfaced to the caller.
type InvalidStateError struct {
	Kind     string
	ID       string
	Op       string
	Expected string
	Actual   string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %q: cannot %s: expected state %s, have %s",
		e.Kind, e.ID, e.Op, e.Expected, e.Actual)
}

// InfrastructureError wraps a failure of a remote collaborator (store, policy
// engine, audit sink, deployer). Business outcomes such as a low score are
// never infrastructure errors.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// NoPriorVersionError reports that an agent has no previously deployed
// version to roll back to.
type NoPriorVersionError struct {
	AgentID string
}

func (e *NoPriorVersionError) Error() string {
	return fmt.Sprintf("agent %q has no prior deployed version", e.AgentID)
}

// UnsafeVersionError reports that the rollback candidate failed validation
// (score below the safety floor or older than the staleness window).
type UnsafeVersionError struct {
	AgentID   string
	VersionID string
	Reason    string
}

func (e *UnsafeVersionError) Error() string {
	return fmt.Sprintf("agent %q: version %q unsafe for rollback: %s",
		e.AgentID, e.VersionID, e.Reason)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsInvalidState reports whether err is an InvalidStateError.
func IsInvalidState(err error) bool {
	var is *InvalidStateError
	return errors.As(err, &is)
}
