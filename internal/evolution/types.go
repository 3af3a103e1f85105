// Package evolution defines the domain model for agent evolution governance.
//
// An evolution is a proposed change to a deployed agent's version. The model
// covers:
//   - EvolutionRequest: the immutable submission
//   - EvaluationResult: weighted criterion scores and a recommendation
//   - Evolution: the persisted aggregate with its status state machine
//   - ReviewTask: a unit of human review work derived from an evaluation
package evolution

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Priority classifies how urgently an evolution (or its review) is handled.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Rank orders priorities for queue sorting. Higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	}
	return -1
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Rank() >= 0
}

// CandidateVersion is the structured payload describing a proposed change.
// Scoring logic switches on explicit fields rather than probing loose maps,
// so every heuristic is exhaustive and statically checkable.
type CandidateVersion struct {
	VersionID        string   `json:"version_id"`
	Content          string   `json:"content"`
	SizeBytes        int64    `json:"size_bytes"`
	PerformanceScore float64  `json:"performance_score"` // 0-1, from offline benchmarks

	// Capability flags. Any of these forces human review.
	PrivilegeEscalation bool `json:"privilege_escalation,omitempty"`
	UnrestrictedNetwork bool `json:"unrestricted_network,omitempty"`
	FileSystemAccess    bool `json:"file_system_access,omitempty"`
	CodeExecution       bool `json:"code_execution,omitempty"`

	ExternalDependencies []string `json:"external_dependencies,omitempty"`
	ExperimentalFeatures bool     `json:"experimental_features,omitempty"`
}

// Fingerprint returns a stable content hash of the candidate, used to key
// compliance-check memoization.
func (c CandidateVersion) Fingerprint() string {
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DangerousFlags reports whether any capability flag is set that must block
// automatic approval.
func (c CandidateVersion) DangerousFlags() bool {
	return c.PrivilegeEscalation || c.UnrestrictedNetwork || c.FileSystemAccess || c.CodeExecution
}

// EvolutionRequest is the immutable input to the governance engine. It is
// created at submission and never mutated.
type EvolutionRequest struct {
	EvolutionID       string           `json:"evolution_id"`
	AgentID           string           `json:"agent_id"`
	Candidate         CandidateVersion `json:"candidate"`
	ChangeDescription string           `json:"change_description"`
	RequesterID       string           `json:"requester_id"`
	Priority          Priority         `json:"priority"`
}

// Recommendation is the evaluation engine's verdict on how an evolution
// should be decided.
type Recommendation string

const (
	RecommendAutoApprove     Recommendation = "AUTO_APPROVE"
	RecommendFastTrackReview Recommendation = "FAST_TRACK_REVIEW"
	RecommendFullHumanReview Recommendation = "FULL_HUMAN_REVIEW"
)

// RiskSeverity grades a risk factor.
type RiskSeverity string

const (
	RiskMedium RiskSeverity = "MEDIUM"
	RiskHigh   RiskSeverity = "HIGH"
)

// RiskFactor is a single human-readable finding from an evaluation.
type RiskFactor struct {
	Criterion string       `json:"criterion"`
	Severity  RiskSeverity `json:"severity"`
	Finding   string       `json:"finding"`
}

// Criterion names. Weights over these must sum to 1.0.
const (
	CriterionCompliance  = "constitutional_compliance"
	CriterionPerformance = "performance_regression"
	CriterionAnomaly     = "anomaly"
	CriterionRisk        = "risk"
)

// EvaluationResult holds per-criterion scores and the derived recommendation.
// Computed once per request; a low score is a valid result, not an error.
type EvaluationResult struct {
	Scores         map[string]float64 `json:"scores"` // criterion name -> [0,1]
	TotalScore     float64            `json:"total_score"`
	RiskFactors    []RiskFactor       `json:"risk_factors,omitempty"`
	Recommendation Recommendation     `json:"recommendation"`
	EvaluatedAt    time.Time          `json:"evaluated_at"`
}

// Status is the evolution state machine position.
//
//	PENDING → EVALUATING → {AUTO_APPROVED, HUMAN_REVIEW}
//	HUMAN_REVIEW → {APPROVED, REJECTED}
//	{AUTO_APPROVED, APPROVED} → {DEPLOYED, DEPLOY_FAILED}
//	DEPLOYED → ROLLED_BACK
//
// Terminal: REJECTED, DEPLOY_FAILED, ROLLED_BACK. DEPLOYED is terminal for
// the approval workflow but may later move to ROLLED_BACK.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusEvaluating   Status = "EVALUATING"
	StatusAutoApproved Status = "AUTO_APPROVED"
	StatusHumanReview  Status = "HUMAN_REVIEW"
	StatusApproved     Status = "APPROVED"
	StatusRejected     Status = "REJECTED"
	StatusDeployed     Status = "DEPLOYED"
	StatusDeployFailed Status = "DEPLOY_FAILED"
	StatusRolledBack   Status = "ROLLED_BACK"
)

// Terminal reports whether no further approval-workflow transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusDeployFailed, StatusRolledBack:
		return true
	}
	return false
}

// Decision records how an evolution was decided.
//
// DecisionEscalated is provisional: it marks a failed auto-approval safety
// re-check and is superseded by the eventual human decision. The terminal
// decisions (AUTO_APPROVED, HUMAN_APPROVED, REJECTED) are write-once.
type Decision string

const (
	DecisionNone          Decision = ""
	DecisionAutoApproved  Decision = "AUTO_APPROVED"
	DecisionHumanApproved Decision = "HUMAN_APPROVED"
	DecisionRejected      Decision = "REJECTED"
	DecisionEscalated     Decision = "ESCALATED"
)

// Terminal reports whether d is a final decision that may never be rewritten.
func (d Decision) Terminal() bool {
	switch d {
	case DecisionAutoApproved, DecisionHumanApproved, DecisionRejected:
		return true
	}
	return false
}

// Evolution is the persisted aggregate. It is owned by the approval workflow;
// the rollback manager only reads it to find prior versions and inserts new
// rollback-originated rows.
type Evolution struct {
	EvolutionID       string            `json:"evolution_id"`
	AgentID           string            `json:"agent_id"`
	Candidate         CandidateVersion  `json:"candidate"`
	ChangeDescription string            `json:"change_description"`
	RequesterID       string            `json:"requester_id"`
	Priority          Priority          `json:"priority"`
	Status            Status            `json:"status"`
	Evaluation        *EvaluationResult `json:"evaluation,omitempty"`
	Decision          Decision          `json:"decision,omitempty"`
	ReviewerID        string            `json:"reviewer_id,omitempty"`
	Justification     string            `json:"justification,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	DecidedAt         time.Time         `json:"decided_at,omitempty"`
	DeployedAt        time.Time         `json:"deployed_at,omitempty"`

	// Rollback-originated rows reference the versions involved and carry the
	// caller-supplied incident key used for audit-level deduplication.
	FromVersion string `json:"from_version,omitempty"`
	ToVersion   string `json:"to_version,omitempty"`
	IncidentKey string `json:"incident_key,omitempty"`
}

// TaskStatus is the review task lifecycle position.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskApproved TaskStatus = "approved"
	TaskRejected TaskStatus = "rejected"
)

// ReviewTask is a unit of human review work. Exactly one exists per evolution
// that requires human attention. A task can only resolve an evolution still
// in HUMAN_REVIEW.
type ReviewTask struct {
	TaskID      string       `json:"task_id"`
	EvolutionID string       `json:"evolution_id"`
	AgentID     string       `json:"agent_id"`
	Priority    Priority     `json:"priority"`
	Status      TaskStatus   `json:"status"`
	DiffView    string       `json:"diff_view"`
	RiskFactors []RiskFactor `json:"risk_factors,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	ResolvedAt  time.Time    `json:"resolved_at,omitempty"`
	ReviewerID  string       `json:"reviewer_id,omitempty"`
	Escalations int          `json:"escalations,omitempty"` // SLA priority bumps applied
}

// RollbackResult describes a completed rollback.
type RollbackResult struct {
	EvolutionID  string    `json:"evolution_id"` // the new ROLLED_BACK row
	AgentID      string    `json:"agent_id"`
	FromVersion  string    `json:"from_version"`
	ToVersion    string    `json:"to_version"`
	Reason       string    `json:"reason"`
	IncidentKey  string    `json:"incident_key,omitempty"`
	RolledBackAt time.Time `json:"rolled_back_at"`
}
