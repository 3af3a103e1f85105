package evolution

// maxDescriptionLen bounds the free-text change description.
const maxDescriptionLen = 10_000

// ValidateRequest checks an EvolutionRequest before any state is created.
// It returns a *ValidationError naming the first offending field.
func ValidateRequest(req EvolutionRequest) error {
	if req.EvolutionID == "" {
		return &ValidationError{Field: "evolution_id", Reason: "must not be empty"}
	}
	if req.AgentID == "" {
		return &ValidationError{Field: "agent_id", Reason: "must not be empty"}
	}
	if req.RequesterID == "" {
		return &ValidationError{Field: "requester_id", Reason: "must not be empty"}
	}
	if !req.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: "unknown priority " + string(req.Priority)}
	}
	if req.Candidate.VersionID == "" {
		return &ValidationError{Field: "candidate.version_id", Reason: "must not be empty"}
	}
	if req.Candidate.SizeBytes < 0 {
		return &ValidationError{Field: "candidate.size_bytes", Reason: "must not be negative"}
	}
	if req.Candidate.PerformanceScore < 0 || req.Candidate.PerformanceScore > 1 {
		return &ValidationError{Field: "candidate.performance_score", Reason: "must be in [0,1]"}
	}
	if len(req.ChangeDescription) > maxDescriptionLen {
		return &ValidationError{Field: "change_description", Reason: "too long"}
	}
	return nil
}
