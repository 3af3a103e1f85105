package evolution

import (
	"strings"
	"testing"
)

func TestPriorityRank_Ordering(t *testing.T) {
	if PriorityCritical.Rank() <= PriorityHigh.Rank() {
		t.Error("critical should outrank high")
	}
	if PriorityHigh.Rank() <= PriorityMedium.Rank() {
		t.Error("high should outrank medium")
	}
	if PriorityMedium.Rank() <= PriorityLow.Rank() {
		t.Error("medium should outrank low")
	}
	if Priority("BOGUS").Valid() {
		t.Error("unknown priority should not be valid")
	}
}

func TestFingerprint_Stable(t *testing.T) {
	c := CandidateVersion{
		VersionID:            "v1",
		Content:              "do things",
		SizeBytes:            100,
		ExternalDependencies: []string{"pkg-a", "pkg-b"},
	}
	first := c.Fingerprint()
	second := c.Fingerprint()
	if first != second {
		t.Errorf("fingerprint not stable: %s vs %s", first, second)
	}

	changed := c
	changed.Content = "do other things"
	if changed.Fingerprint() == first {
		t.Error("different content should produce a different fingerprint")
	}
}

func TestDangerousFlags(t *testing.T) {
	if (CandidateVersion{}).DangerousFlags() {
		t.Error("clean candidate should have no dangerous flags")
	}
	for _, c := range []CandidateVersion{
		{PrivilegeEscalation: true},
		{UnrestrictedNetwork: true},
		{FileSystemAccess: true},
		{CodeExecution: true},
	} {
		if !c.DangerousFlags() {
			t.Errorf("candidate %+v should report dangerous flags", c)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusRejected, StatusDeployFailed, StatusRolledBack}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	open := []Status{StatusPending, StatusEvaluating, StatusHumanReview, StatusApproved, StatusDeployed}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestDecisionTerminal(t *testing.T) {
	if DecisionEscalated.Terminal() {
		t.Error("ESCALATED is provisional, not terminal")
	}
	if DecisionNone.Terminal() {
		t.Error("empty decision is not terminal")
	}
	for _, d := range []Decision{DecisionAutoApproved, DecisionHumanApproved, DecisionRejected} {
		if !d.Terminal() {
			t.Errorf("%s should be terminal", d)
		}
	}
}

func validRequest() EvolutionRequest {
	return EvolutionRequest{
		EvolutionID: "evo-1",
		AgentID:     "agent-1",
		RequesterID: "user-1",
		Priority:    PriorityMedium,
		Candidate: CandidateVersion{
			VersionID:        "v1",
			PerformanceScore: 0.9,
		},
	}
}

func TestValidateRequest(t *testing.T) {
	if err := ValidateRequest(validRequest()); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*EvolutionRequest)
		field  string
	}{
		{"missing evolution id", func(r *EvolutionRequest) { r.EvolutionID = "" }, "evolution_id"},
		{"missing agent id", func(r *EvolutionRequest) { r.AgentID = "" }, "agent_id"},
		{"missing requester", func(r *EvolutionRequest) { r.RequesterID = "" }, "requester_id"},
		{"bad priority", func(r *EvolutionRequest) { r.Priority = "URGENT" }, "priority"},
		{"missing version id", func(r *EvolutionRequest) { r.Candidate.VersionID = "" }, "candidate.version_id"},
		{"negative size", func(r *EvolutionRequest) { r.Candidate.SizeBytes = -1 }, "candidate.size_bytes"},
		{"performance out of range", func(r *EvolutionRequest) { r.Candidate.PerformanceScore = 1.5 }, "candidate.performance_score"},
		{"oversized description", func(r *EvolutionRequest) { r.ChangeDescription = strings.Repeat("x", maxDescriptionLen+1) }, "change_description"},
	}
	for _, tc := range cases {
		req := validRequest()
		tc.mutate(&req)
		err := ValidateRequest(req)
		if err == nil {
			t.Errorf("%s: expected validation error", tc.name)
			continue
		}
		verr, ok := err.(*ValidationError)
		if !ok {
			t.Errorf("%s: expected *ValidationError, got %T", tc.name, err)
			continue
		}
		if verr.Field != tc.field {
			t.Errorf("%s: reported field %q, want %q", tc.name, verr.Field, tc.field)
		}
	}
}
