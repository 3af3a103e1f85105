package review

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentgov/agentgov/internal/evolution"
)

// RenderDiff produces the deterministic, human-readable diff view for a
// candidate version. It renders structural fields only; candidate content is
// summarized by size and fingerprint, never interpreted, so the review
// surface cannot become a code-execution vector.
func RenderDiff(evo *evolution.Evolution) string {
	c := evo.Candidate
	var b strings.Builder

	fmt.Fprintf(&b, "evolution %s for agent %s\n", evo.EvolutionID, evo.AgentID)
	fmt.Fprintf(&b, "requested by %s (priority %s)\n", evo.RequesterID, evo.Priority)
	if evo.ChangeDescription != "" {
		fmt.Fprintf(&b, "description: %s\n", evo.ChangeDescription)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "candidate version: %s\n", c.VersionID)
	fmt.Fprintf(&b, "  size: %d bytes\n", c.SizeBytes)
	fmt.Fprintf(&b, "  content fingerprint: %s\n", c.Fingerprint())
	fmt.Fprintf(&b, "  performance score: %.2f\n", c.PerformanceScore)

	var flags []string
	if c.PrivilegeEscalation {
		flags = append(flags, "privilege-escalation")
	}
	if c.UnrestrictedNetwork {
		flags = append(flags, "unrestricted-network")
	}
	if c.FileSystemAccess {
		flags = append(flags, "file-system-access")
	}
	if c.CodeExecution {
		flags = append(flags, "code-execution")
	}
	if c.ExperimentalFeatures {
		flags = append(flags, "experimental-features")
	}
	if len(flags) > 0 {
		fmt.Fprintf(&b, "  capability flags: %s\n", strings.Join(flags, ", "))
	} else {
		b.WriteString("  capability flags: none\n")
	}

	if len(c.ExternalDependencies) > 0 {
		deps := append([]string(nil), c.ExternalDependencies...)
		sort.Strings(deps)
		fmt.Fprintf(&b, "  external dependencies: %s\n", strings.Join(deps, ", "))
	}

	if evo.Evaluation != nil {
		fmt.Fprintf(&b, "\ntotal score: %.3f (%s)\n",
			evo.Evaluation.TotalScore, evo.Evaluation.Recommendation)
		for _, rf := range evo.Evaluation.RiskFactors {
			fmt.Fprintf(&b, "  [%s] %s: %s\n", rf.Severity, rf.Criterion, rf.Finding)
		}
	}
	return b.String()
}
