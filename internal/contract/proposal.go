package contract

import (
	"fmt"
	"strings"
	"time"
)

// Proposal is the well-known-directory input the pipeline supervisor
// reads on PROPOSAL_READY (spec.md §4.10) before converting it to a
// Contract. It mirrors the fields a proposal markdown/JSON file is
// expected to carry; parsing the markdown itself is out of scope
// (spec.md §1 Non-goals), so this is the structured result a caller
// (or a future parser) hands in.
type Proposal struct {
	TaskID       string
	Project      string
	Complexity   Complexity
	Implementer  string
	LocalReviewer string
	Judge        string
	AllowedPaths []string
	ForbiddenPaths []string
	SourceFiles  []SourceFile
	TargetFile   string
	Requirements string
	AcceptanceCriteria []string
}

// ValidationError reports why a proposal could not become a contract.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("contract: invalid proposal: %s", strings.Join(e.Reasons, "; "))
}

// Validate checks the required fields and the path-overlap invariant
// (I3: allowed_paths and forbidden_paths must be disjoint) before a
// proposal is allowed to become a contract. This is the config
// validation pass original_source/agent-hub/src/config_validator.py
// performed ad hoc against a loosely-typed dict; here it runs against a
// concrete Proposal struct.
func Validate(p Proposal) error {
	var reasons []string

	if strings.TrimSpace(p.TaskID) == "" {
		reasons = append(reasons, "task_id is required")
	}
	if strings.TrimSpace(p.Project) == "" {
		reasons = append(reasons, "project is required")
	}
	if p.Implementer == "" || p.LocalReviewer == "" || p.Judge == "" {
		reasons = append(reasons, "implementer, local_reviewer, and judge roles must all be assigned")
	}
	if p.TargetFile == "" {
		reasons = append(reasons, "target_file is required")
	}
	if len(p.AcceptanceCriteria) == 0 {
		reasons = append(reasons, "at least one acceptance criterion is required")
	}

	forbidden := make(map[string]bool, len(p.ForbiddenPaths))
	for _, fp := range p.ForbiddenPaths {
		forbidden[fp] = true
	}
	for _, ap := range p.AllowedPaths {
		if forbidden[ap] {
			reasons = append(reasons, fmt.Sprintf("path %q is both allowed and forbidden", ap))
		}
	}

	if len(reasons) > 0 {
		return &ValidationError{Reasons: reasons}
	}
	return nil
}

// FromProposal builds a fresh contract from a validated proposal.
// Callers must call Validate first; FromProposal does not re-validate.
func FromProposal(p Proposal, now time.Time) *Contract {
	c := NewContract(p.TaskID, p.Project, p.Complexity, now)
	c.Roles = Roles{Implementer: p.Implementer, LocalReviewer: p.LocalReviewer, Judge: p.Judge}
	c.Constraints = Constraints{AllowedPaths: p.AllowedPaths, ForbiddenPaths: p.ForbiddenPaths}
	c.Specification = Specification{
		SourceFiles:        p.SourceFiles,
		TargetFile:         p.TargetFile,
		Requirements:       p.Requirements,
		AcceptanceCriteria: p.AcceptanceCriteria,
	}
	return c
}
