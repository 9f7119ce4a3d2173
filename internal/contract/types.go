// Package contract implements the task contract schema, its valid
// transition table, lock acquisition, and the ten task-layer
// circuit-breaker triggers (spec.md §3, §4.5 task layer, §4.9).
package contract

import "time"

// Complexity classifies how much review a task needs.
type Complexity string

const (
	ComplexityTrivial  Complexity = "trivial"
	ComplexityMinor    Complexity = "minor"
	ComplexityMajor    Complexity = "major"
	ComplexityCritical Complexity = "critical"
)

// Status is one of the task contract's state-machine states.
type Status string

const (
	StatusPendingImplementer     Status = "pending_implementer"
	StatusImplementationInProgress Status = "implementation_in_progress"
	StatusPendingLocalReview     Status = "pending_local_review"
	StatusPendingJudgeReview     Status = "pending_judge_review"
	StatusJudgeReviewInProgress  Status = "judge_review_in_progress"
	StatusReviewComplete         Status = "review_complete"
	StatusPendingRebuttal        Status = "pending_rebuttal"
	StatusMerged                 Status = "merged"
	StatusTimeoutImplementer     Status = "timeout_implementer"
	StatusTimeoutJudge           Status = "timeout_judge"
	StatusErikConsultation       Status = "erik_consultation"
)

// BreakerStatus is the task-layer breaker's own status field, distinct
// from the component-layer breaker in internal/breaker.
type BreakerStatus string

const (
	BreakerArmed   BreakerStatus = "armed"
	BreakerTripped BreakerStatus = "tripped"
)

const schemaVersion = "2.0"

// Timestamps groups a contract's lifecycle instants.
type Timestamps struct {
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	DeadlineAt time.Time `json:"deadline_at"`
}

// Git groups the repository coordinates a task operates against.
type Git struct {
	RepoRoot   string `json:"repo_root"`
	BaseBranch string `json:"base_branch"`
	TaskBranch string `json:"task_branch"`
	BaseCommit string `json:"base_commit"`
}

// Roles names the model assigned to each participating role.
type Roles struct {
	Implementer  string `json:"implementer"`
	LocalReviewer string `json:"local_reviewer"`
	Judge        string `json:"judge"`
}

// Limits bounds a task's resource consumption.
type Limits struct {
	MaxRebuttals        int     `json:"max_rebuttals"`
	MaxReviewCycles     int     `json:"max_review_cycles"`
	ImplementerTimeoutMinutes int `json:"implementer_timeout_minutes"`
	LocalReviewerTimeoutMinutes int `json:"local_reviewer_timeout_minutes"`
	JudgeTimeoutMinutes int     `json:"judge_timeout_minutes"`
	TokenBudget         int     `json:"token_budget"`
	CostCeilingUSD      float64 `json:"cost_ceiling_usd"`
}

// MaxRoleTimeout returns the largest per-role timeout, used by the
// inactivity trigger (2x the max timeout).
func (l Limits) MaxRoleTimeout() time.Duration {
	max := l.ImplementerTimeoutMinutes
	if l.LocalReviewerTimeoutMinutes > max {
		max = l.LocalReviewerTimeoutMinutes
	}
	if l.JudgeTimeoutMinutes > max {
		max = l.JudgeTimeoutMinutes
	}
	return time.Duration(max) * time.Minute
}

// Constraints bounds what paths and operations a task may touch.
type Constraints struct {
	AllowedPaths     []string `json:"allowed_paths"`
	ForbiddenPaths   []string `json:"forbidden_paths"`
	AllowedOperations []string `json:"allowed_operations"`
	DeleteAllowed    bool     `json:"delete_allowed"`
	MaxDiffLines     int      `json:"max_diff_lines"`
}

// SourceFile names an input file and the hash it was expected to have
// when the task was proposed.
type SourceFile struct {
	Path         string `json:"path"`
	ExpectedHash string `json:"expected_hash"`
}

// Specification is what the task is asking to be built.
type Specification struct {
	SourceFiles        []SourceFile `json:"source_files"`
	TargetFile         string       `json:"target_file"`
	Requirements       string       `json:"requirements"`
	AcceptanceCriteria []string     `json:"acceptance_criteria"`
}

// HandoffData carries state produced by one stage for the next.
type HandoffData struct {
	ImplementerNotes    string   `json:"implementer_notes"`
	ChangedFiles        []string `json:"changed_files"`
	DiffSummary         string   `json:"diff_summary"`
	LocalReviewPassed   bool     `json:"local_review_passed"`
	LocalReviewIssues   []string `json:"local_review_issues"`
	JudgeReportPaths    []string `json:"judge_report_paths"`
	RebuttalPath        string   `json:"rebuttal_path"`
	CurrentFileHash     string   `json:"current_file_hash"`

	// CurrentFileLines is the pre-edit line count of the file under
	// review, stamped by the draft gate from the submission's exact
	// OriginalLines at draft-submission time. Not part of the persisted
	// handoff_data schema (spec.md §3); carried only so the
	// destructive-diff trigger's denominator is exact rather than an
	// approximation.
	CurrentFileLines int `json:"-"`
}

// Lock is a task's exclusive-execution lease; a zero value means free.
type Lock struct {
	HeldBy    string    `json:"held_by,omitempty"`
	AcquiredAt time.Time `json:"acquired_at,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// IsFree reports whether the lock is absent or expired.
func (l Lock) IsFree(now time.Time) bool {
	return l.HeldBy == "" || now.After(l.ExpiresAt)
}

// HistoryEntry is one chronological record of a review verdict.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	FileHash  string    `json:"file_hash"`
	Verdict   string    `json:"verdict,omitempty"`
}

// Breaker is the task-layer circuit-breaker snapshot embedded in every
// contract (distinct from the process-wide internal/breaker component
// layer).
type Breaker struct {
	Status           BreakerStatus `json:"status"`
	TriggeredBy      string        `json:"triggered_by,omitempty"`
	TriggerReason    string        `json:"trigger_reason,omitempty"`
	RebuttalCount    int           `json:"rebuttal_count"`
	ReviewCycleCount int           `json:"review_cycle_count"`
	TokensUsed       int           `json:"tokens_used"`
	CostUSD          float64       `json:"cost_usd"`
}

// JudgeIssue is one item in a judge report, used by the nitpicking
// trigger to classify whether every issue is style-only.
type JudgeIssue struct {
	Category string `json:"category"`
}

// Contract is the central durable object (spec.md §3), stored as a
// single JSON document and mutated via atomic replace.
type Contract struct {
	SchemaVersion string      `json:"schema_version"`
	TaskID        string      `json:"task_id"`
	Project       string      `json:"project"`
	Complexity    Complexity  `json:"complexity"`

	Status       Status `json:"status"`
	StatusReason string `json:"status_reason"`

	Attempt          int    `json:"attempt"`
	LastTransitionID string `json:"last_transition_id"`

	Timestamps    Timestamps    `json:"timestamps"`
	Git           Git           `json:"git"`
	Roles         Roles         `json:"roles"`
	Limits        Limits        `json:"limits"`
	Constraints   Constraints   `json:"constraints"`
	Specification Specification `json:"specification"`
	HandoffData   HandoffData   `json:"handoff_data"`
	Lock          Lock          `json:"lock"`
	Breaker       Breaker       `json:"breaker"`
	History       []HistoryEntry `json:"history"`

	LatestJudgeIssues []JudgeIssue `json:"-"` // populated transiently by stage drivers, not persisted
}

// NewContract builds a fresh contract in pending_implementer with
// schema_version stamped and sane zero-value breaker/limits defaults.
func NewContract(taskID, project string, complexity Complexity, now time.Time) *Contract {
	return &Contract{
		SchemaVersion: schemaVersion,
		TaskID:        taskID,
		Project:       project,
		Complexity:    complexity,
		Status:        StatusPendingImplementer,
		StatusReason:  "created",
		Attempt:       1,
		Timestamps:    Timestamps{CreatedAt: now, UpdatedAt: now},
		Breaker:       Breaker{Status: BreakerArmed},
	}
}
