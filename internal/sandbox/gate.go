package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/agenthub/kernel/internal/audit"
	"github.com/agenthub/kernel/internal/logging"
	"github.com/agenthub/kernel/internal/storage"
	"github.com/agenthub/kernel/internal/telemetry"
)

// Decision is the outcome of the draft gate (spec.md §4.8).
type Decision string

const (
	DecisionAccept   Decision = "accept"
	DecisionReject   Decision = "reject"
	DecisionEscalate Decision = "escalate"
)

// safety thresholds, spec.md §4.8 / §4.5 trigger 2 and 8.
const (
	maxDeletionRatio = 0.5
	maxLinesChanged  = 500
	maxFilesPerTask  = 20
)

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)api[_-]?key\s*=\s*["'][^"']+["']`),
	regexp.MustCompile(`(?i)password\s*=\s*["'][^"']+["']`),
	regexp.MustCompile(`(?i)secret\s*=\s*["'][^"']+["']`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`AIza[a-zA-Z0-9_-]{35}`),
}

var hardcodedPathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/Users/[a-zA-Z0-9_]+/`),
	regexp.MustCompile(`/home/[a-zA-Z0-9_]+/`),
	regexp.MustCompile(`C:\\Users\\[a-zA-Z0-9_]+\\`),
}

// SafetyAnalysis summarizes the scan performed on a draft's content.
type SafetyAnalysis struct {
	HasSecrets       bool
	HasHardcodedPaths bool
	DeletionRatio    float64
	AddedLines       int
	RemovedLines     int
	Issues           []string
}

// Result is the gate's verdict.
type Result struct {
	Decision      Decision
	Reason        string
	DiffSummary   string
	Safety        *SafetyAnalysis
	OriginalLines int // submission's pre-edit line count, set whenever DiffSummary is
}

// Submission is the metadata a worker writes alongside its draft
// (spec.md §4.8), loaded from `<task_id>.submission.json`.
type Submission struct {
	TaskID        string   `json:"task_id"`
	DraftPath     string   `json:"draft_path"`
	OriginalPath  string   `json:"original_path"`
	OriginalHash  string   `json:"original_hash"`
	OriginalLines int      `json:"original_lines"`
	DraftLines    int      `json:"draft_lines"`
	ChangeSummary string   `json:"change_summary"`
	ChangedFiles  []string `json:"changed_files,omitempty"`
}

// Gate reviews draft submissions and applies, rejects, or escalates them.
type Gate struct {
	sandbox *Sandbox
	audit   *audit.Log
	tel     *telemetry.Telemetry
	log     logging.Logger
}

// NewGate builds a draft gate over sandbox, recording every decision to
// audit. tel may be nil.
func NewGate(sb *Sandbox, al *audit.Log, tel *telemetry.Telemetry, log logging.Logger) *Gate {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Gate{sandbox: sb, audit: al, tel: tel, log: log.WithComponent("hub/gate")}
}

// LoadSubmission reads and parses the submission metadata for taskID.
func (g *Gate) LoadSubmission(taskID string) (*Submission, error) {
	path := g.sandbox.SubmissionPath(taskID)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sandbox: submission not found for %s: %w", taskID, err)
	}
	var sub Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("sandbox: parse submission %s: %w", taskID, err)
	}
	return &sub, nil
}

// HandleDraftSubmission is the gate's main entry point: it re-validates
// paths, checks for an original-file conflict, diffs, scans for safety
// issues, and returns ACCEPT, REJECT, or ESCALATE.
func (g *Gate) HandleDraftSubmission(ctx context.Context, taskID string) Result {
	sub, err := g.LoadSubmission(taskID)
	if err != nil {
		return g.reject(ctx, taskID, err.Error())
	}

	if v := g.sandbox.ValidateSandboxWrite(sub.DraftPath); !v.Valid {
		return g.reject(ctx, taskID, "invalid draft path: "+v.Reason)
	}
	if v := g.sandbox.ValidateSourceRead(sub.OriginalPath); !v.Valid {
		return g.reject(ctx, taskID, "invalid original path: "+v.Reason)
	}

	if len(sub.ChangedFiles) > maxFilesPerTask {
		return g.escalate(ctx, taskID, fmt.Sprintf("scope creep: %d files touched (threshold %d)", len(sub.ChangedFiles), maxFilesPerTask), "", sub.OriginalLines)
	}

	currentHash, err := ComputeFileHash(sub.OriginalPath)
	if err != nil {
		return g.reject(ctx, taskID, err.Error())
	}
	if currentHash != sub.OriginalHash {
		return g.escalate(ctx, taskID, "conflict detected: original file changed since draft was created",
			fmt.Sprintf("original hash %s..., current %s...", shortHash(sub.OriginalHash), shortHash(currentHash)), sub.OriginalLines)
	}

	diffText, added, removed, err := generateDiff(sub.OriginalPath, sub.DraftPath)
	if err != nil {
		return g.reject(ctx, taskID, err.Error())
	}
	diffSummary := fmt.Sprintf("+%d/-%d lines", added, removed)

	draftContent, err := os.ReadFile(sub.DraftPath)
	if err != nil {
		return g.reject(ctx, taskID, err.Error())
	}
	safety := analyzeSafety(string(draftContent), added, removed, sub.OriginalLines)
	_ = diffText

	if safety.HasSecrets {
		return g.reject(ctx, taskID, "draft contains potential secrets - manual review required")
	}
	if safety.HasHardcodedPaths {
		return g.reject(ctx, taskID, "draft contains hardcoded user paths - use relative paths")
	}
	if safety.DeletionRatio > maxDeletionRatio {
		return g.escalate(ctx, taskID, fmt.Sprintf("destructive change: %.1f%% of file deleted", safety.DeletionRatio*100), diffSummary, sub.OriginalLines)
	}
	if added+removed > maxLinesChanged {
		return g.escalate(ctx, taskID, fmt.Sprintf("large change: %d lines modified (threshold %d)", added+removed, maxLinesChanged), diffSummary, sub.OriginalLines)
	}

	g.logEvent(audit.EventDraftSubmitted, taskID, map[string]interface{}{"decision": "accept", "diff": diffSummary})
	g.recordDecision(ctx, "accept")
	return Result{Decision: DecisionAccept, Reason: "all checks passed", DiffSummary: diffSummary, Safety: &safety, OriginalLines: sub.OriginalLines}
}

// Apply copies an accepted draft over its original via tmp-then-rename.
func (g *Gate) Apply(taskID string) error {
	sub, err := g.LoadSubmission(taskID)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(sub.DraftPath)
	if err != nil {
		return fmt.Errorf("sandbox: read draft %s: %w", sub.DraftPath, err)
	}
	info, err := os.Stat(sub.OriginalPath)
	perm := os.FileMode(0o644)
	if err == nil {
		perm = info.Mode()
	}
	if err := storage.AtomicWriteFile(sub.OriginalPath, data, perm); err != nil {
		return fmt.Errorf("sandbox: apply draft: %w", err)
	}
	g.logEvent(audit.EventDraftApplied, taskID, map[string]interface{}{"original_path": sub.OriginalPath})
	g.sandbox.CleanupTaskDrafts(taskID)
	return nil
}

// Reject discards a draft's files and records the reason.
func (g *Gate) Reject(taskID, reason string) {
	g.logEvent(audit.EventDraftRejected, taskID, map[string]interface{}{"reason": reason})
	g.sandbox.CleanupTaskDrafts(taskID)
}

// Escalate leaves the draft files in place for human review and records
// the reason.
func (g *Gate) Escalate(taskID, reason string) {
	g.logEvent(audit.EventDraftEscalated, taskID, map[string]interface{}{"reason": reason})
}

func (g *Gate) reject(ctx context.Context, taskID, reason string) Result {
	g.Reject(taskID, reason)
	g.recordDecision(ctx, "reject")
	return Result{Decision: DecisionReject, Reason: reason}
}

func (g *Gate) escalate(ctx context.Context, taskID, reason, diffSummary string, originalLines int) Result {
	g.Escalate(taskID, reason)
	g.recordDecision(ctx, "escalate")
	return Result{Decision: DecisionEscalate, Reason: reason, DiffSummary: diffSummary, OriginalLines: originalLines}
}

func (g *Gate) recordDecision(ctx context.Context, decision string) {
	if g.tel != nil {
		g.tel.RecordGateDecision(ctx, decision)
	}
}

func (g *Gate) logEvent(eventType audit.EventType, taskID string, data map[string]interface{}) {
	if g.audit == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["task_id"] = taskID
	if err := g.audit.Log(eventType, "gate", data, taskID); err != nil {
		g.log.Error("audit log failed", logging.Fields{"error": err.Error()})
	}
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

// generateDiff produces a minimal unified-style diff between original
// and draft and counts added/removed lines, standing in for Python's
// difflib.unified_diff with a line-level LCS-free comparison (sufficient
// for the gate's added/removed counters; it does not need to reconstruct
// a human-navigable patch).
func generateDiff(originalPath, draftPath string) (string, int, int, error) {
	orig, err := os.ReadFile(originalPath)
	if err != nil {
		return "", 0, 0, fmt.Errorf("sandbox: read original: %w", err)
	}
	draft, err := os.ReadFile(draftPath)
	if err != nil {
		return "", 0, 0, fmt.Errorf("sandbox: read draft: %w", err)
	}

	origLines := splitLines(string(orig))
	draftLines := splitLines(string(draft))

	origSet := map[string]int{}
	for _, l := range origLines {
		origSet[l]++
	}
	draftSet := map[string]int{}
	for _, l := range draftLines {
		draftSet[l]++
	}

	removed := 0
	for _, l := range origLines {
		if draftSet[l] > 0 {
			draftSet[l]--
		} else {
			removed++
		}
	}
	added := 0
	for _, l := range draftLines {
		if origSet[l] > 0 {
			origSet[l]--
		} else {
			added++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", originalPath, draftPath)
	b.WriteString(fmt.Sprintf("(%d lines added, %d lines removed)\n", added, removed))
	return b.String(), added, removed, nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func analyzeSafety(draftContent string, added, removed, originalLines int) SafetyAnalysis {
	var issues []string

	hasSecrets := false
	for _, p := range secretPatterns {
		if p.MatchString(draftContent) {
			hasSecrets = true
			issues = append(issues, "potential secret detected")
			break
		}
	}

	hasHardcoded := false
	for _, p := range hardcodedPathPatterns {
		if p.MatchString(draftContent) {
			hasHardcoded = true
			issues = append(issues, "hardcoded path detected")
			break
		}
	}

	var deletionRatio float64
	if originalLines > 0 {
		deletionRatio = float64(removed) / float64(originalLines)
	}
	if deletionRatio > maxDeletionRatio {
		issues = append(issues, fmt.Sprintf("high deletion ratio: %.1f%% of file removed", deletionRatio*100))
	}

	return SafetyAnalysis{
		HasSecrets:        hasSecrets,
		HasHardcodedPaths: hasHardcoded,
		DeletionRatio:     deletionRatio,
		AddedLines:        added,
		RemovedLines:      removed,
		Issues:            issues,
	}
}
