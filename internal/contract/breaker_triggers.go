package contract

import (
	"fmt"
	"strings"
	"time"
)

// styleKeywords classifies a judge issue as purely cosmetic for the
// "GPT-energy nitpicking" trigger (spec.md §4.5 trigger 5).
var styleKeywords = []string{"style", "formatting", "indentation", "spacing", "naming", "whitespace"}

func isStyleIssue(category string) bool {
	lower := strings.ToLower(category)
	for _, kw := range styleKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// TriggerResult names the trigger that fired and its reason, or
// Triggered=false if none fired.
type TriggerResult struct {
	Triggered bool
	Name      string
	Reason    string
}

// EvaluateTriggers runs the ten task-layer triggers in numeric order;
// first match wins (spec.md §4.5 task layer). Called whenever a contract
// is about to be persisted.
func EvaluateTriggers(c *Contract, now time.Time) TriggerResult {
	if c.Breaker.RebuttalCount > c.Limits.MaxRebuttals {
		return trig("rebuttal_count_exceeded", fmt.Sprintf("rebuttal_count %d > max_rebuttals %d", c.Breaker.RebuttalCount, c.Limits.MaxRebuttals))
	}

	if r := destructiveDiffRatio(c); r > 0.5 {
		return trig("destructive_diff", fmt.Sprintf("%.1f%% of file deleted", r*100))
	}

	if !c.HandoffData.LocalReviewPassed && lastVerdict(c.History) == "PASS" {
		return trig("logical_paradox", "local_review_passed=false but judge_verdict=PASS")
	}

	if hashSeenWithVerdict(c.History, c.HandoffData.CurrentFileHash, "FAIL") {
		return trig("hallucination_loop", fmt.Sprintf("file hash %s previously failed review", c.HandoffData.CurrentFileHash))
	}

	if c.Breaker.ReviewCycleCount >= 3 && allIssuesAreStyle(c.LatestJudgeIssues) {
		return trig("nitpicking", fmt.Sprintf("review_cycle_count %d, all issues style-class", c.Breaker.ReviewCycleCount))
	}

	if now.After(c.Timestamps.UpdatedAt.Add(2 * c.Limits.MaxRoleTimeout())) {
		return trig("inactivity", fmt.Sprintf("no update since %s (2x max role timeout)", c.Timestamps.UpdatedAt))
	}

	if c.Breaker.CostUSD > c.Limits.CostCeilingUSD {
		return trig("budget", fmt.Sprintf("cost_usd %.4f > cost_ceiling_usd %.4f", c.Breaker.CostUSD, c.Limits.CostCeilingUSD))
	}

	if len(c.HandoffData.ChangedFiles) > 20 {
		return trig("scope_creep", fmt.Sprintf("%d changed files > 20", len(c.HandoffData.ChangedFiles)))
	}

	if c.Breaker.ReviewCycleCount > c.Limits.MaxReviewCycles {
		return trig("review_cycles_exceeded", fmt.Sprintf("review_cycle_count %d > max_review_cycles %d", c.Breaker.ReviewCycleCount, c.Limits.MaxReviewCycles))
	}

	if now.After(c.Timestamps.CreatedAt.Add(4 * time.Hour)) {
		return trig("global_timeout", "task exceeded 4h global timeout")
	}

	return TriggerResult{}
}

func trig(name, reason string) TriggerResult {
	return TriggerResult{Triggered: true, Name: name, Reason: reason}
}

// destructiveDiffRatio implements trigger 2's formula exactly
// (lines_deleted / (current_file_lines + lines_deleted)). The draft gate
// stamps both HandoffData.DiffSummary and HandoffData.CurrentFileLines
// (the submission's exact pre-edit line count) at draft-submission time,
// so this reads real values rather than approximating the denominator
// from the diff text. Absent DiffSummary (no draft submitted yet) yields
// 0 (no trigger).
func destructiveDiffRatio(c *Contract) float64 {
	removed, ok := parseRemovedLines(c.HandoffData.DiffSummary)
	if !ok {
		return 0
	}
	currentLines := c.HandoffData.CurrentFileLines
	if currentLines+removed == 0 {
		return 0
	}
	return float64(removed) / float64(currentLines+removed)
}

func parseRemovedLines(summary string) (removed int, ok bool) {
	// The draft gate stamps DiffSummary as "+A/-R lines"; parse R.
	var added int
	n, err := fmt.Sscanf(summary, "+%d/-%d lines", &added, &removed)
	if err != nil || n != 2 {
		return 0, false
	}
	return removed, true
}

func lastVerdict(history []HistoryEntry) string {
	if len(history) == 0 {
		return ""
	}
	return history[len(history)-1].Verdict
}

func hashSeenWithVerdict(history []HistoryEntry, hash, verdict string) bool {
	if hash == "" {
		return false
	}
	for _, h := range history {
		if h.FileHash == hash && h.Verdict == verdict {
			return true
		}
	}
	return false
}

func allIssuesAreStyle(issues []JudgeIssue) bool {
	if len(issues) == 0 {
		return false
	}
	for _, issue := range issues {
		if !isStyleIssue(issue.Category) {
			return false
		}
	}
	return true
}
