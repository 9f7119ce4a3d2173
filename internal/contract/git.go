package contract

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// GitManager runs the handful of git operations the state machine needs
// for checkpoint commits and task-branch merges.
type GitManager struct {
	repoRoot string
	dryRun   bool
}

// NewGitManager builds a manager rooted at repoRoot.
func NewGitManager(repoRoot string, dryRun bool) *GitManager {
	return &GitManager{repoRoot: repoRoot, dryRun: dryRun}
}

// ErrMergeConflict signals a merge that left conflict markers, which the
// caller treats as a component-breaker-counted halt.
var ErrMergeConflict = fmt.Errorf("contract: merge conflict")

var mutatingGitCmds = map[string]bool{
	"add": true, "commit": true, "merge": true, "checkout": true, "branch": true, "clean": true, "reset": true,
}

func (g *GitManager) run(ctx context.Context, args ...string) (string, error) {
	if g.dryRun && len(args) > 0 && mutatingGitCmds[args[0]] {
		return "", nil
	}
	runCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "git", args...)
	cmd.Dir = g.repoRoot
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w (stderr: %s)", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

// Checkpoint stages all changes and commits with the checkpoint message
// format spec.md §4.9 requires.
func (g *GitManager) Checkpoint(ctx context.Context, taskID string, status Status, event Event) error {
	if _, err := g.run(ctx, "add", "-A"); err != nil {
		return err
	}
	msg := fmt.Sprintf("[TASK: %s] Transition: %s (Event: %s)", taskID, status, event)
	if _, err := g.run(ctx, "commit", "-m", msg, "--allow-empty"); err != nil {
		return err
	}
	return nil
}

// MergeTaskBranch merges taskBranch into baseBranch. A conflict returns
// ErrMergeConflict.
func (g *GitManager) MergeTaskBranch(ctx context.Context, taskBranch, baseBranch string) error {
	if _, err := g.run(ctx, "checkout", baseBranch); err != nil {
		return err
	}
	if _, err := g.run(ctx, "merge", "--no-ff", taskBranch); err != nil {
		if strings.Contains(err.Error(), "conflict") || strings.Contains(err.Error(), "CONFLICT") {
			g.run(ctx, "merge", "--abort")
			return ErrMergeConflict
		}
		return err
	}
	return nil
}

// CreateTaskBranch creates and switches to task/<task_id> off baseBranch.
func (g *GitManager) CreateTaskBranch(ctx context.Context, taskID, baseBranch string) (string, error) {
	branch := "task/" + taskID
	if _, err := g.run(ctx, "checkout", "-b", branch, baseBranch); err != nil {
		return "", err
	}
	return branch, nil
}
