// Package sandbox implements the sole write entry point for workers
// (spec.md §4.8): path validation for drafts and submissions, SHA-256
// conflict detection, added/removed line counts with a content safety scan, and the gate
// decision that accepts, rejects, or escalates a submitted draft.
package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ValidationResult is the outcome of a path validation check.
type ValidationResult struct {
	Valid        bool
	Reason       string
	ResolvedPath string
}

var sensitivePatterns = []string{".env", "credentials", "secret", ".key", ".pem"}

// Sandbox owns the single on-disk directory workers may write to.
type Sandbox struct {
	dir           string
	workspaceRoot string
}

// New builds a Sandbox rooted at dir, validating reads against
// workspaceRoot.
func New(dir, workspaceRoot string) *Sandbox {
	return &Sandbox{dir: dir, workspaceRoot: workspaceRoot}
}

// EnsureExists creates the sandbox directory if missing.
func (s *Sandbox) EnsureExists() error {
	return os.MkdirAll(s.dir, 0o755)
}

// SanitizeTaskID keeps only [A-Za-z0-9_], matching the sole naming
// convention drafts and submissions rely on.
func SanitizeTaskID(taskID string) string {
	var b strings.Builder
	for _, r := range taskID {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// DraftPath returns the sandbox path a worker must write a draft of
// sourceBasename for taskID to.
func (s *Sandbox) DraftPath(sourceBasename, taskID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.%s.draft", sourceBasename, SanitizeTaskID(taskID)))
}

// SubmissionPath returns the sandbox path for taskID's submission metadata.
func (s *Sandbox) SubmissionPath(taskID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.submission.json", SanitizeTaskID(taskID)))
}

// ValidateSandboxWrite is the ONLY check that clears a path for a worker
// write: it must resolve inside the sandbox directory, contain no `..`
// traversal segment, and end in `.draft` or `.submission.json`.
func (s *Sandbox) ValidateSandboxWrite(path string) ValidationResult {
	if strings.Contains(path, "..") {
		return ValidationResult{Valid: false, Reason: "path traversal not allowed"}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return ValidationResult{Valid: false, Reason: fmt.Sprintf("validation error: %v", err)}
	}
	sandboxAbs, err := filepath.Abs(s.dir)
	if err != nil {
		return ValidationResult{Valid: false, Reason: fmt.Sprintf("validation error: %v", err)}
	}
	rel, err := filepath.Rel(sandboxAbs, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ValidationResult{Valid: false, Reason: fmt.Sprintf("path outside sandbox: %s", abs)}
	}

	if !strings.HasSuffix(abs, ".draft") && !strings.HasSuffix(abs, ".submission.json") {
		return ValidationResult{Valid: false, Reason: fmt.Sprintf("invalid extension: %s", filepath.Ext(abs))}
	}

	return ValidationResult{Valid: true, Reason: "OK", ResolvedPath: abs}
}

// ValidateSourceRead checks a file is safe for a worker to read as the
// basis of a draft: inside the workspace, an existing regular file, and
// not matching a sensitive-name pattern.
func (s *Sandbox) ValidateSourceRead(path string) ValidationResult {
	abs, err := filepath.Abs(path)
	if err != nil {
		return ValidationResult{Valid: false, Reason: fmt.Sprintf("validation error: %v", err)}
	}
	workspaceAbs, err := filepath.Abs(s.workspaceRoot)
	if err != nil {
		return ValidationResult{Valid: false, Reason: fmt.Sprintf("validation error: %v", err)}
	}
	rel, err := filepath.Rel(workspaceAbs, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ValidationResult{Valid: false, Reason: fmt.Sprintf("path outside workspace: %s", abs)}
	}

	info, err := os.Stat(abs)
	if err != nil {
		return ValidationResult{Valid: false, Reason: fmt.Sprintf("file not found: %s", abs)}
	}
	if !info.Mode().IsRegular() {
		return ValidationResult{Valid: false, Reason: fmt.Sprintf("not a file: %s", abs)}
	}

	name := strings.ToLower(filepath.Base(abs))
	for _, pattern := range sensitivePatterns {
		if strings.Contains(name, pattern) {
			return ValidationResult{Valid: false, Reason: fmt.Sprintf("cannot draft sensitive file: %s", filepath.Base(abs))}
		}
	}

	return ValidationResult{Valid: true, Reason: "OK", ResolvedPath: abs}
}

// ComputeFileHash returns the hex SHA-256 digest of path, used for
// original-file conflict detection between draft creation and submission.
func ComputeFileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("sandbox: open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("sandbox: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CleanupTaskDrafts removes every draft/submission file for taskID and
// returns the count removed.
func (s *Sandbox) CleanupTaskDrafts(taskID string) int {
	safe := SanitizeTaskID(taskID)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	count := 0
	marker := "." + safe + "."
	submissionName := safe + ".submission.json"
	for _, e := range entries {
		name := e.Name()
		if strings.Contains(name, marker) || name == submissionName {
			if err := os.Remove(filepath.Join(s.dir, name)); err == nil {
				count++
			}
		}
	}
	return count
}
