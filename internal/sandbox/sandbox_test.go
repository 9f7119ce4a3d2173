package sandbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSandboxWrite(t *testing.T) {
	dir := t.TempDir()
	sb := New(dir, dir)

	good := filepath.Join(dir, "file.txt.task1.draft")
	res := sb.ValidateSandboxWrite(good)
	assert.True(t, res.Valid)

	bad := filepath.Join(dir, "..", "escape.draft")
	res = sb.ValidateSandboxWrite(bad)
	assert.False(t, res.Valid)

	wrongExt := filepath.Join(dir, "file.txt")
	res = sb.ValidateSandboxWrite(wrongExt)
	assert.False(t, res.Valid)
}

func TestValidateSourceRead_RejectsSensitiveNames(t *testing.T) {
	dir := t.TempDir()
	sb := New(filepath.Join(dir, "sandbox"), dir)

	secretFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(secretFile, []byte("SECRET=1"), 0o644))

	res := sb.ValidateSourceRead(secretFile)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reason, "sensitive")
}

func TestValidateSourceRead_AllowsOrdinaryFile(t *testing.T) {
	dir := t.TempDir()
	sb := New(filepath.Join(dir, "sandbox"), dir)

	srcFile := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(srcFile, []byte("package main\n"), 0o644))

	res := sb.ValidateSourceRead(srcFile)
	assert.True(t, res.Valid)
}

func TestSanitizeTaskID(t *testing.T) {
	assert.Equal(t, "task_123_foo", SanitizeTaskID("task-123.foo"))
}

func setupGate(t *testing.T) (*Gate, string, string) {
	t.Helper()
	workspace := t.TempDir()
	sandboxDir := filepath.Join(workspace, "_handoff", "drafts")
	require.NoError(t, os.MkdirAll(sandboxDir, 0o755))
	sb := New(sandboxDir, workspace)

	original := filepath.Join(workspace, "main.go")
	require.NoError(t, os.WriteFile(original, []byte("package main\n\nfunc main() {}\n"), 0o644))

	g := NewGate(sb, nil, nil, nil)
	return g, workspace, original
}

func writeSubmission(t *testing.T, g *Gate, taskID, originalPath, draftContent string) {
	t.Helper()
	hash, err := ComputeFileHash(originalPath)
	require.NoError(t, err)

	draftPath := g.sandbox.DraftPath(filepath.Base(originalPath), taskID)
	require.NoError(t, os.WriteFile(draftPath, []byte(draftContent), 0o644))

	sub := Submission{
		TaskID: taskID, DraftPath: draftPath, OriginalPath: originalPath,
		OriginalHash: hash, OriginalLines: 3,
	}
	data, err := json.Marshal(sub)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(g.sandbox.SubmissionPath(taskID), data, 0o644))
}

func TestHandleDraftSubmission_Accept(t *testing.T) {
	g, _, original := setupGate(t)
	writeSubmission(t, g, "task1", original, "package main\n\nfunc main() { println(\"hi\") }\n")

	res := g.HandleDraftSubmission(context.Background(), "task1")
	assert.Equal(t, DecisionAccept, res.Decision)
}

func TestHandleDraftSubmission_RejectsSecret(t *testing.T) {
	g, _, original := setupGate(t)
	writeSubmission(t, g, "task2", original, "package main\n\napi_key = \"sk-abcdefghijklmnopqrstuvwxyz\"\n")

	res := g.HandleDraftSubmission(context.Background(), "task2")
	assert.Equal(t, DecisionReject, res.Decision)
}

func TestHandleDraftSubmission_EscalatesOnConflict(t *testing.T) {
	g, _, original := setupGate(t)
	writeSubmission(t, g, "task3", original, "package main\n\nfunc main() {}\n")

	// Original changes after the draft metadata was written.
	require.NoError(t, os.WriteFile(original, []byte("package main\n\nfunc main() { /* changed */ }\n"), 0o644))

	res := g.HandleDraftSubmission(context.Background(), "task3")
	assert.Equal(t, DecisionEscalate, res.Decision)
}

func TestApply_CopiesDraftOverOriginal(t *testing.T) {
	g, _, original := setupGate(t)
	writeSubmission(t, g, "task4", original, "package main\n\nfunc main() { println(\"applied\") }\n")

	require.NoError(t, g.Apply("task4"))
	data, err := os.ReadFile(original)
	require.NoError(t, err)
	assert.Contains(t, string(data), "applied")
}
