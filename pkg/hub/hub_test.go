package hub

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/kernel/internal/bus"
	hubconfig "github.com/agenthub/kernel/internal/config"
)

func testConfig(t *testing.T) *hubconfig.Config {
	t.Helper()
	dir := t.TempDir()
	return &hubconfig.Config{
		WorkspaceRoot:      dir,
		SQLiteBus:          true,
		AdaptivePoll:       false,
		SessionBudgetUSD:   1.00,
		DailyBudgetUSD:     5.00,
		RouterFailureLimit: 5,
		SQLiteFailureLimit: 3,
		OllamaFailureLimit: 3,
		OllamaBaseURL:      "http://127.0.0.1:1",
		HealthCheckTimeout: 50 * time.Millisecond,
		HaltFile:           filepath.Join(dir, "ERIK_HALT.md"),
		StageShell:         "bash",
		StageShellArg:      "-c",
	}
}

func TestNew_WiresEveryComponent(t *testing.T) {
	cfg := testConfig(t)
	h, err := New(context.Background(), cfg, "agenthub-test")
	require.NoError(t, err)
	t.Cleanup(func() { h.Close(context.Background()) })

	assert.NotNil(t, h.Audit)
	assert.NotNil(t, h.Breaker)
	assert.NotNil(t, h.Budget)
	assert.NotNil(t, h.Bus)
	assert.NotNil(t, h.Degradation)
	assert.NotNil(t, h.Router)
	assert.NotNil(t, h.Sandbox)
	assert.NotNil(t, h.Gate)
	assert.NotNil(t, h.Git)
	assert.NotNil(t, h.Supervisor)
	assert.NotNil(t, h.Tools)
	assert.NotNil(t, h.Telemetry)
}

func TestNew_BusSelectionHonorsSQLiteFlag(t *testing.T) {
	cfg := testConfig(t)
	cfg.SQLiteBus = true
	h, err := New(context.Background(), cfg, "agenthub-test")
	require.NoError(t, err)
	t.Cleanup(func() { h.Close(context.Background()) })

	_, isSQLBus := h.Bus.(*bus.SQLBus)
	assert.True(t, isSQLBus)
}

func TestNew_DryRunSelectsFileBus(t *testing.T) {
	cfg := testConfig(t)
	cfg.SQLiteBus = true
	cfg.DryRun = true
	h, err := New(context.Background(), cfg, "agenthub-test")
	require.NoError(t, err)
	t.Cleanup(func() { h.Close(context.Background()) })

	_, isFileBus := h.Bus.(*bus.FileBus)
	assert.True(t, isFileBus)
}

func TestClose_ReturnsNoError(t *testing.T) {
	cfg := testConfig(t)
	h, err := New(context.Background(), cfg, "agenthub-test")
	require.NoError(t, err)
	require.NoError(t, h.Close(context.Background()))
}
