package budget

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, clock time.Time) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "budget_state.json")
	m, err := New(path, "sess-1", 1.0, 5.0, nil, WithClock(func() time.Time { return clock }))
	require.NoError(t, err)
	return m
}

func TestCanAfford_LocalTierAlwaysOK(t *testing.T) {
	m := newTestManager(t, time.Now().UTC())
	ok, reason := m.CanAfford(context.Background(), "ollama/llama3", 100000, 100000)
	assert.True(t, ok)
	assert.Contains(t, reason, "local tier")
}

func TestCanAfford_SessionLimitExceeded(t *testing.T) {
	m := newTestManager(t, time.Now().UTC())
	// claude-opus is the priciest entry; a huge request should blow the $1 session limit.
	ok, reason := m.CanAfford(context.Background(), "bedrock/claude-opus", 1_000_000, 1_000_000)
	assert.False(t, ok)
	assert.Contains(t, reason, "session limit exceeded")
}

func TestCanAfford_OverrideBypassesLimit(t *testing.T) {
	m := newTestManager(t, time.Now().UTC())
	require.NoError(t, m.RequestOverride("manual approval", time.Hour))
	ok, _ := m.CanAfford(context.Background(), "bedrock/claude-opus", 1_000_000, 1_000_000)
	assert.True(t, ok)
}

func TestRecordCost_FallbackRecordsEscape(t *testing.T) {
	m := newTestManager(t, time.Now().UTC())
	require.NoError(t, m.RecordCost("bedrock/claude-haiku", 1000, 1000, "code", true))
	escapes := m.GetCloudEscapes()
	require.Len(t, escapes, 1)
	assert.Equal(t, "bedrock/claude-haiku", escapes[0].Model)
}

func TestRecordCost_LocalTierIncrementsCounters(t *testing.T) {
	m := newTestManager(t, time.Now().UTC())
	require.NoError(t, m.RecordCost("ollama/llama3", 500, 500, "", false))
	status := m.GetStatus()
	assert.Equal(t, 1, status.SessionLocalCalls)
	assert.Equal(t, 1000, status.SessionLocalTokens)
}

func TestDailyRollover(t *testing.T) {
	day1 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := newTestManager(t, day1)
	require.NoError(t, m.RecordCost("bedrock/claude-haiku", 1_000_000, 0, "", false))
	assert.True(t, m.GetStatus().DailyCloudCost > 0)

	day2 := day1.AddDate(0, 0, 1)
	m.now = func() time.Time { return day2 }
	status := m.GetStatus()
	assert.Equal(t, float64(0), status.DailyCloudCost)
	assert.Equal(t, "2026-01-02", status.CurrentDate)
}

func TestOverrideExpires(t *testing.T) {
	now := time.Now().UTC()
	m := newTestManager(t, now)
	require.NoError(t, m.RequestOverride("temp", time.Minute))
	assert.True(t, m.IsOverrideActive())

	m.now = func() time.Time { return now.Add(2 * time.Minute) }
	assert.False(t, m.IsOverrideActive())
}

func TestUnknownModelTreatedAsExpensiveCloud(t *testing.T) {
	m := newTestManager(t, time.Now().UTC())
	ok, reason := m.CanAfford(context.Background(), "some/unlisted-model", 1_000_000, 1_000_000)
	assert.False(t, ok)
	assert.Contains(t, reason, "session limit exceeded")
}
