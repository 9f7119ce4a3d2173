package degradation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/kernel/internal/breaker"
	"github.com/agenthub/kernel/internal/logging"
)

func newBreaker(t *testing.T) *breaker.ComponentBreaker {
	t.Helper()
	dir := t.TempDir()
	cb, err := breaker.NewComponentBreaker(
		filepath.Join(dir, "breaker_state.json"),
		filepath.Join(dir, "HALT.md"),
		breaker.DefaultThresholds(),
		nil,
		logging.NoOpLogger{},
	)
	require.NoError(t, err)
	return cb
}

func TestIsHealthy_ServerUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New(srv.URL, filepath.Join(t.TempDir(), "LOW_POWER_MODE.txt"), "bedrock/claude-haiku", time.Second, newBreaker(t), nil, nil)
	assert.True(t, m.IsHealthy(context.Background()))
	assert.False(t, m.IsDegraded())
}

func TestIsHealthy_TwoFailuresEntersLowPowerMode(t *testing.T) {
	notif := filepath.Join(t.TempDir(), "LOW_POWER_MODE.txt")
	m := New("http://127.0.0.1:1", notif, "bedrock/claude-haiku", 50*time.Millisecond, newBreaker(t), nil, nil)

	assert.False(t, m.IsHealthy(context.Background()))
	assert.False(t, m.IsDegraded())

	m.lastCheck = time.Time{} // force re-probe, bypass 30s cache
	assert.False(t, m.IsHealthy(context.Background()))
	assert.True(t, m.IsDegraded())
}

func TestGetBestAvailableModel_RewritesWhenDegraded(t *testing.T) {
	m := New("http://127.0.0.1:1", filepath.Join(t.TempDir(), "LOW_POWER_MODE.txt"), "bedrock/claude-haiku", 50*time.Millisecond, newBreaker(t), nil, nil)
	m.degraded = true
	assert.Equal(t, "bedrock/claude-haiku", m.GetBestAvailableModel("ollama/llama3"))

	m.degraded = false
	assert.Equal(t, "ollama/llama3", m.GetBestAvailableModel("ollama/llama3"))
}

func TestRecovery_RemovesNotificationFile(t *testing.T) {
	notif := filepath.Join(t.TempDir(), "LOW_POWER_MODE.txt")
	m := New("http://127.0.0.1:1", notif, "bedrock/claude-haiku", 50*time.Millisecond, newBreaker(t), nil, nil)
	m.IsHealthy(context.Background())
	m.lastCheck = time.Time{}
	m.IsHealthy(context.Background())
	require.True(t, m.IsDegraded())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	m.baseURL = srv.URL
	m.lastCheck = time.Time{}
	assert.True(t, m.IsHealthy(context.Background()))
	assert.False(t, m.IsDegraded())
}
