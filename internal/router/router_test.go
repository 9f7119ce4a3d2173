package router

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/kernel/internal/audit"
	"github.com/agenthub/kernel/internal/breaker"
	"github.com/agenthub/kernel/internal/budget"
	"github.com/agenthub/kernel/internal/logging"
)

type fakeClient struct {
	fail    map[string]bool
	calls   []string
}

func (f *fakeClient) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	f.calls = append(f.calls, req.Model)
	if f.fail[req.Model] {
		return ChatResponse{}, errors.New("simulated failure")
	}
	return ChatResponse{Content: "ok", Model: req.Model, TokensIn: 10, TokensOut: 10}, nil
}

func newTestDeps(t *testing.T) (*budget.Manager, *breaker.ComponentBreaker, *audit.Log) {
	t.Helper()
	dir := t.TempDir()
	b, err := budget.New(filepath.Join(dir, "budget.json"), "sess", 10, 50, logging.NoOpLogger{})
	require.NoError(t, err)
	cb, err := breaker.NewComponentBreaker(filepath.Join(dir, "breaker.json"), filepath.Join(dir, "HALT.md"), breaker.DefaultThresholds(), nil, logging.NoOpLogger{})
	require.NoError(t, err)
	al, err := audit.New(filepath.Join(dir, "audit.ndjson"), "sess")
	require.NoError(t, err)
	return b, cb, al
}

func TestRoute_FirstCandidateSucceeds(t *testing.T) {
	b, cb, al := newTestDeps(t)
	cfg := DefaultConfig()
	local := &fakeClient{fail: map[string]bool{}}
	cloud := &fakeClient{fail: map[string]bool{}}
	r := New(cfg, map[Tier]InferenceClient{TierLocal: local, TierCheap: cloud, TierPremium: cloud}, b, nil, cb, al, nil, nil)

	resp, err := r.Route(context.Background(), "default", "", ChatRequest{Prompt: "hi"}, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "ollama/llama3", resp.Model)
}

func TestRoute_FallbackOnFailure(t *testing.T) {
	b, cb, al := newTestDeps(t)
	cfg := DefaultConfig()
	local := &fakeClient{fail: map[string]bool{"ollama/llama3": true}}
	cloud := &fakeClient{fail: map[string]bool{}}
	r := New(cfg, map[Tier]InferenceClient{TierLocal: local, TierCheap: cloud, TierPremium: cloud}, b, nil, cb, al, nil, nil)

	resp, err := r.Route(context.Background(), "default", "", ChatRequest{Prompt: "hi"}, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "bedrock/claude-haiku", resp.Model)

	summary := al.GetSessionSummary()
	assert.Equal(t, 1, summary.Counts[audit.EventModelCallFallback])
}

func TestRoute_AllFailRouterExhausted(t *testing.T) {
	b, cb, al := newTestDeps(t)
	cfg := DefaultConfig()
	fail := &fakeClient{fail: map[string]bool{"ollama/llama3": true, "bedrock/claude-haiku": true, "bedrock/claude-sonnet": true}}
	r := New(cfg, map[Tier]InferenceClient{TierLocal: fail, TierCheap: fail, TierPremium: fail}, b, nil, cb, al, nil, nil)

	_, err := r.Route(context.Background(), "default", "", ChatRequest{Prompt: "hi"}, "run-1")
	assert.ErrorIs(t, err, ErrRouterExhausted)
}

func TestRoute_BudgetExhaustedWhenAllCloudSkipped(t *testing.T) {
	dir := t.TempDir()
	b, err := budget.New(filepath.Join(dir, "budget.json"), "sess", 0, 0, logging.NoOpLogger{})
	require.NoError(t, err)
	cb, err := breaker.NewComponentBreaker(filepath.Join(dir, "breaker.json"), filepath.Join(dir, "HALT.md"), breaker.DefaultThresholds(), nil, logging.NoOpLogger{})
	require.NoError(t, err)
	al, err := audit.New(filepath.Join(dir, "audit.ndjson"), "sess")
	require.NoError(t, err)

	cfg := Config{
		Models: map[string]ModelEntry{
			"bedrock/claude-haiku": {ID: "bedrock/claude-haiku", Tier: TierCheap, Limit: 2, Cooldown: time.Minute},
		},
		Chains: map[string]Chain{"default": {Name: "default", Models: []string{"bedrock/claude-haiku"}}},
	}
	cloud := &fakeClient{fail: map[string]bool{}}
	r := New(cfg, map[Tier]InferenceClient{TierCheap: cloud}, b, nil, cb, al, nil, nil)

	_, err = r.Route(context.Background(), "default", "", ChatRequest{Prompt: "hi", MaxTokens: 1000}, "run-1")
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Empty(t, cloud.calls)
}
