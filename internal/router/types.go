// Package router implements the model router and fallback engine
// (spec.md §4.7): named model tiers, named fallback chains by task type,
// per-model cooldowns, degraded-mode substitution, and a budget
// pre-flight check ahead of every attempt.
package router

import (
	"context"
	"errors"
	"time"
)

// ChatRequest is one inference request passed to an InferenceClient.
type ChatRequest struct {
	Model        string
	SystemPrompt string
	Prompt       string
	MaxTokens    int
	Temperature  float32
}

// ChatResponse is the result of a successful inference call.
type ChatResponse struct {
	Content      string
	Model        string
	TokensIn     int
	TokensOut    int
}

// InferenceClient is the external chat primitive the router drives
// (spec.md §4.7 step 3, "attempt the call via an external chat
// primitive"). Ollama (local tier) and Bedrock (cloud tier) each
// implement this.
type InferenceClient interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// ModelEntry is one named model in the router configuration.
type ModelEntry struct {
	ID    string
	Tier  Tier
	Limit int // allowed_fails before cooldown
	Cooldown time.Duration
}

// Tier groups models for chain construction and degraded-mode filtering.
type Tier string

const (
	TierLocal   Tier = "local"
	TierCheap   Tier = "cheap"
	TierPremium Tier = "premium"
)

// Chain is a named, ordered list of model ids tried in sequence.
type Chain struct {
	Name   string
	Models []string
}

// ErrRouterExhausted is raised when every candidate in the resolved chain
// failed the call itself (not budget) — the component breaker counts
// this as a router failure.
var ErrRouterExhausted = errors.New("router: all candidates exhausted")

// ErrBudgetExceeded is raised when every remaining candidate was skipped
// purely because of a budget refusal — treated as a recoverable stage
// failure, not a breaker-counted fault (spec.md §7 "BudgetExceeded").
var ErrBudgetExceeded = errors.New("router: all candidates skipped due to budget")
