// Package budget implements the per-session/per-day cost budget (spec.md
// §4.4): a pricing table, pre-flight affordability checks, and an
// override window that a human can open to push past the limits.
package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agenthub/kernel/internal/logging"
	"github.com/agenthub/kernel/internal/storage"
	"github.com/agenthub/kernel/internal/telemetry"
)

// CloudEscape records one fallback-to-cloud event for get_cloud_escapes.
type CloudEscape struct {
	Timestamp time.Time `json:"timestamp"`
	Model     string    `json:"model"`
	TaskType  string    `json:"task_type,omitempty"`
	CostUSD   float64   `json:"cost_usd"`
}

// State is the durable budget document, persisted atomically as a single
// JSON file (spec.md §3 "Budget state").
type State struct {
	SessionID        string        `json:"session_id"`
	SessionStart      time.Time     `json:"session_start"`
	SessionCloudCost  float64       `json:"session_cloud_cost"`
	DailyCloudCost    float64       `json:"daily_cloud_cost"`
	SessionLocalCalls int           `json:"session_local_calls"`
	SessionLocalTokens int          `json:"session_local_tokens"`
	SessionLimit      float64       `json:"session_limit"`
	DailyLimit        float64       `json:"daily_limit"`
	CurrentDate       string        `json:"current_date"` // YYYY-MM-DD
	CloudEscapes      []CloudEscape `json:"cloud_escapes"`
	OverrideActive    bool          `json:"override_active"`
	OverrideReason    string        `json:"override_reason,omitempty"`
	OverrideExpires   time.Time     `json:"override_expires,omitempty"`
}

// Manager is the budget manager. Safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	state    State
	pricing  map[string]Price
	path     string
	disabled bool // global disable flag, spec.md §4.4(a)
	tel      *telemetry.Telemetry
	log      logging.Logger
	now      func() time.Time
}

// Option configures New.
type Option func(*Manager)

// WithPricingTable overrides the default pricing table.
func WithPricingTable(table map[string]Price) Option {
	return func(m *Manager) { m.pricing = table }
}

// WithDisabled sets the global disable flag (UAS_DISABLE_BUDGET_CHECK).
func WithDisabled(disabled bool) Option {
	return func(m *Manager) { m.disabled = disabled }
}

// WithTelemetry attaches the process-wide telemetry provider, so every
// CanAfford check emits an agenthub.budget.checks count.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(m *Manager) { m.tel = tel }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New loads (or initializes) the budget state at path.
func New(path, sessionID string, sessionLimit, dailyLimit float64, log logging.Logger, opts ...Option) (*Manager, error) {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	m := &Manager{
		path:    path,
		pricing: DefaultPricingTable(),
		log:     log.WithComponent("hub/budget"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}

	if data, err := storage.ReadFileTolerant(path); err == nil {
		if err := json.Unmarshal(data, &m.state); err != nil {
			return nil, fmt.Errorf("budget: parse state: %w", err)
		}
	} else {
		m.state = State{
			SessionID:   sessionID,
			SessionStart: m.now(),
			CurrentDate:  m.now().Format("2006-01-02"),
		}
	}
	m.state.SessionLimit = sessionLimit
	m.state.DailyLimit = dailyLimit
	m.rolloverDayLocked()
	return m, nil
}

func (m *Manager) priceFor(model string) Price {
	if p, ok := m.pricing[model]; ok {
		return p
	}
	return unknownModelPrice
}

// EstimateCost returns the projected USD cost of a call (0 for local tier).
func (m *Manager) EstimateCost(model string, tokensIn, tokensOut int) float64 {
	p := m.priceFor(model)
	if p.Tier == TierLocal {
		return 0
	}
	return float64(tokensIn)/1e6*p.InputUSDPerMillion + float64(tokensOut)/1e6*p.OutputUSDPerMillion
}

// CanAfford implements spec.md §4.4's four-rule pre-flight check.
func (m *Manager) CanAfford(ctx context.Context, model string, estIn, estOut int) (bool, string) {
	ok, reason := m.canAffordLocked(model, estIn, estOut)
	if m.tel != nil {
		outcome := "fail"
		if ok {
			outcome = "pass"
		}
		m.tel.RecordBudgetCheck(ctx, outcome)
	}
	return ok, reason
}

func (m *Manager) canAffordLocked(model string, estIn, estOut int) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverDayLocked()

	if m.disabled {
		return true, "budget enforcement disabled"
	}
	if m.isOverrideActiveLocked() {
		return true, "override active: " + m.state.OverrideReason
	}
	p := m.priceFor(model)
	if p.Tier == TierLocal {
		return true, "local tier, no cost"
	}

	est := m.EstimateCost(model, estIn, estOut)
	if m.state.SessionCloudCost+est > m.state.SessionLimit {
		return false, fmt.Sprintf("session limit exceeded: %.4f + %.4f > %.4f", m.state.SessionCloudCost, est, m.state.SessionLimit)
	}
	if m.state.DailyCloudCost+est > m.state.DailyLimit {
		return false, fmt.Sprintf("daily limit exceeded: %.4f + %.4f > %.4f", m.state.DailyCloudCost, est, m.state.DailyLimit)
	}
	return true, "within budget"
}

// RecordCost applies one completed call's actual (or estimated) cost to
// the running totals.
func (m *Manager) RecordCost(model string, tokensIn, tokensOut int, taskType string, wasFallback bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverDayLocked()

	p := m.priceFor(model)
	if p.Tier == TierLocal {
		m.state.SessionLocalCalls++
		m.state.SessionLocalTokens += tokensIn + tokensOut
		return m.persistLocked()
	}

	cost := m.EstimateCost(model, tokensIn, tokensOut)
	m.state.SessionCloudCost += cost
	m.state.DailyCloudCost += cost
	if wasFallback {
		m.state.CloudEscapes = append(m.state.CloudEscapes, CloudEscape{
			Timestamp: m.now(), Model: model, TaskType: taskType, CostUSD: cost,
		})
	}
	return m.persistLocked()
}

// RequestOverride opens an override window lasting duration.
func (m *Manager) RequestOverride(reason string, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.OverrideActive = true
	m.state.OverrideReason = reason
	m.state.OverrideExpires = m.now().Add(duration)
	return m.persistLocked()
}

// ClearOverride closes the override window immediately.
func (m *Manager) ClearOverride() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.OverrideActive = false
	m.state.OverrideReason = ""
	m.state.OverrideExpires = time.Time{}
	return m.persistLocked()
}

// IsOverrideActive reports whether an override window is currently open.
func (m *Manager) IsOverrideActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isOverrideActiveLocked()
}

func (m *Manager) isOverrideActiveLocked() bool {
	if !m.state.OverrideActive {
		return false
	}
	if m.now().After(m.state.OverrideExpires) {
		m.state.OverrideActive = false
		m.state.OverrideReason = ""
		return false
	}
	return true
}

// ResetSession zeroes session counters (not daily totals) and starts a
// fresh session id.
func (m *Manager) ResetSession(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.SessionID = sessionID
	m.state.SessionStart = m.now()
	m.state.SessionCloudCost = 0
	m.state.SessionLocalCalls = 0
	m.state.SessionLocalTokens = 0
	m.state.CloudEscapes = nil
	return m.persistLocked()
}

// GetStatus returns a copy of the current state.
func (m *Manager) GetStatus() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverDayLocked()
	return m.state
}

// GetCloudEscapes returns the recorded fallback-to-cloud events.
func (m *Manager) GetCloudEscapes() []CloudEscape {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CloudEscape, len(m.state.CloudEscapes))
	copy(out, m.state.CloudEscapes)
	return out
}

// rolloverDayLocked resets daily totals when the wall-clock date has
// advanced past current_date. Caller must hold m.mu.
func (m *Manager) rolloverDayLocked() {
	today := m.now().Format("2006-01-02")
	if m.state.CurrentDate == today {
		return
	}
	m.log.Info("budget day rollover", logging.Fields{"from": m.state.CurrentDate, "to": today})
	m.state.CurrentDate = today
	m.state.DailyCloudCost = 0
}

func (m *Manager) persistLocked() error {
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("budget: marshal state: %w", err)
	}
	if err := storage.AtomicWriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("budget: persist state: %w", err)
	}
	return nil
}
