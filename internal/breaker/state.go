// Package breaker implements the two circuit-breaker layers of spec.md
// §4.5: a component layer that counts consecutive failures for the
// router, message bus, and local-inference endpoint, and a halt
// sentinel file that — once written — forbids every further automated
// transition process-wide until a human calls Reset.
//
// The task layer (the ten per-contract triggers) is evaluated by the
// contract package directly, since it needs full TaskContract fields;
// it reuses this package only for the halt-file primitive, keeping the
// dependency one-directional (contract -> breaker, never the reverse).
package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/agenthub/kernel/internal/logging"
	"github.com/agenthub/kernel/internal/storage"
	"github.com/agenthub/kernel/internal/telemetry"
)

// State is the durable circuit-breaker snapshot (spec.md §3), persisted
// atomically as a single JSON document.
type State struct {
	RouterFailures  int       `json:"router_failures"`
	BusFailures     int       `json:"sqlite_failures"`
	OllamaFailures  int       `json:"ollama_failures"`
	LastOllamaCheck time.Time `json:"last_ollama_check"`
	IsHalted        bool      `json:"is_halted"`
	HaltReason      string    `json:"halt_reason,omitempty"`
}

// Thresholds configures when each component layer trips.
type Thresholds struct {
	Router int
	Bus    int
	Ollama int
}

// DefaultThresholds mirrors the spec.md §6 defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{Router: 5, Bus: 3, Ollama: 3}
}

// ComponentBreaker tracks per-component consecutive failure counts and
// owns the global halt file. Router and bus breaches halt the process;
// an ollama (local-inference) breach instead flips degraded mode, which
// is handled by the degradation package — this type only exposes the
// counter and lets that caller decide what a breach means for it.
type ComponentBreaker struct {
	mu         sync.Mutex
	state      State
	thresholds Thresholds
	statePath  string
	haltPath   string
	tel        *telemetry.Telemetry
	log        logging.Logger

	onHalt func(component, reason string)
}

// NewComponentBreaker loads (or initializes) breaker state from
// statePath. haltPath is the sentinel file path (UAS_HALT_FILE, default
// ERIK_HALT.md). tel may be nil (tests construct breakers without a
// telemetry provider).
func NewComponentBreaker(statePath, haltPath string, th Thresholds, tel *telemetry.Telemetry, log logging.Logger) (*ComponentBreaker, error) {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	cb := &ComponentBreaker{
		thresholds: th,
		statePath:  statePath,
		haltPath:   haltPath,
		tel:        tel,
		log:        log.WithComponent("hub/breaker"),
	}
	if data, err := storage.ReadFileTolerant(statePath); err == nil {
		if err := json.Unmarshal(data, &cb.state); err != nil {
			return nil, fmt.Errorf("breaker: parse state: %w", err)
		}
	}
	if _, err := os.Stat(haltPath); err == nil {
		cb.state.IsHalted = true
	}
	return cb, nil
}

// OnHalt registers a callback invoked synchronously the moment this
// breaker trips (used by the pipeline supervisor to stop accepting new
// work immediately, without polling the halt file).
func (cb *ComponentBreaker) OnHalt(fn func(component, reason string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onHalt = fn
}

// IsHalted reports whether the breaker (or the halt file) is tripped. A
// true result also counts as a rejection for telemetry, since every
// caller treats IsHalted()==true as "refuse this call".
func (cb *ComponentBreaker) IsHalted() bool {
	cb.mu.Lock()
	halted := cb.state.IsHalted
	if !halted {
		if _, err := os.Stat(cb.haltPath); err == nil {
			halted = true
		}
	}
	cb.mu.Unlock()
	if halted {
		cb.recordRejection("global")
	}
	return halted
}

// RecordSuccess resets the named component's consecutive-failure
// counter.
func (cb *ComponentBreaker) RecordSuccess(component string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch component {
	case "router":
		cb.state.RouterFailures = 0
	case "bus":
		cb.state.BusFailures = 0
	case "ollama":
		cb.state.OllamaFailures = 0
		cb.state.LastOllamaCheck = time.Now().UTC()
	}
	cb.persist()
	cb.recordState(component, false)
}

// RecordFailure increments the named component's counter and, for
// router/bus, halts the process once the threshold is reached. It
// returns true if this call caused a halt.
func (cb *ComponentBreaker) RecordFailure(component string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var count, threshold int
	switch component {
	case "router":
		cb.state.RouterFailures++
		count, threshold = cb.state.RouterFailures, cb.thresholds.Router
	case "bus":
		cb.state.BusFailures++
		count, threshold = cb.state.BusFailures, cb.thresholds.Bus
	case "ollama":
		cb.state.OllamaFailures++
		cb.state.LastOllamaCheck = time.Now().UTC()
		count, threshold = cb.state.OllamaFailures, cb.thresholds.Ollama
	default:
		cb.persist()
		return false
	}

	tripped := count >= threshold
	cb.recordState(component, tripped)

	halted := false
	// The ollama counter governs degraded mode, not a process halt — the
	// caller (degradation package) decides what to do at threshold.
	if component != "ollama" && tripped && !cb.state.IsHalted {
		reason := fmt.Sprintf("%s failed %d consecutive times (threshold %d)", component, count, threshold)
		cb.state.IsHalted = true
		cb.state.HaltReason = reason
		cb.writeHaltFile(component, reason, count, threshold)
		cb.log.Error("component breaker tripped, halting", logging.Fields{
			"component": component, "count": count, "threshold": threshold,
		})
		halted = true
		if cb.onHalt != nil {
			cb.onHalt(component, reason)
		}
	}
	cb.persist()
	return halted
}

func (cb *ComponentBreaker) recordState(component string, tripped bool) {
	if cb.tel != nil {
		cb.tel.RecordBreakerState(context.Background(), component, tripped)
	}
}

func (cb *ComponentBreaker) recordRejection(component string) {
	if cb.tel != nil {
		cb.tel.RecordBreakerRejection(context.Background(), component)
	}
}

// OllamaFailureCount returns the current consecutive-failure count for
// the local-inference endpoint, used by the degradation manager to
// decide when to enter Low-Power Mode.
func (cb *ComponentBreaker) OllamaFailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.OllamaFailures
}

// Reset clears all counters and the halt flag, and removes the halt
// sentinel file. This is the only way out of a halt (spec.md §7).
func (cb *ComponentBreaker) Reset() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = State{}
	if err := os.Remove(cb.haltPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("breaker: remove halt file: %w", err)
	}
	cb.persist()
	return nil
}

// Snapshot returns a copy of the current state.
func (cb *ComponentBreaker) Snapshot() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *ComponentBreaker) persist() {
	data, err := json.MarshalIndent(cb.state, "", "  ")
	if err != nil {
		cb.log.Error("marshal breaker state failed", logging.Fields{"error": err.Error()})
		return
	}
	if err := storage.AtomicWriteFile(cb.statePath, data, 0o644); err != nil {
		cb.log.Error("persist breaker state failed", logging.Fields{"error": err.Error()})
	}
}

func (cb *ComponentBreaker) writeHaltFile(component, reason string, count, threshold int) {
	WriteHaltFile(cb.haltPath, HaltInfo{
		Reason: reason,
		Details: map[string]string{
			"component": component,
			"count":     fmt.Sprintf("%d", count),
			"threshold": fmt.Sprintf("%d", threshold),
		},
		Resolution: []string{
			"Investigate the failing component's logs.",
			"Once resolved, call the breaker's Reset() tool method or delete the halt file and restart.",
		},
	})
}
