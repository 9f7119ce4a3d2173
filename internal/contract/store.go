package contract

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agenthub/kernel/internal/audit"
	"github.com/agenthub/kernel/internal/breaker"
	"github.com/agenthub/kernel/internal/logging"
	"github.com/agenthub/kernel/internal/storage"
	"github.com/agenthub/kernel/internal/telemetry"
)

// Store owns a single task contract's on-disk document: load, mutate via
// Transition, evaluate the task-layer breaker, checkpoint, and persist
// atomically.
type Store struct {
	path    string
	git     *GitManager
	audit   *audit.Log
	halt    *breaker.ComponentBreaker // only used for its halt-file writer
	haltPath string
	tel     *telemetry.Telemetry
	log     logging.Logger
}

// NewStore opens (or prepares to create) the contract document at path.
// tel may be nil (tests construct stores without a telemetry provider).
func NewStore(path, haltPath string, git *GitManager, al *audit.Log, cb *breaker.ComponentBreaker, tel *telemetry.Telemetry, log logging.Logger) *Store {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Store{path: path, git: git, audit: al, halt: cb, haltPath: haltPath, tel: tel, log: log.WithComponent("hub/contract")}
}

// IsGloballyHalted reports whether the process-wide component breaker has
// tripped, independent of this task's own breaker status.
func (s *Store) IsGloballyHalted() bool {
	return s.halt != nil && s.halt.IsHalted()
}

// Load reads the contract document from disk.
func (s *Store) Load() (*Contract, error) {
	data, err := storage.ReadFileTolerant(s.path)
	if err != nil {
		return nil, fmt.Errorf("contract: read %s: %w", s.path, err)
	}
	var c Contract
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("contract: parse %s: %w", s.path, err)
	}
	return &c, nil
}

// Save persists c atomically. Callers should call this only after a
// successful Transition + trigger evaluation.
func (s *Store) Save(c *Contract) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("contract: marshal %s: %w", c.TaskID, err)
	}
	return storage.AtomicWriteFile(s.path, data, 0o644)
}

// ApplyTransition validates and applies event, evaluates the ten
// task-layer triggers, checkpoints (git commit + audit log), and
// persists. If a trigger fires, the contract is forced into
// erik_consultation, the breaker is tripped, and the document is renamed
// to its .lock sidecar form instead of being saved in place.
func (s *Store) ApplyTransition(ctx context.Context, c *Contract, event Event, reason string, now time.Time) error {
	if err := Transition(c, event, reason, now); err != nil {
		return err
	}

	if result := EvaluateTriggers(c, now); result.Triggered {
		return s.trip(ctx, c, result, now)
	}

	if err := s.Save(c); err != nil {
		return err
	}
	s.logAudit(audit.EventStateTransition, c.TaskID, map[string]interface{}{
		"status": string(c.Status), "event": string(event), "reason": reason,
	})
	if s.git != nil {
		if err := s.git.Checkpoint(ctx, c.TaskID, c.Status, event); err != nil {
			s.log.Error("checkpoint commit failed", logging.Fields{"task_id": c.TaskID, "error": err.Error()})
		}
	}
	return nil
}

func (s *Store) trip(ctx context.Context, c *Contract, result TriggerResult, now time.Time) error {
	c.Breaker.Status = BreakerTripped
	c.Breaker.TriggeredBy = result.Name
	c.Breaker.TriggerReason = result.Reason
	c.Status = StatusErikConsultation
	c.StatusReason = result.Reason
	c.Timestamps.UpdatedAt = now

	if err := s.Save(c); err != nil {
		return err
	}
	if err := storage.RenameSidecar(s.path, ".lock"); err != nil {
		s.log.Error("rename contract to lock sidecar failed", logging.Fields{"task_id": c.TaskID, "error": err.Error()})
	}
	breaker.WriteHaltFile(s.haltPath, breaker.HaltInfo{
		Reason: fmt.Sprintf("task %s tripped trigger %s: %s", c.TaskID, result.Name, result.Reason),
		Details: map[string]string{
			"task_id": c.TaskID,
			"trigger": result.Name,
		},
		Resolution: []string{
			"Review the task contract's .lock sidecar file.",
			"Resolve the underlying issue and call reset() to clear the halt.",
		},
	})
	s.logAudit(audit.EventTaskBreakerTripped, c.TaskID, map[string]interface{}{
		"trigger": result.Name, "reason": result.Reason,
	})
	if s.tel != nil {
		s.tel.RecordTaskHalt(ctx, result.Name)
	}
	return nil
}

func (s *Store) logAudit(eventType audit.EventType, taskID string, data map[string]interface{}) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(eventType, "contract", data, taskID); err != nil {
		s.log.Error("audit log failed", logging.Fields{"error": err.Error()})
	}
}
