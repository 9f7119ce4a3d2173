// Package audit implements the append-only cost/audit log (spec.md
// §4.3): every model call, budget check, and state transition in the
// system is recorded here and never mutated afterward.
package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agenthub/kernel/internal/storage"
)

// EventType enumerates the audit event kinds spec.md §4.3 calls for
// ("20+ distinct event types").
type EventType string

const (
	EventModelCallStart       EventType = "model_call_start"
	EventModelCallSuccess     EventType = "model_call_success"
	EventModelCallFailure     EventType = "model_call_failure"
	EventModelCallFallback    EventType = "model_call_fallback"
	EventCircuitBreakerFail   EventType = "circuit_breaker_failure"
	EventCircuitBreakerHalt   EventType = "circuit_breaker_halt"
	EventCircuitBreakerReset  EventType = "circuit_breaker_reset"
	EventTaskBreakerTripped   EventType = "task_breaker_tripped"
	EventDegradationEnter     EventType = "degradation_entered"
	EventDegradationRecover   EventType = "degradation_recovered"
	EventBudgetCheckPass      EventType = "budget_check_pass"
	EventBudgetCheckFail      EventType = "budget_check_fail"
	EventBudgetOverride       EventType = "budget_override"
	EventMessageSent          EventType = "message_sent"
	EventMessageReceived      EventType = "message_received"
	EventQuestionAsked        EventType = "question_asked"
	EventQuestionAnswered     EventType = "question_answered"
	EventSessionStart         EventType = "session_start"
	EventSessionEnd           EventType = "session_end"
	EventDraftSubmitted       EventType = "draft_submitted"
	EventDraftApplied         EventType = "draft_applied"
	EventDraftRejected        EventType = "draft_rejected"
	EventDraftEscalated       EventType = "draft_escalated"
	EventStateTransition      EventType = "state_transition"
	EventPipelineStageFailed  EventType = "pipeline_stage_failed"
	EventPipelineCancelled    EventType = "pipeline_cancelled"
)

// Event is one append-only audit record (spec.md §3).
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"session_id"`
	RunID     string                 `json:"run_id,omitempty"`
	EventType EventType              `json:"event_type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Log is the cost/audit log. It is safe for concurrent use.
type Log struct {
	mu        sync.Mutex
	eventLog  *storage.EventLog
	sessionID string
	events    []Event // in-memory mirror for fast GetEvents/summary
}

// New opens the audit log at path for the given session.
func New(path, sessionID string) (*Log, error) {
	el, err := storage.NewEventLog(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	l := &Log{eventLog: el, sessionID: sessionID}
	// Preload existing events so GetEvents/summary reflect history across
	// restarts within the same log file.
	_ = el.ReadAll(func(line []byte) error {
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil // skip malformed historical lines, don't fail startup
		}
		l.events = append(l.events, e)
		return nil
	})
	return l, nil
}

// Log appends one audit record.
func (l *Log) Log(eventType EventType, source string, data map[string]interface{}, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Event{
		Timestamp: time.Now().UTC(),
		SessionID: l.sessionID,
		RunID:     runID,
		EventType: eventType,
		Source:    source,
		Data:      data,
	}
	if err := l.eventLog.Append(e); err != nil {
		return fmt.Errorf("audit: append event: %w", err)
	}
	l.events = append(l.events, e)
	return nil
}

// GetEvents filters (optionally by type, source, and since) and returns
// matching events newest-first, capped at limit (0 = unlimited).
func (l *Log) GetEvents(eventType EventType, source string, since *time.Time, limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	for i := len(l.events) - 1; i >= 0; i-- {
		e := l.events[i]
		if eventType != "" && e.EventType != eventType {
			continue
		}
		if source != "" && e.Source != source {
			continue
		}
		if since != nil && e.Timestamp.Before(*since) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// SessionSummary is counts-by-event-type for the current session
// (spec.md §4.3 get_session_summary).
type SessionSummary struct {
	SessionID string                   `json:"session_id"`
	Counts    map[EventType]int        `json:"counts"`
	Total     int                      `json:"total"`
}

// GetSessionSummary aggregates counts by event type for this session.
func (l *Log) GetSessionSummary() SessionSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := SessionSummary{SessionID: l.sessionID, Counts: map[EventType]int{}}
	for _, e := range l.events {
		if e.SessionID != l.sessionID {
			continue
		}
		s.Counts[e.EventType]++
		s.Total++
	}
	return s
}

// sortEventsDesc is a helper kept for callers that build event slices
// outside the log's own ordering guarantees (e.g. merging two sources).
func sortEventsDesc(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}
