package contract

import (
	"fmt"
	"time"
)

// Event is a state-machine trigger name (spec.md §4.9).
type Event string

const (
	EventLockAcquired          Event = "lock_acquired"
	EventCodeWritten           Event = "code_written"
	EventTimeout               Event = "timeout"
	EventRetry                 Event = "retry"
	EventEscalate              Event = "escalate"
	EventLocalPass             Event = "local_pass"
	EventCriticalFlaw          Event = "critical_flaw"
	EventReviewStarted         Event = "review_started"
	EventJudgeComplete         Event = "judge_complete"
	EventPass                  Event = "pass"
	EventFailAgree             Event = "fail_agree"
	EventFailDisagree          Event = "fail_disagree"
	EventConditional           Event = "conditional"
	EventRebuttalAccepted      Event = "rebuttal_accepted"
	EventRebuttalLimitExceeded Event = "rebuttal_limit_exceeded"
	EventCircuitBreakerHalt    Event = "circuit_breaker_halt"
)

type transitionKey struct {
	from  Status
	event Event
}

// guard returns whether the transition may fire given the contract's
// current state (used for the attempt<2 retry guard).
type transitionRule struct {
	to    Status
	guard func(*Contract) bool
}

// transitionTable is the single source of truth for I1 ("a valid
// transition table is the only way status changes"). Built once at
// package init and never mutated.
var transitionTable = map[transitionKey]transitionRule{
	{StatusPendingImplementer, EventLockAcquired}: {to: StatusImplementationInProgress},

	{StatusImplementationInProgress, EventCodeWritten}: {to: StatusPendingLocalReview},
	{StatusImplementationInProgress, EventTimeout}:      {to: StatusTimeoutImplementer},

	{StatusTimeoutImplementer, EventRetry}: {
		to:    StatusPendingImplementer,
		guard: func(c *Contract) bool { return c.Attempt < 2 },
	},
	{StatusTimeoutImplementer, EventEscalate}: {to: StatusErikConsultation},

	{StatusPendingLocalReview, EventLocalPass}:    {to: StatusPendingJudgeReview},
	{StatusPendingLocalReview, EventCriticalFlaw}: {to: StatusErikConsultation},

	{StatusPendingJudgeReview, EventReviewStarted}: {to: StatusJudgeReviewInProgress},

	{StatusJudgeReviewInProgress, EventJudgeComplete}: {to: StatusReviewComplete},
	{StatusJudgeReviewInProgress, EventTimeout}:        {to: StatusTimeoutJudge},

	{StatusTimeoutJudge, EventEscalate}: {to: StatusErikConsultation},

	{StatusReviewComplete, EventPass}:          {to: StatusMerged},
	{StatusReviewComplete, EventFailAgree}:     {to: StatusPendingImplementer},
	{StatusReviewComplete, EventFailDisagree}:  {to: StatusPendingRebuttal},
	{StatusReviewComplete, EventConditional}:   {to: StatusPendingImplementer},

	{StatusPendingRebuttal, EventRebuttalAccepted}:      {to: StatusPendingJudgeReview},
	{StatusPendingRebuttal, EventRebuttalLimitExceeded}: {to: StatusErikConsultation},
}

// allStatuses enumerates every state, used to wire the "any state ->
// circuit_breaker_halt -> erik_consultation" rule without repeating it
// per row.
var allStatuses = []Status{
	StatusPendingImplementer, StatusImplementationInProgress, StatusPendingLocalReview,
	StatusPendingJudgeReview, StatusJudgeReviewInProgress, StatusReviewComplete,
	StatusPendingRebuttal, StatusMerged, StatusTimeoutImplementer, StatusTimeoutJudge,
	StatusErikConsultation,
}

func init() {
	for _, s := range allStatuses {
		transitionTable[transitionKey{s, EventCircuitBreakerHalt}] = transitionRule{to: StatusErikConsultation}
	}
}

// ErrInvalidTransition is returned when (status, event) has no table entry
// or its guard refuses.
type ErrInvalidTransition struct {
	From  Status
	Event Event
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("contract: no valid transition from %s on event %s", e.From, e.Event)
}

// Transition validates and applies (status, event) -> target, per I1 and
// I4 (no transition while breaker.status == tripped except the halt
// transition itself).
func Transition(c *Contract, event Event, reason string, now time.Time) error {
	if c.Breaker.Status == BreakerTripped && event != EventCircuitBreakerHalt {
		return fmt.Errorf("contract: breaker tripped, only circuit_breaker_halt permitted")
	}

	rule, ok := transitionTable[transitionKey{c.Status, event}]
	if !ok {
		return &ErrInvalidTransition{From: c.Status, Event: event}
	}
	if rule.guard != nil && !rule.guard(c) {
		return &ErrInvalidTransition{From: c.Status, Event: event}
	}

	if c.Status == StatusTimeoutImplementer && event == EventRetry {
		c.Attempt++
	}

	c.Status = rule.to
	c.StatusReason = reason
	if now.Before(c.Timestamps.UpdatedAt) {
		now = c.Timestamps.UpdatedAt // I5: updated_at never decreases
	}
	c.Timestamps.UpdatedAt = now
	c.LastTransitionID = fmt.Sprintf("%s:%s:%d", c.Status, event, now.UnixNano())
	return nil
}

// AcquireLock implements spec.md §4.9's lock rule: succeeds if unheld,
// held by actor already, or expired.
func AcquireLock(c *Contract, actor string, timeout time.Duration, now time.Time) error {
	if !c.Lock.IsFree(now) && c.Lock.HeldBy != actor {
		return fmt.Errorf("contract: lock held by %s until %s", c.Lock.HeldBy, c.Lock.ExpiresAt)
	}
	c.Lock = Lock{HeldBy: actor, AcquiredAt: now, ExpiresAt: now.Add(timeout)}
	return nil
}
