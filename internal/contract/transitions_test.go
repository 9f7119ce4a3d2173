package contract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition_HappyPath(t *testing.T) {
	now := time.Now().UTC()
	c := NewContract("task-1", "demo", ComplexityMinor, now)

	require.NoError(t, Transition(c, EventLockAcquired, "locked", now))
	assert.Equal(t, StatusImplementationInProgress, c.Status)

	require.NoError(t, Transition(c, EventCodeWritten, "done", now.Add(time.Minute)))
	assert.Equal(t, StatusPendingLocalReview, c.Status)
}

func TestTransition_InvalidTransitionRejected(t *testing.T) {
	now := time.Now().UTC()
	c := NewContract("task-2", "demo", ComplexityMinor, now)

	err := Transition(c, EventJudgeComplete, "nope", now)
	var invalidErr *ErrInvalidTransition
	assert.ErrorAs(t, err, &invalidErr)
}

func TestTransition_RetryGuardedByAttemptCount(t *testing.T) {
	now := time.Now().UTC()
	c := NewContract("task-3", "demo", ComplexityMinor, now)
	c.Status = StatusTimeoutImplementer
	c.Attempt = 1

	require.NoError(t, Transition(c, EventRetry, "retrying", now))
	assert.Equal(t, StatusPendingImplementer, c.Status)
	assert.Equal(t, 2, c.Attempt)

	c.Status = StatusTimeoutImplementer
	err := Transition(c, EventRetry, "retrying again", now)
	assert.Error(t, err)
}

func TestTransition_HaltAllowedEvenWhenTripped(t *testing.T) {
	now := time.Now().UTC()
	c := NewContract("task-4", "demo", ComplexityMinor, now)
	c.Breaker.Status = BreakerTripped

	err := Transition(c, EventLockAcquired, "should fail", now)
	assert.Error(t, err)

	err = Transition(c, EventCircuitBreakerHalt, "halted", now)
	assert.NoError(t, err)
	assert.Equal(t, StatusErikConsultation, c.Status)
}

func TestAcquireLock(t *testing.T) {
	now := time.Now().UTC()
	c := NewContract("task-5", "demo", ComplexityMinor, now)

	require.NoError(t, AcquireLock(c, "worker-a", time.Minute, now))
	err := AcquireLock(c, "worker-b", time.Minute, now)
	assert.Error(t, err)

	// Same actor may re-acquire.
	require.NoError(t, AcquireLock(c, "worker-a", time.Minute, now))

	// Expired lock frees up for anyone.
	require.NoError(t, AcquireLock(c, "worker-b", time.Minute, now.Add(2*time.Minute)))
}

func TestEvaluateTriggers_RebuttalCountExceeded(t *testing.T) {
	now := time.Now().UTC()
	c := NewContract("task-6", "demo", ComplexityMinor, now)
	c.Limits.MaxRebuttals = 2
	c.Breaker.RebuttalCount = 3

	result := EvaluateTriggers(c, now)
	assert.True(t, result.Triggered)
	assert.Equal(t, "rebuttal_count_exceeded", result.Name)
}

func TestEvaluateTriggers_BudgetExceeded(t *testing.T) {
	now := time.Now().UTC()
	c := NewContract("task-7", "demo", ComplexityMinor, now)
	c.Limits.CostCeilingUSD = 1.0
	c.Breaker.CostUSD = 1.5

	result := EvaluateTriggers(c, now)
	assert.True(t, result.Triggered)
	assert.Equal(t, "budget", result.Name)
}

func TestEvaluateTriggers_ScopeCreep(t *testing.T) {
	now := time.Now().UTC()
	c := NewContract("task-8", "demo", ComplexityMinor, now)
	for i := 0; i < 21; i++ {
		c.HandoffData.ChangedFiles = append(c.HandoffData.ChangedFiles, "file.go")
	}

	result := EvaluateTriggers(c, now)
	assert.True(t, result.Triggered)
	assert.Equal(t, "scope_creep", result.Name)
}

func TestEvaluateTriggers_GlobalTimeout(t *testing.T) {
	now := time.Now().UTC()
	c := NewContract("task-9", "demo", ComplexityMinor, now.Add(-5*time.Hour))
	// Recent activity keeps the inactivity trigger (evaluated earlier)
	// from firing before global_timeout.
	c.Timestamps.UpdatedAt = now

	result := EvaluateTriggers(c, now)
	assert.True(t, result.Triggered)
	assert.Equal(t, "global_timeout", result.Name)
}

func TestEvaluateTriggers_NoTriggerWhenHealthy(t *testing.T) {
	now := time.Now().UTC()
	c := NewContract("task-10", "demo", ComplexityMinor, now)
	c.Limits.CostCeilingUSD = 10
	c.Limits.MaxReviewCycles = 5
	c.Limits.ImplementerTimeoutMinutes = 30

	result := EvaluateTriggers(c, now)
	assert.False(t, result.Triggered)
}
