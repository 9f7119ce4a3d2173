package router

import (
	"sync"
	"time"
)

// cooldownTracker counts consecutive failures per model id and reports
// whether a model is currently in its cooldown window (spec.md §4.7
// "a model accumulates allowed_fails consecutive failures -> enters a
// cooldown_seconds window; success resets the counter").
type cooldownTracker struct {
	mu    sync.Mutex
	fails map[string]int
	until map[string]time.Time
}

func newCooldownTracker() *cooldownTracker {
	return &cooldownTracker{fails: map[string]int{}, until: map[string]time.Time{}}
}

func (c *cooldownTracker) inCooldown(model string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.until[model]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(c.until, model)
		return false
	}
	return true
}

func (c *cooldownTracker) recordSuccess(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fails[model] = 0
	delete(c.until, model)
}

func (c *cooldownTracker) recordFailure(model string, allowedFails int, cooldown time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fails[model]++
	if c.fails[model] >= allowedFails {
		c.until[model] = time.Now().Add(cooldown)
	}
}
