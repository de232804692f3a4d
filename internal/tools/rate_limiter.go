package tools

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ToolRateLimiter caps tool executions per key (the task id) per hour using
// a token bucket that starts full.
type ToolRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	maxPerHr int
	window   time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewToolRateLimiter returns nil when maxPerHour <= 0 (no limit).
func NewToolRateLimiter(maxPerHour int) *ToolRateLimiter {
	if maxPerHour <= 0 {
		return nil
	}
	return newToolRateLimiter(maxPerHour, time.Hour)
}

func newToolRateLimiter(max int, window time.Duration) *ToolRateLimiter {
	return &ToolRateLimiter{
		limiters: make(map[string]*limiterEntry),
		maxPerHr: max,
		window:   window,
	}
}

// Allow returns an error when key has used its budget.
func (rl *ToolRateLimiter) Allow(key string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.limiters[key]
	if !ok {
		e = &limiterEntry{
			limiter: rate.NewLimiter(rate.Every(rl.window/time.Duration(rl.maxPerHr)), rl.maxPerHr),
		}
		rl.limiters[key] = e
	}
	e.lastSeen = time.Now()

	if !e.limiter.Allow() {
		return fmt.Errorf("tool rate limit exceeded: %d actions/hour for key %s", rl.maxPerHr, key)
	}
	return nil
}

// Cleanup drops keys idle for a full window; their buckets are full again.
func (rl *ToolRateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.window)
	for key, e := range rl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
		}
	}
}
