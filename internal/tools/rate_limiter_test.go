package tools

import (
	"testing"
	"time"
)

func TestNewToolRateLimiter_Disabled(t *testing.T) {
	for _, n := range []int{0, -5} {
		if rl := NewToolRateLimiter(n); rl != nil {
			t.Errorf("NewToolRateLimiter(%d) = %v, want nil", n, rl)
		}
	}
}

func TestToolRateLimiter_BlockOverLimit(t *testing.T) {
	rl := NewToolRateLimiter(3)

	for i := 0; i < 3; i++ {
		if err := rl.Allow("task-1"); err != nil {
			t.Fatalf("action %d should be allowed: %v", i, err)
		}
	}
	if err := rl.Allow("task-1"); err == nil {
		t.Error("4th action should be blocked")
	}
}

func TestToolRateLimiter_SeparateKeys(t *testing.T) {
	rl := NewToolRateLimiter(2)
	rl.Allow("task-1")
	rl.Allow("task-1")

	if err := rl.Allow("task-1"); err == nil {
		t.Error("task-1 should be blocked")
	}
	if err := rl.Allow("task-2"); err != nil {
		t.Errorf("task-2 should be allowed: %v", err)
	}
}

func TestToolRateLimiter_Refill(t *testing.T) {
	rl := newToolRateLimiter(2, 100*time.Millisecond)
	rl.Allow("k")
	rl.Allow("k")
	if err := rl.Allow("k"); err == nil {
		t.Fatal("should be blocked at limit")
	}

	time.Sleep(80 * time.Millisecond)
	if err := rl.Allow("k"); err != nil {
		t.Errorf("should be allowed after refill: %v", err)
	}
}

func TestToolRateLimiter_Cleanup(t *testing.T) {
	rl := newToolRateLimiter(10, 50*time.Millisecond)
	rl.Allow("old")
	time.Sleep(80 * time.Millisecond)
	rl.Allow("fresh")
	rl.Cleanup()

	rl.mu.Lock()
	_, hasOld := rl.limiters["old"]
	_, hasFresh := rl.limiters["fresh"]
	rl.mu.Unlock()

	if hasOld || !hasFresh {
		t.Errorf("after cleanup: old=%v fresh=%v", hasOld, hasFresh)
	}
}
