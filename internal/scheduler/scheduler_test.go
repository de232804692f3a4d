package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLane_ConcurrencyLimit(t *testing.T) {
	lane := NewLane("test", 2)
	defer lane.Stop()

	var active atomic.Int32
	var maxActive atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 6; i++ {
		wg.Add(1)
		err := lane.Submit(context.Background(), func() {
			defer wg.Done()
			cur := active.Add(1)

			// Track the max concurrency observed
			for {
				old := maxActive.Load()
				if cur <= old || maxActive.CompareAndSwap(old, cur) {
					break
				}
			}

			time.Sleep(50 * time.Millisecond)
			active.Add(-1)
		})
		if err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}

	wg.Wait()

	if m := maxActive.Load(); m > 2 {
		t.Errorf("max active = %d, want <= 2", m)
	}
	if m := maxActive.Load(); m < 2 {
		t.Errorf("max active = %d, want >= 2 (should use full concurrency)", m)
	}
}

func TestLane_Stats(t *testing.T) {
	lane := NewLane("test", 3)
	defer lane.Stop()

	stats := lane.Stats()
	if stats.Name != "test" {
		t.Errorf("name = %q, want %q", stats.Name, "test")
	}
	if stats.Concurrency != 3 {
		t.Errorf("concurrency = %d, want 3", stats.Concurrency)
	}
	if stats.Active != 0 {
		t.Errorf("active = %d, want 0", stats.Active)
	}
}

func TestLaneManager_GetFallback(t *testing.T) {
	lm := NewLaneManager([]LaneConfig{
		{Name: "main", Concurrency: 2},
		{Name: "subagent", Concurrency: 4},
	})
	defer lm.StopAll()

	// Known lane
	if l := lm.Get("subagent"); l == nil {
		t.Error("Get('subagent') returned nil")
	}

	// Unknown lane → fallback to main
	if l := lm.Get("nonexistent"); l == nil {
		t.Error("Get('nonexistent') should fallback to main")
	} else if l.name != "main" {
		t.Errorf("fallback lane name = %q, want 'main'", l.name)
	}
}

func TestLaneManager_GetOrCreate(t *testing.T) {
	lm := NewLaneManager([]LaneConfig{
		{Name: "main", Concurrency: 2},
	})
	defer lm.StopAll()

	l := lm.GetOrCreate("custom", 8)
	if l == nil {
		t.Fatal("GetOrCreate returned nil")
	}
	if l.concurrency != 8 {
		t.Errorf("concurrency = %d, want 8", l.concurrency)
	}

	// Second call returns existing
	l2 := lm.GetOrCreate("custom", 16)
	if l2.concurrency != 8 {
		t.Errorf("second call should return existing lane with concurrency 8, got %d", l2.concurrency)
	}
}

func TestLaneManager_AlwaysHasMain(t *testing.T) {
	lm := NewLaneManager([]LaneConfig{{Name: LaneTasks, Concurrency: 3}})
	defer lm.StopAll()

	if l := lm.Get("whatever"); l == nil || l.name != LaneMain {
		t.Fatalf("fallback lane = %+v, want main", l)
	}
	stats := lm.AllStats()
	if len(stats) != 2 || stats[0].Name != LaneMain || stats[1].Name != LaneTasks {
		t.Errorf("stats = %+v, want main then tasks", stats)
	}
	if stats[1].Concurrency != 3 {
		t.Errorf("tasks concurrency = %d, want 3", stats[1].Concurrency)
	}
}

func TestLane_SubmitAfterStop(t *testing.T) {
	lane := NewLane("stopped", 1)
	lane.Stop()

	err := lane.Submit(context.Background(), func() { t.Error("job should not run") })
	if !errors.Is(err, ErrLaneStopped) {
		t.Errorf("err = %v, want ErrLaneStopped", err)
	}

	// Stop is idempotent.
	lane.Stop()
}

func TestLane_SubmitCanceledContext(t *testing.T) {
	lane := NewLane("busy", 1)
	defer lane.Stop()

	// Occupy the worker and fill the queue.
	release := make(chan struct{})
	started := make(chan struct{})
	if err := lane.Submit(context.Background(), func() { close(started); <-release }); err != nil {
		t.Fatal(err)
	}
	<-started
	for i := 0; i < defaultQueueDepth; i++ {
		if err := lane.Submit(context.Background(), func() {}); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := lane.Submit(ctx, func() {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	close(release)
}

func TestLane_RecoversPanics(t *testing.T) {
	lane := NewLane("panicky", 1)
	defer lane.Stop()

	done := make(chan struct{})
	lane.Submit(context.Background(), func() { panic("boom") })
	lane.Submit(context.Background(), func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestLane_CompletedCounter(t *testing.T) {
	lane := NewLane("count", 2)
	defer lane.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		lane.Submit(context.Background(), func() { wg.Done() })
	}
	wg.Wait()

	deadline := time.Now().Add(time.Second)
	for lane.Stats().Completed < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := lane.Stats().Completed; got != 5 {
		t.Errorf("completed = %d, want 5", got)
	}
}
