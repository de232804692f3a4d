package scheduler

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// Lane names used by the task runner.
const (
	LaneMain  = "main"
	LaneTasks = "tasks"
)

// defaultQueueDepth bounds how many submissions wait for a free worker.
const defaultQueueDepth = 256

// LaneConfig configures a named lane.
type LaneConfig struct {
	Name        string `json:"name"`
	Concurrency int    `json:"concurrency"`
}

// LaneStats is a utilization snapshot of a lane.
type LaneStats struct {
	Name        string `json:"name"`
	Concurrency int    `json:"concurrency"`
	Active      int    `json:"active"`
	Queued      int    `json:"queued"`
	Completed   int64  `json:"completed"`
}

// Lane runs submitted work on a fixed number of workers.
type Lane struct {
	name        string
	concurrency int

	queue     chan func()
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	active    atomic.Int32
	completed atomic.Int64
}

// NewLane starts a lane with the given concurrency (minimum 1).
func NewLane(name string, concurrency int) *Lane {
	if concurrency < 1 {
		concurrency = 1
	}
	l := &Lane{
		name:        name,
		concurrency: concurrency,
		queue:       make(chan func(), defaultQueueDepth),
		done:        make(chan struct{}),
	}
	for i := 0; i < concurrency; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	return l
}

func (l *Lane) worker() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case fn := <-l.queue:
			l.run(fn)
		}
	}
}

func (l *Lane) run(fn func()) {
	l.active.Add(1)
	defer func() {
		l.active.Add(-1)
		l.completed.Add(1)
		if r := recover(); r != nil {
			slog.Error("lane: job panicked", "lane", l.name, "panic", r)
		}
	}()
	fn()
}

// Submit queues fn. It blocks only while the queue is full, and returns
// ctx.Err() or ErrLaneStopped if the job could not be queued.
func (l *Lane) Submit(ctx context.Context, fn func()) error {
	select {
	case <-l.done:
		return ErrLaneStopped
	default:
	}

	select {
	case l.queue <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrLaneStopped
	}
}

// Stop stops accepting work and waits for running jobs. Queued jobs that
// have not started are discarded.
func (l *Lane) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	if n := len(l.queue); n > 0 {
		slog.Warn("lane: discarded queued jobs", "lane", l.name, "count", n)
	}
}

// Stats returns current utilization.
func (l *Lane) Stats() LaneStats {
	return LaneStats{
		Name:        l.name,
		Concurrency: l.concurrency,
		Active:      int(l.active.Load()),
		Queued:      len(l.queue),
		Completed:   l.completed.Load(),
	}
}

// LaneManager holds named lanes. Unknown names fall back to the main lane.
type LaneManager struct {
	mu    sync.RWMutex
	lanes map[string]*Lane
}

// NewLaneManager creates the configured lanes. A main lane is always present.
func NewLaneManager(configs []LaneConfig) *LaneManager {
	lm := &LaneManager{lanes: make(map[string]*Lane)}
	for _, c := range configs {
		if _, ok := lm.lanes[c.Name]; ok {
			continue
		}
		lm.lanes[c.Name] = NewLane(c.Name, c.Concurrency)
	}
	if _, ok := lm.lanes[LaneMain]; !ok {
		lm.lanes[LaneMain] = NewLane(LaneMain, 1)
	}
	return lm
}

// Get returns the named lane or the main lane.
func (lm *LaneManager) Get(name string) *Lane {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	if l, ok := lm.lanes[name]; ok {
		return l
	}
	return lm.lanes[LaneMain]
}

// GetOrCreate returns the named lane, creating it with the given
// concurrency if absent. Existing lanes keep their concurrency.
func (lm *LaneManager) GetOrCreate(name string, concurrency int) *Lane {
	lm.mu.RLock()
	l, ok := lm.lanes[name]
	lm.mu.RUnlock()
	if ok {
		return l
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if l, ok := lm.lanes[name]; ok {
		return l
	}
	l = NewLane(name, concurrency)
	lm.lanes[name] = l
	slog.Debug("lane created", "lane", name, "concurrency", concurrency)
	return l
}

// StopAll stops every lane.
func (lm *LaneManager) StopAll() {
	lm.mu.RLock()
	lanes := make([]*Lane, 0, len(lm.lanes))
	for _, l := range lm.lanes {
		lanes = append(lanes, l)
	}
	lm.mu.RUnlock()

	for _, l := range lanes {
		l.Stop()
	}
}

// AllStats returns stats for every lane, ordered by name.
func (lm *LaneManager) AllStats() []LaneStats {
	lm.mu.RLock()
	out := make([]LaneStats, 0, len(lm.lanes))
	for _, l := range lm.lanes {
		out = append(out, l.Stats())
	}
	lm.mu.RUnlock()
	slices.SortFunc(out, func(a, b LaneStats) int { return strings.Compare(a.Name, b.Name) })
	return out
}
