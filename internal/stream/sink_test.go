package stream

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/taskrunner/internal/bus"
	"github.com/nextlevelbuilder/taskrunner/internal/store"
	"github.com/nextlevelbuilder/taskrunner/internal/store/sqlstore"
)

func newTaskStore(t *testing.T) store.TaskStore {
	t.Helper()
	stores, db, err := sqlstore.Open(context.Background(), store.StoreConfig{
		Driver:      store.DriverSQLite,
		SQLitePath:  filepath.Join(t.TempDir(), "stream.db"),
		AutoMigrate: true,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return stores.Tasks
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []bus.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev bus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func TestSink_AppendAndFinalize(t *testing.T) {
	ctx := context.Background()
	ts := newTaskStore(t)
	if _, err := ts.CreateTask(ctx, "task-1"); err != nil {
		t.Fatal(err)
	}
	pub := &recordingPublisher{}
	sink, err := Open(ctx, ts, pub, "task-1")
	if err != nil {
		t.Fatal(err)
	}

	prev := 0
	for _, tok := range []string{"Hel", "lo", " world"} {
		sink.Append(tok)
		rec, err := ts.GetChat(ctx, sink.StreamID())
		if err != nil {
			t.Fatal(err)
		}
		if len(rec.Content) < prev {
			t.Fatalf("content shrank: %q", rec.Content)
		}
		prev = len(rec.Content)
	}
	if sink.Tokens() != 3 {
		t.Errorf("tokens = %d", sink.Tokens())
	}

	if err := sink.Finalize(ctx, "Hello world!"); err != nil {
		t.Fatal(err)
	}
	sink.Append("late")

	rec, _ := ts.GetChat(ctx, sink.StreamID())
	if rec.Content != "Hello world!" || rec.StreamState != store.StreamFinal {
		t.Errorf("record = %+v", rec)
	}
	if len(pub.events) != 4 || pub.events[3].Type != bus.EventDone || pub.events[0].TaskID != "task-1" {
		t.Errorf("events = %+v", pub.events)
	}
	if err := sink.Finalize(ctx, "again"); !errors.Is(err, store.ErrStreamClosed) {
		t.Errorf("second finalize err = %v", err)
	}
}

func TestSink_Fail(t *testing.T) {
	ctx := context.Background()
	ts := newTaskStore(t)
	ts.CreateTask(ctx, "task-2")
	pub := &recordingPublisher{}
	sink, err := Open(ctx, ts, pub, "task-2")
	if err != nil {
		t.Fatal(err)
	}
	sink.Append("partial")
	if err := sink.Fail(ctx, "boom"); err != nil {
		t.Fatal(err)
	}
	sink.Append("ignored")

	rec, _ := ts.GetChat(ctx, sink.StreamID())
	if rec.Content != "partial" || rec.StreamState != store.StreamError {
		t.Errorf("record = %+v", rec)
	}
	last := pub.events[len(pub.events)-1]
	if last.Type != bus.EventError || last.Error != "boom" {
		t.Errorf("last event = %+v", last)
	}
	if !sink.Closed() {
		t.Error("sink should be closed")
	}
}

type failingFinalizeStore struct {
	store.TaskStore
}

func (failingFinalizeStore) FinalizeStream(context.Context, string, string) error {
	return errors.New("transient store error")
}

func TestSink_FailAfterFinalizeError(t *testing.T) {
	ctx := context.Background()
	ts := newTaskStore(t)
	ts.CreateTask(ctx, "task-3")
	pub := &recordingPublisher{}
	sink, err := Open(ctx, failingFinalizeStore{ts}, pub, "task-3")
	if err != nil {
		t.Fatal(err)
	}
	sink.Append("part")

	if err := sink.Finalize(ctx, "partial"); err == nil {
		t.Fatal("expected finalize error")
	}
	if sink.Closed() {
		t.Fatal("sink closed after failed finalize")
	}
	if err := sink.Fail(ctx, "finalize failed"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	rec, _ := ts.GetChat(ctx, sink.StreamID())
	if rec.StreamState != store.StreamError {
		t.Errorf("stream_state = %q, want %q", rec.StreamState, store.StreamError)
	}
	for _, ev := range pub.events {
		if ev.Type == bus.EventDone {
			t.Errorf("unexpected done event %+v", ev)
		}
	}
}

func TestSink_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	ts := newTaskStore(t)
	ts.CreateTask(ctx, "task-3")
	sink, err := Open(ctx, ts, nil, "task-3")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.Append("x")
		}()
	}
	wg.Wait()

	rec, _ := ts.GetChat(ctx, sink.StreamID())
	if len(rec.Content) != 20 {
		t.Errorf("content length = %d, want 20", len(rec.Content))
	}
}

func TestSink_PublishesToBus(t *testing.T) {
	ctx := context.Background()
	ts := newTaskStore(t)
	ts.CreateTask(ctx, "task-4")
	mb := bus.New()
	ch, cancel := mb.SubscribeChan("task-4", 8)
	defer cancel()

	sink, err := Open(ctx, ts, mb, "task-4")
	if err != nil {
		t.Fatal(err)
	}
	sink.Append("a")
	sink.Finalize(ctx, "a")

	if ev := <-ch; ev.Type != bus.EventToken || ev.Token != "a" {
		t.Errorf("first event = %+v", ev)
	}
	if ev := <-ch; ev.Type != bus.EventDone || ev.Content != "a" {
		t.Errorf("second event = %+v", ev)
	}
}
