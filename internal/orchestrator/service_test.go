package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/taskrunner/internal/agent"
	"github.com/nextlevelbuilder/taskrunner/internal/bus"
	"github.com/nextlevelbuilder/taskrunner/internal/scheduler"
	"github.com/nextlevelbuilder/taskrunner/internal/store"
	"github.com/nextlevelbuilder/taskrunner/internal/store/sqlstore"
)

// fakeAgent streams its tokens and returns their concatenation, or err.
type fakeAgent struct {
	tokens  []string
	err     error
	gate    chan struct{} // when set, Run blocks until closed
	started chan struct{} // closed when Run is entered
	seen    *agent.RunRequest
}

func (a *fakeAgent) ID() string    { return "agent-1" }
func (a *fakeAgent) Model() string { return "fake" }

func (a *fakeAgent) Run(_ context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	a.seen = &req
	if a.started != nil {
		close(a.started)
	}
	if a.gate != nil {
		<-a.gate
	}
	for _, tok := range a.tokens {
		req.OnToken(tok)
	}
	if a.err != nil {
		return nil, a.err
	}
	return &agent.RunResult{Content: strings.Join(a.tokens, ""), Iterations: 1}, nil
}

type fakeBuilder struct {
	agent *fakeAgent
}

func (b *fakeBuilder) BuildAgent(_ context.Context, agentID string) (agent.Agent, error) {
	if agentID != "agent-1" {
		return nil, store.ErrNotFound
	}
	return b.agent, nil
}

func openTaskStore(t *testing.T) store.TaskStore {
	t.Helper()
	stores, db, err := sqlstore.Open(context.Background(), store.StoreConfig{
		Driver:      store.DriverSQLite,
		SQLitePath:  filepath.Join(t.TempDir(), "orch.db"),
		AutoMigrate: true,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return stores.Tasks
}

func newTestService(t *testing.T, a *fakeAgent) (*Service, store.TaskStore) {
	t.Helper()
	ts := openTaskStore(t)
	return newServiceOn(t, ts, a), ts
}

func newServiceOn(t *testing.T, ts store.TaskStore, a *fakeAgent) *Service {
	t.Helper()
	lane := scheduler.NewLane(scheduler.LaneTasks, 2)
	t.Cleanup(lane.Stop)
	return NewService(Config{Tasks: ts, Agents: &fakeBuilder{agent: a}, Lane: lane, Publisher: bus.New()})
}

// finalizeFailingStore fails every FinalizeStream call.
type finalizeFailingStore struct {
	store.TaskStore
}

func (finalizeFailingStore) FinalizeStream(context.Context, string, string) error {
	return errors.New("transient store error")
}

func streamRecords(t *testing.T, ts store.TaskStore, taskID string) []store.ChatMessage {
	t.Helper()
	all, err := ts.ListChats(context.Background(), taskID)
	if err != nil {
		t.Fatal(err)
	}
	var out []store.ChatMessage
	for _, r := range all {
		if r.Kind == store.ChatKindStream {
			out = append(out, r)
		}
	}
	return out
}

func messages(t *testing.T, ts store.TaskStore, taskID string) []store.ChatMessage {
	t.Helper()
	rows, err := ts.History(context.Background(), taskID)
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestProcessTaskMessage_Success(t *testing.T) {
	ctx := context.Background()
	svc, ts := newTestService(t, &fakeAgent{tokens: []string{"O", "K"}})
	ts.CreateTask(ctx, "task-1")
	ts.AppendMessage(ctx, "task-1", store.RoleUser, "earlier")
	before := len(messages(t, ts, "task-1"))

	resp, err := svc.ProcessTaskMessage(ctx, "task-1", "agent-1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Status != "agent_responded" || resp.AgentResponse != "OK" || resp.TaskID != "task-1" {
		t.Errorf("response = %+v", resp)
	}

	rows := messages(t, ts, "task-1")
	if len(rows) != before+2 {
		t.Fatalf("history grew by %d, want 2", len(rows)-before)
	}
	if rows[len(rows)-2].Role != store.RoleUser || rows[len(rows)-2].Content != "hello" {
		t.Errorf("user message = %+v", rows[len(rows)-2])
	}
	if rows[len(rows)-1].Role != store.RoleAssistant || rows[len(rows)-1].Content != "OK" {
		t.Errorf("assistant message = %+v", rows[len(rows)-1])
	}

	all, _ := ts.ListChats(ctx, "task-1")
	var streams int
	for _, r := range all {
		if r.Kind == store.ChatKindStream {
			streams++
			if r.StreamState != store.StreamFinal || r.Content != "OK" {
				t.Errorf("streaming record = %+v", r)
			}
		}
	}
	if streams != 1 {
		t.Errorf("streaming records = %d", streams)
	}

	st, _ := svc.TaskStatus(ctx, "task-1")
	if st.Status != "agent_responded" || !st.Exists {
		t.Errorf("status = %+v", st)
	}
}

func TestProcessTaskMessage_PassesPriorHistory(t *testing.T) {
	ctx := context.Background()
	a := &fakeAgent{tokens: []string{"x"}}
	svc, ts := newTestService(t, a)
	ts.CreateTask(ctx, "task-h")
	ts.AppendMessage(ctx, "task-h", store.RoleUser, "q1")
	ts.AppendMessage(ctx, "task-h", store.RoleAssistant, "a1")

	if _, err := svc.ProcessTaskMessage(ctx, "task-h", "agent-1", "q2"); err != nil {
		t.Fatal(err)
	}
	if len(a.seen.History) != 2 || a.seen.History[1].Content != "a1" || a.seen.Message != "q2" {
		t.Errorf("run request = %+v", a.seen)
	}
}

func TestProcessTaskMessage_NotFound(t *testing.T) {
	ctx := context.Background()
	svc, ts := newTestService(t, &fakeAgent{})

	_, err := svc.ProcessTaskMessage(ctx, "missing", "agent-1", "hi")
	if KindOf(err) != KindNotFound {
		t.Fatalf("err = %v, want not found", err)
	}
	if rows := messages(t, ts, "missing"); len(rows) != 0 {
		t.Errorf("rows inserted for missing task: %d", len(rows))
	}
}

func TestProcessTaskMessage_Conflict(t *testing.T) {
	ctx := context.Background()
	svc, ts := newTestService(t, &fakeAgent{})
	ts.CreateTask(ctx, "task-c")
	ts.SetStatus(ctx, "task-c", store.TaskAgentProcessing)

	_, err := svc.ProcessTaskMessage(ctx, "task-c", "agent-1", "hi")
	if KindOf(err) != KindConflict {
		t.Fatalf("err = %v, want conflict", err)
	}
	if DetailOf(err) != "Task is already being processed" {
		t.Errorf("detail = %q", DetailOf(err))
	}
	if rows := messages(t, ts, "task-c"); len(rows) != 0 {
		t.Errorf("rejected call inserted %d rows", len(rows))
	}
	if st, _ := ts.GetStatus(ctx, "task-c"); st != store.TaskAgentProcessing {
		t.Errorf("status changed to %s", st)
	}
}

func TestProcessTaskMessage_ExecutionFailure(t *testing.T) {
	ctx := context.Background()
	svc, ts := newTestService(t, &fakeAgent{tokens: []string{"par"}, err: errors.New("upstream 429 too many requests")})
	ts.CreateTask(ctx, "task-e")

	resp, err := svc.ProcessTaskMessage(ctx, "task-e", "agent-1", "hi")
	if KindOf(err) != KindUpstream {
		t.Fatalf("err = %v, want upstream", err)
	}
	if resp == nil || resp.Success || resp.Status != "error" {
		t.Errorf("response = %+v", resp)
	}
	if st, _ := ts.GetStatus(ctx, "task-e"); st != store.TaskError {
		t.Errorf("status = %s", st)
	}

	rows := messages(t, ts, "task-e")
	last := rows[len(rows)-1]
	if last.Role != store.RoleAssistant || !strings.HasPrefix(last.Content, "Error: Error processing task: ") {
		t.Errorf("error message = %+v", last)
	}
	if strings.Contains(last.Content, "429 too many") {
		t.Errorf("raw error leaked: %q", last.Content)
	}

	all, _ := ts.ListChats(ctx, "task-e")
	for _, r := range all {
		if r.Kind == store.ChatKindStream && r.StreamState != store.StreamError {
			t.Errorf("streaming record left in state %q", r.StreamState)
		}
	}

	// A task in error can be processed again.
	svc.agents.(*fakeBuilder).agent.err = nil
	if _, err := svc.ProcessTaskMessage(ctx, "task-e", "agent-1", "retry"); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
}

func TestProcessTaskMessage_FinalizeFailureMarksStreamErrored(t *testing.T) {
	ctx := context.Background()
	ts := openTaskStore(t)
	svc := newServiceOn(t, finalizeFailingStore{ts}, &fakeAgent{tokens: []string{"O", "K"}})
	ts.CreateTask(ctx, "task-f")

	_, err := svc.ProcessTaskMessage(ctx, "task-f", "agent-1", "hi")
	if KindOf(err) != KindUpstream {
		t.Fatalf("err = %v, want upstream", err)
	}
	if st, _ := ts.GetStatus(ctx, "task-f"); st != store.TaskError {
		t.Errorf("status = %s", st)
	}
	recs := streamRecords(t, ts, "task-f")
	if len(recs) != 1 {
		t.Fatalf("stream records = %d", len(recs))
	}
	if recs[0].StreamState != store.StreamError {
		t.Errorf("stream_state = %q, want %q", recs[0].StreamState, store.StreamError)
	}
	if rec, err := svc.OpenStream(ctx, "task-f"); err != nil || rec != nil {
		t.Errorf("OpenStream = %+v, %v", rec, err)
	}
}

func TestProcessTaskMessage_AgentNotFound(t *testing.T) {
	ctx := context.Background()
	svc, ts := newTestService(t, &fakeAgent{})
	ts.CreateTask(ctx, "task-a")

	_, err := svc.ProcessTaskMessage(ctx, "task-a", "nobody", "hi")
	if KindOf(err) != KindNotFound {
		t.Fatalf("err = %v, want not found", err)
	}
	if !strings.Contains(DetailOf(err), "nobody") {
		t.Errorf("detail = %q", DetailOf(err))
	}
	if st, _ := ts.GetStatus(ctx, "task-a"); st != store.TaskError {
		t.Errorf("status = %s, want error", st)
	}
}

func TestProcessTaskMessage_ConcurrentCallsSingleFlight(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	svc, ts := newTestService(t, &fakeAgent{tokens: []string{"done"}, gate: gate})
	ts.CreateTask(ctx, "task-s")

	first := make(chan error, 1)
	go func() {
		_, err := svc.ProcessTaskMessage(ctx, "task-s", "agent-1", "one")
		first <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		st, _ := ts.GetStatus(ctx, "task-s")
		if st == store.TaskAgentProcessing {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first call never claimed the task")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, err := svc.ProcessTaskMessage(ctx, "task-s", "agent-1", "two")
	if KindOf(err) != KindConflict {
		t.Errorf("second call err = %v, want conflict", err)
	}

	close(gate)
	if err := <-first; err != nil {
		t.Fatalf("first call: %v", err)
	}
}

func TestProcessTaskMessage_CallerCancelDoesNotStopExecution(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	svc, ts := newTestService(t, &fakeAgent{tokens: []string{"late"}, gate: gate, started: started})
	ts.CreateTask(context.Background(), "task-x")

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := svc.ProcessTaskMessage(ctx, "task-x", "agent-1", "hi")
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want canceled", err)
		}
	}()

	<-started
	cancel()
	wg.Wait()
	close(gate)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	if err := svc.Drain(drainCtx); err != nil {
		t.Fatal(err)
	}
	if st, _ := ts.GetStatus(context.Background(), "task-x"); st != store.TaskAgentResponded {
		t.Errorf("status = %s, want agent_responded", st)
	}
}

func TestTaskStatusAndHistory(t *testing.T) {
	ctx := context.Background()
	svc, ts := newTestService(t, &fakeAgent{tokens: []string{"a"}})

	st, err := svc.TaskStatus(ctx, "nope")
	if err != nil || st.Status != "not_found" || st.Exists {
		t.Errorf("missing status = %+v, %v", st, err)
	}
	if _, err := svc.TaskHistory(ctx, "nope"); KindOf(err) != KindNotFound {
		t.Errorf("history of missing task err = %v", err)
	}

	ts.CreateTask(ctx, "task-q")
	st, _ = svc.TaskStatus(ctx, "task-q")
	if st.Status != "idle" {
		t.Errorf("new task status = %q", st.Status)
	}

	svc.ProcessTaskMessage(ctx, "task-q", "agent-1", "hi")
	h, err := svc.TaskHistory(ctx, "task-q")
	if err != nil {
		t.Fatal(err)
	}
	if len(h.Messages) != 3 || h.Messages[0].Content != "hi" || h.Messages[1].Kind != "stream" {
		t.Errorf("history = %+v", h.Messages)
	}
	if rec, err := svc.OpenStream(ctx, "task-q"); err != nil || rec != nil {
		t.Errorf("OpenStream after finalize = %+v, %v", rec, err)
	}
}

func TestDrain_FailsQueuedExecutions(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	svc, ts := newTestService(t, &fakeAgent{tokens: []string{"ok"}, gate: gate, started: started})
	// One worker, so the second task waits in the queue.
	svc.lane = scheduler.NewLane(scheduler.LaneTasks, 1)
	t.Cleanup(svc.lane.Stop)

	ctx := context.Background()
	ts.CreateTask(ctx, "task-a")
	ts.CreateTask(ctx, "task-b")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = svc.ProcessTaskMessage(ctx, "task-a", "agent-1", "first")
	}()
	<-started
	go func() {
		defer wg.Done()
		_, errs[1] = svc.ProcessTaskMessage(ctx, "task-b", "agent-1", "second")
	}()

	deadline := time.Now().Add(5 * time.Second)
	for svc.lane.Stats().Queued == 0 {
		if time.Now().After(deadline) {
			t.Fatal("second execution never queued")
		}
		time.Sleep(5 * time.Millisecond)
	}

	drained := make(chan error, 1)
	go func() {
		drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		drained <- svc.Drain(drainCtx)
	}()
	<-svc.stopping
	close(gate)

	wg.Wait()
	if err := <-drained; err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if errs[0] != nil {
		t.Errorf("running execution: %v", errs[0])
	}
	if !errors.Is(errs[1], ErrShuttingDown) {
		t.Errorf("queued execution err = %v, want ErrShuttingDown", errs[1])
	}
	if st, _ := ts.GetStatus(ctx, "task-a"); st != store.TaskAgentResponded {
		t.Errorf("task-a status = %s", st)
	}
	if st, _ := ts.GetStatus(ctx, "task-b"); st != store.TaskError {
		t.Errorf("task-b status = %s", st)
	}
}

func TestDrain_TimeoutStillFailsQueuedExecutions(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	svc, ts := newTestService(t, &fakeAgent{tokens: []string{"ok"}, gate: gate, started: started})
	svc.lane = scheduler.NewLane(scheduler.LaneTasks, 1)
	t.Cleanup(svc.lane.Stop)
	t.Cleanup(func() {
		select {
		case <-gate:
		default:
			close(gate)
		}
	})

	ctx := context.Background()
	ts.CreateTask(ctx, "task-a")
	ts.CreateTask(ctx, "task-b")

	go svc.ProcessTaskMessage(ctx, "task-a", "agent-1", "first")
	<-started
	queuedErr := make(chan error, 1)
	go func() {
		_, err := svc.ProcessTaskMessage(ctx, "task-b", "agent-1", "second")
		queuedErr <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for svc.lane.Stats().Queued == 0 {
		if time.Now().After(deadline) {
			t.Fatal("second execution never queued")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The running execution never finishes within the drain window.
	drainCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := svc.Drain(drainCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Drain err = %v, want deadline exceeded", err)
	}

	select {
	case err := <-queuedErr:
		if !errors.Is(err, ErrShuttingDown) {
			t.Errorf("queued execution err = %v, want ErrShuttingDown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queued request still waiting after Drain")
	}
	if st, _ := ts.GetStatus(ctx, "task-b"); st != store.TaskError {
		t.Errorf("task-b status = %s, want error", st)
	}
	recs := streamRecords(t, ts, "task-b")
	if len(recs) != 1 || recs[0].StreamState != store.StreamError {
		t.Errorf("task-b stream records = %+v", recs)
	}
	if st, _ := ts.GetStatus(ctx, "task-a"); st != store.TaskAgentProcessing {
		t.Errorf("task-a status = %s, want still processing", st)
	}

	if _, err := svc.ProcessTaskMessage(ctx, "task-b", "agent-1", "late"); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("post-drain err = %v, want ErrShuttingDown", err)
	}
}
