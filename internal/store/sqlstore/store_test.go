package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/taskrunner/internal/store"
)

func newTestStores(t *testing.T) (*TaskStore, *AgentStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskrunner.db")
	stores, db, err := Open(context.Background(), store.StoreConfig{
		Driver:      store.DriverSQLite,
		SQLitePath:  path,
		AutoMigrate: true,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return stores.Tasks.(*TaskStore), stores.Agents.(*AgentStore)
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.db")
	first, err := Migrate(store.DriverSQLite, path)
	if err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if !first.Changed || first.Version != 2 {
		t.Errorf("first run = %+v, want changed at version 2", first)
	}
	second, err := Migrate(store.DriverSQLite, path)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if second.Changed {
		t.Error("second run should be a no-op")
	}
}

func TestClaimForProcessing(t *testing.T) {
	tasks, _ := newTestStores(t)
	ctx := context.Background()

	if err := tasks.ClaimForProcessing(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing task: got %v, want ErrNotFound", err)
	}

	if _, err := tasks.CreateTask(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := tasks.ClaimForProcessing(ctx, "t1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := tasks.ClaimForProcessing(ctx, "t1"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second claim: got %v, want ErrConflict", err)
	}

	status, err := tasks.GetStatus(ctx, "t1")
	if err != nil || status != store.TaskAgentProcessing {
		t.Fatalf("status = %q, %v", status, err)
	}

	// Terminal states can be claimed again.
	for _, s := range []store.TaskStatus{store.TaskAgentResponded, store.TaskError} {
		if err := tasks.SetStatus(ctx, "t1", s); err != nil {
			t.Fatal(err)
		}
		if err := tasks.ClaimForProcessing(ctx, "t1"); err != nil {
			t.Errorf("claim from %s: %v", s, err)
		}
	}
}

func TestClaimForProcessingConcurrent(t *testing.T) {
	tasks, _ := newTestStores(t)
	ctx := context.Background()
	if _, err := tasks.CreateTask(ctx, "race"); err != nil {
		t.Fatal(err)
	}

	const n = 8
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- tasks.ClaimForProcessing(ctx, "race")
		}()
	}
	wg.Wait()
	close(results)

	won := 0
	for err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, store.ErrConflict):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Errorf("winners = %d, want 1", won)
	}
}

func TestSetStatusMissing(t *testing.T) {
	tasks, _ := newTestStores(t)
	err := tasks.SetStatus(context.Background(), "nope", store.TaskError)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestHistoryExcludesStreamRecords(t *testing.T) {
	tasks, _ := newTestStores(t)
	ctx := context.Background()
	if _, err := tasks.CreateTask(ctx, "t"); err != nil {
		t.Fatal(err)
	}

	if _, err := tasks.AppendMessage(ctx, "t", store.RoleUser, "hi"); err != nil {
		t.Fatal(err)
	}
	sr, err := tasks.CreateStream(ctx, "t")
	if err != nil {
		t.Fatal(err)
	}
	if err := tasks.AppendStream(ctx, sr.ID, "hel"); err != nil {
		t.Fatal(err)
	}
	if _, err := tasks.AppendMessage(ctx, "t", store.RoleAssistant, "hello"); err != nil {
		t.Fatal(err)
	}

	hist, err := tasks.History(ctx, "t")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("history len = %d, want 2", len(hist))
	}
	if hist[0].Role != store.RoleUser || hist[0].Content != "hi" {
		t.Errorf("hist[0] = %+v", hist[0])
	}
	if hist[1].Role != store.RoleAssistant || hist[1].Content != "hello" {
		t.Errorf("hist[1] = %+v", hist[1])
	}

	all, err := tasks.ListChats(ctx, "t")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[1].Kind != store.ChatKindStream {
		t.Errorf("ListChats = %+v", all)
	}
}

func TestStreamLifecycle(t *testing.T) {
	tasks, _ := newTestStores(t)
	ctx := context.Background()
	if _, err := tasks.CreateTask(ctx, "t"); err != nil {
		t.Fatal(err)
	}

	sr, err := tasks.CreateStream(ctx, "t")
	if err != nil {
		t.Fatal(err)
	}
	if sr.StreamState != store.StreamOpen || sr.Role != store.RoleAssistant {
		t.Fatalf("new stream = %+v", sr)
	}

	for _, tok := range []string{"Hel", "lo", " world"} {
		if err := tasks.AppendStream(ctx, sr.ID, tok); err != nil {
			t.Fatalf("append %q: %v", tok, err)
		}
	}
	got, err := tasks.GetChat(ctx, sr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "Hello world" {
		t.Errorf("content = %q", got.Content)
	}

	if err := tasks.FinalizeStream(ctx, sr.ID, "Hello world!"); err != nil {
		t.Fatal(err)
	}
	got, _ = tasks.GetChat(ctx, sr.ID)
	if got.Content != "Hello world!" || got.StreamState != store.StreamFinal {
		t.Errorf("finalized = %+v", got)
	}

	if err := tasks.AppendStream(ctx, sr.ID, "late"); !errors.Is(err, store.ErrStreamClosed) {
		t.Errorf("append after finalize: got %v", err)
	}
	if err := tasks.FailStream(ctx, sr.ID); !errors.Is(err, store.ErrStreamClosed) {
		t.Errorf("fail after finalize: got %v", err)
	}
}

func TestFailStream(t *testing.T) {
	tasks, _ := newTestStores(t)
	ctx := context.Background()
	tasks.CreateTask(ctx, "t")
	sr, _ := tasks.CreateStream(ctx, "t")
	tasks.AppendStream(ctx, sr.ID, "partial")

	if err := tasks.FailStream(ctx, sr.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := tasks.GetChat(ctx, sr.ID)
	if got.StreamState != store.StreamError || got.Content != "partial" {
		t.Errorf("failed stream = %+v", got)
	}
}

func TestAgentAndTools(t *testing.T) {
	_, agents := newTestStores(t)
	ctx := context.Background()

	if _, err := agents.GetAgent(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing agent: %v", err)
	}

	weather := &store.ToolDescriptor{
		ID: "tool-weather", Name: "weather", Description: "Current weather",
		EndpointURL: "https://api.example.com/weather", HTTPMethod: "get",
		QueryParams: map[string]any{"city": "Hanoi"},
	}
	echo := &store.ToolDescriptor{
		ID: "tool-echo", Name: "echo", EndpointURL: "https://api.example.com/echo",
		HTTPMethod: "POST", Body: map[string]any{"x": float64(1)},
	}
	for _, td := range []*store.ToolDescriptor{weather, echo} {
		if err := agents.UpsertTool(ctx, td); err != nil {
			t.Fatal(err)
		}
	}

	a := &store.AgentData{
		ID: "agent-1", Name: "Researcher", Role: "Researcher", Goal: "Find facts",
		Backstory: "Curious", ToolIDs: []string{"tool-echo", "unknown", "tool-weather"},
	}
	if err := agents.UpsertAgent(ctx, a); err != nil {
		t.Fatal(err)
	}

	got, err := agents.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Role != "Researcher" || len(got.ToolIDs) != 3 {
		t.Fatalf("agent = %+v", got)
	}

	tools, err := agents.GetTools(ctx, got.ToolIDs)
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 2 {
		t.Fatalf("tools = %+v", tools)
	}
	if tools[0].Name != "echo" || tools[1].Name != "weather" {
		t.Errorf("order = %s, %s", tools[0].Name, tools[1].Name)
	}
	if tools[1].HTTPMethod != "GET" || tools[1].QueryParams["city"] != "Hanoi" {
		t.Errorf("weather = %+v", tools[1])
	}
	if tools[1].Headers == nil || len(tools[1].Headers) != 0 {
		t.Errorf("headers should be an empty map, got %v", tools[1].Headers)
	}
}

func TestPolicyRoundTripAndDefaults(t *testing.T) {
	_, agents := newTestStores(t)
	ctx := context.Background()

	if _, err := agents.GetPolicy(ctx, "p"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing policy: %v", err)
	}

	rpm := 30
	p := store.DefaultPolicy("groq/llama-3.1-8b-instant")
	p.MaxRPM = &rpm
	p.InjectDate = true
	p.UseSystemPrompt = false
	if err := agents.UpsertPolicy(ctx, "p", &p); err != nil {
		t.Fatal(err)
	}

	got, err := agents.GetPolicy(ctx, "p")
	if err != nil {
		t.Fatal(err)
	}
	if got.LLM != "groq/llama-3.1-8b-instant" || got.MaxRPM == nil || *got.MaxRPM != 30 {
		t.Errorf("policy = %+v", got)
	}
	if !got.InjectDate || got.UseSystemPrompt {
		t.Errorf("flags = inject %v, system %v", got.InjectDate, got.UseSystemPrompt)
	}
	if got.MaxExecutionTime != nil {
		t.Errorf("max_execution_time = %v, want nil", *got.MaxExecutionTime)
	}
}
