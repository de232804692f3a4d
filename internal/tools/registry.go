package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nextlevelbuilder/taskrunner/internal/providers"
)

// Registry holds the tools of one agent run and executes them.
type Registry struct {
	tools       map[string]Tool
	mu          sync.RWMutex
	rateLimiter *ToolRateLimiter // nil = no rate limiting
	scrubbing   bool             // scrub credentials from output (default true)
	cache       *lru.Cache[string, *Result]
}

func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]Tool),
		scrubbing: true,
	}
}

// SetRateLimiter enables per-task tool rate limiting.
func (r *Registry) SetRateLimiter(rl *ToolRateLimiter) {
	r.rateLimiter = rl
}

// SetScrubbing enables or disables credential scrubbing on tool output.
func (r *Registry) SetScrubbing(enabled bool) {
	r.scrubbing = enabled
}

// EnableCache memoizes successful results by tool name and arguments.
func (r *Registry) EnableCache(size int) {
	if size <= 0 {
		size = 128
	}
	c, err := lru.New[string, *Result](size)
	if err != nil {
		slog.Warn("tool cache disabled", "error", err)
		return
	}
	r.mu.Lock()
	r.cache = c
	r.mu.Unlock()
}

// Register adds a tool. A name already taken gets a numeric suffix, and the
// name actually registered is returned.
func (r *Registry) Register(tool Tool) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, taken := r.tools[name]; taken {
		for i := 2; ; i++ {
			candidate := suffixedName(name, i)
			if _, taken := r.tools[candidate]; !taken {
				slog.Warn("tool name collision, renamed", "tool", name, "as", candidate)
				name = candidate
				tool = renamedTool{Tool: tool, name: candidate}
				break
			}
		}
	}
	r.tools[name] = tool
	return name
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Unregister removes a tool from the registry by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

func cacheKey(name string, args map[string]interface{}) string {
	b, _ := json.Marshal(args) // map keys are sorted
	return name + "\x00" + string(b)
}

// Execute runs a tool by name. The task id in ctx (WithToolTaskID) is the
// rate-limit key.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	r.mu.RLock()
	tool, ok := r.tools[name]
	cache := r.cache
	r.mu.RUnlock()

	if !ok {
		return ErrorResult("unknown tool: " + name)
	}

	key := cacheKey(name, args)
	if cache != nil {
		if hit, ok := cache.Get(key); ok {
			slog.Debug("tool cache hit", "tool", name)
			return &Result{ForLLM: hit.ForLLM, Cached: true}
		}
	}

	taskID, agentID := ToolTaskIDFromCtx(ctx), ToolAgentIDFromCtx(ctx)
	if r.rateLimiter != nil && taskID != "" {
		if err := r.rateLimiter.Allow(taskID); err != nil {
			slog.Warn("tool rate limited", "tool", name, "task_id", taskID, "agent_id", agentID)
			return ErrorResult(err.Error())
		}
	}

	start := time.Now()
	result := tool.Execute(ctx, args)
	if result == nil {
		result = ErrorResult("tool returned no result")
	}
	duration := time.Since(start)

	if r.scrubbing && result.ForLLM != "" {
		result.ForLLM = ScrubCredentials(result.ForLLM)
	}
	if cache != nil && !result.IsError {
		cache.Add(key, result)
	}

	slog.Debug("tool executed",
		"tool", name,
		"task_id", taskID,
		"agent_id", agentID,
		"duration_ms", duration.Milliseconds(),
		"is_error", result.IsError,
	)

	return result
}

// ProviderDefs returns tool definitions sorted by name.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, name := range r.sortedNamesLocked() {
		defs = append(defs, ToProviderDef(r.tools[name]))
	}
	return defs
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedNamesLocked()
}

func (r *Registry) sortedNamesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

type renamedTool struct {
	Tool
	name string
}

func (t renamedTool) Name() string { return t.name }
