package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/taskrunner/internal/providers"
	"github.com/nextlevelbuilder/taskrunner/internal/store"
	"github.com/nextlevelbuilder/taskrunner/internal/tools"
)

// DefaultModelID is the model identifier used when neither the policy row
// nor the config names one.
const DefaultModelID = "openai/gpt-4"

// FactoryConfig configures a Factory.
type FactoryConfig struct {
	Agents    store.AgentStore
	Providers *providers.Registry
	Tools     *tools.Loader

	PolicyID        string
	DefaultModel    string
	InjectionAction string
	ContextWindow   int
}

// Factory assembles a Loop per execution from the stored agent row, its tool
// descriptors and the global execution policy. Nothing is cached between builds.
type Factory struct {
	agents    store.AgentStore
	providers *providers.Registry
	loader    *tools.Loader
	policyID  string

	mu              sync.RWMutex
	defaultModel    string
	injectionAction string
	contextWindow   int
}

func NewFactory(cfg FactoryConfig) *Factory {
	loader := cfg.Tools
	if loader == nil {
		loader = tools.NewLoader(cfg.Agents, tools.LoaderOptions{})
	}
	f := &Factory{
		agents:    cfg.Agents,
		providers: cfg.Providers,
		loader:    loader,
		policyID:  cfg.PolicyID,
	}
	f.Update(cfg.DefaultModel, cfg.InjectionAction, cfg.ContextWindow)
	return f
}

// Update swaps the reloadable settings. Used on config hot reload.
func (f *Factory) Update(defaultModel, injectionAction string, contextWindow int) {
	if defaultModel == "" {
		defaultModel = DefaultModelID
	}
	f.mu.Lock()
	f.defaultModel = defaultModel
	f.injectionAction = injectionAction
	f.contextWindow = contextWindow
	f.mu.Unlock()
}

func (f *Factory) settings() (string, string, int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.defaultModel, f.injectionAction, f.contextWindow
}

// Policy reads the global policy row, falling back to DefaultPolicy when the
// row is missing or unreadable.
func (f *Factory) Policy(ctx context.Context) store.ExecutionPolicy {
	defaultModel, _, _ := f.settings()
	p, err := f.agents.GetPolicy(ctx, f.policyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("agent: execution policy not found, using defaults", "policy_id", f.policyID)
		} else {
			slog.Warn("agent: execution policy unreadable, using defaults", "policy_id", f.policyID, "error", err)
		}
		return store.DefaultPolicy(defaultModel)
	}
	if p.LLM == "" {
		p.LLM = defaultModel
	}
	return *p
}

// Build assembles the agent. A missing agent row returns an error wrapping
// store.ErrNotFound.
func (f *Factory) Build(ctx context.Context, agentID string) (*Loop, error) {
	data, err := f.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", agentID, err)
	}

	policy := f.Policy(ctx)

	reg, err := f.loader.Load(ctx, data.ToolIDs, policy.Cache)
	if err != nil {
		slog.Warn("agent: tools unavailable, continuing without tools", "agent", agentID, "error", err)
		reg = tools.NewRegistry()
	}

	if f.providers == nil {
		return nil, errors.New("no providers configured")
	}
	provider, model, err := f.providers.Resolve(policy.LLM)
	if err != nil {
		return nil, fmt.Errorf("resolve model: %w", err)
	}

	if knobs := UnsupportedKnobs(policy); len(knobs) > 0 {
		slog.Debug("agent: policy knobs carried but not supported", "agent", agentID, "knobs", knobs)
	}

	_, injection, window := f.settings()
	return NewLoop(LoopConfig{
		ID:   data.ID,
		Name: data.Name,
		Persona: Persona{
			Role:      data.Role,
			Goal:      data.Goal,
			Backstory: data.Backstory,
		},
		Provider:        provider,
		Model:           model,
		Tools:           reg,
		Policy:          policy,
		InjectionAction: injection,
		ContextWindow:   window,
	}), nil
}

// BuildAgent is Build behind the Agent interface.
func (f *Factory) BuildAgent(ctx context.Context, agentID string) (Agent, error) {
	l, err := f.Build(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// UnsupportedKnobs lists the policy settings that are set but have no effect
// on execution.
func UnsupportedKnobs(p store.ExecutionPolicy) []string {
	var out []string
	add := func(set bool, name string) {
		if set {
			out = append(out, name)
		}
	}
	add(p.FunctionCallingLLM != "", "function_calling_llm")
	add(p.AllowDelegation, "allow_delegation")
	add(p.AllowCodeExecution, "allow_code_execution")
	add(p.Multimodal, "multimodal")
	add(p.Reasoning, "reasoning")
	add(p.MaxReasoningAttempts != nil, "max_reasoning_attempts")
	add(p.PromptTemplate != "", "prompt_template")
	add(p.ResponseTemplate != "", "response_template")
	add(len(p.Embedder) > 0, "embedder")
	add(len(p.KnowledgeSources) > 0, "knowledge_sources")
	return out
}
