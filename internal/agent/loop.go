package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/taskrunner/internal/providers"
	"github.com/nextlevelbuilder/taskrunner/internal/store"
	"github.com/nextlevelbuilder/taskrunner/internal/tools"
)

// finalAnswerPrompt is sent when max_iter runs out while the model still wants tools.
const finalAnswerPrompt = "You have used all available iterations. Give your best final answer now without calling any tools."

// LoopConfig configures a Loop.
type LoopConfig struct {
	ID      string
	Name    string
	Persona Persona

	Provider providers.Provider
	Model    string
	Tools    *tools.Registry
	Policy   store.ExecutionPolicy

	// InputGuard defaults to NewInputGuard unless InjectionAction is "off".
	InputGuard      *InputGuard
	InjectionAction string // log, warn (default), block, off

	// ContextWindow is the prompt budget used with respect_context_window.
	ContextWindow int
	CountTokens   func(string) int

	Now   func() time.Time
	Retry *RetryConfig // nil = DefaultRetryConfig(Policy.MaxRetryLimit)
}

// Loop runs one agent: it drives the provider, executes tool calls and
// streams content tokens to the caller.
type Loop struct {
	id       string
	name     string
	persona  Persona
	provider providers.Provider
	model    string
	tools    *tools.Registry
	policy   store.ExecutionPolicy

	inputGuard      *InputGuard
	injectionAction string

	contextWindow int
	countTokens   func(string) int
	now           func() time.Time
	retry         RetryConfig
}

func NewLoop(cfg LoopConfig) *Loop {
	action := normalizeInjectionAction(cfg.InjectionAction)
	guard := cfg.InputGuard
	if action == InjectionOff {
		guard = nil
	} else if guard == nil {
		guard = NewInputGuard()
	}

	reg := cfg.Tools
	if reg == nil {
		reg = tools.NewRegistry()
	}
	window := cfg.ContextWindow
	if window <= 0 {
		window = DefaultContextWindow
	}
	count := cfg.CountTokens
	if count == nil {
		count = CountTokens
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	retry := DefaultRetryConfig(cfg.Policy.MaxRetryLimit)
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}

	return &Loop{
		id:              cfg.ID,
		name:            cfg.Name,
		persona:         cfg.Persona,
		provider:        cfg.Provider,
		model:           cfg.Model,
		tools:           reg,
		policy:          cfg.Policy,
		inputGuard:      guard,
		injectionAction: action,
		contextWindow:   window,
		countTokens:     count,
		now:             now,
		retry:           retry,
	}
}

func (l *Loop) ID() string                    { return l.id }
func (l *Loop) Name() string                  { return l.name }
func (l *Loop) Model() string                 { return l.model }
func (l *Loop) Persona() Persona              { return l.persona }
func (l *Loop) Policy() store.ExecutionPolicy { return l.policy }
func (l *Loop) Tools() []string               { return l.tools.List() }

func (l *Loop) ProviderName() string {
	if l.provider == nil {
		return ""
	}
	return l.provider.Name()
}

// Run executes one request. Content tokens are passed to req.OnToken as the
// provider produces them; the returned content is the final answer.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if l.provider == nil {
		return nil, errors.New("agent has no provider")
	}

	if secs := l.policy.MaxExecutionTime; secs != nil && *secs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*secs)*time.Second)
		defer cancel()
	}
	ctx = tools.WithToolTaskID(ctx, req.TaskID)
	ctx = tools.WithToolAgentID(ctx, l.id)

	if err := l.inputGuard.check(l.injectionAction, "user", req.TaskID, req.Message); err != nil {
		return nil, err
	}

	history := req.History
	if l.policy.RespectContextWindow {
		fixed := l.countTokens(SystemPrompt(l.persona, l.policy.SystemTemplate)) + l.countTokens(req.Message) + 2*messageOverhead
		var dropped int
		history, dropped = trimHistory(history, fixed, l.contextWindow, l.countTokens)
		if dropped > 0 {
			slog.Info("agent: history trimmed to fit context window",
				"agent", l.id, "task_id", req.TaskID, "dropped", dropped, "kept", len(history))
		}
	}
	msgs := buildMessages(l.persona, l.policy, l.now(), history, req.Message)

	var limiter *rate.Limiter
	if rpm := l.policy.MaxRPM; rpm != nil && *rpm > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(*rpm)/60.0), 1)
	}

	maxIter := l.policy.MaxIter
	if maxIter <= 0 {
		maxIter = 1
	}
	toolDefs := l.tools.ProviderDefs()
	result := &RunResult{}

	for i := 0; i < maxIter; i++ {
		resp, err := l.call(ctx, limiter, msgs, toolDefs, req.OnToken)
		result.Iterations++
		if err != nil {
			return nil, err
		}
		addUsage(result, resp.Usage)
		l.logIteration(req.TaskID, result.Iterations, resp)

		if len(resp.ToolCalls) == 0 {
			result.Content = resp.Content
			return result, nil
		}

		msgs = append(msgs, providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			result.ToolCalls++
			res := l.tools.Execute(ctx, call.Name, call.Arguments)
			_ = l.inputGuard.check(l.injectionAction, "tool", req.TaskID, res.ForLLM)
			msgs = append(msgs, providers.Message{Role: "tool", Content: res.ForLLM, ToolCallID: call.ID})
		}
	}

	slog.Info("agent: max_iter reached, forcing final answer", "agent", l.id, "task_id", req.TaskID, "max_iter", maxIter)
	msgs = append(msgs, providers.Message{Role: "user", Content: finalAnswerPrompt})
	resp, err := l.call(ctx, limiter, msgs, nil, req.OnToken)
	result.Iterations++
	if err != nil {
		return nil, err
	}
	addUsage(result, resp.Usage)
	result.Content = resp.Content
	return result, nil
}

// call performs one streamed provider call with max_rpm throttling and
// retries. An attempt that already emitted tokens is not retried, so the
// caller never sees the same text twice.
func (l *Loop) call(ctx context.Context, limiter *rate.Limiter, msgs []providers.Message, defs []providers.ToolDefinition, onToken func(string)) (*providers.ChatResponse, error) {
	req := providers.ChatRequest{Messages: msgs, Tools: defs, Model: l.model}

	resp, attempts, err := ExecuteWithRetry(ctx, l.retry, func() (*providers.ChatResponse, error) {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, Permanent(err)
			}
		}
		emitted := false
		resp, err := l.provider.ChatStream(ctx, req, func(chunk providers.StreamChunk) {
			if chunk.Content == "" {
				return
			}
			emitted = true
			if onToken != nil {
				onToken(chunk.Content)
			}
		})
		if err == nil {
			return resp, nil
		}
		var httpErr *providers.HTTPError
		if emitted || ctx.Err() != nil || (errors.As(err, &httpErr) && !httpErr.Retryable()) {
			return nil, Permanent(err)
		}
		slog.Warn("agent: provider call failed", "agent", l.id, "provider", l.provider.Name(), "error", err)
		return nil, err
	})
	if err != nil {
		return nil, fmt.Errorf("%s after %d attempt(s): %w", l.provider.Name(), attempts, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%s returned no response", l.provider.Name())
	}
	return resp, nil
}

func (l *Loop) logIteration(taskID string, iter int, resp *providers.ChatResponse) {
	level := slog.LevelDebug
	if l.policy.Verbose {
		level = slog.LevelInfo
	}
	slog.Log(context.Background(), level, "agent: iteration",
		"agent", l.id, "task_id", taskID, "iteration", iter,
		"tool_calls", len(resp.ToolCalls), "finish_reason", resp.FinishReason)
}

func addUsage(r *RunResult, u *providers.Usage) {
	if u == nil {
		return
	}
	if r.Usage == nil {
		r.Usage = &providers.Usage{}
	}
	r.Usage.PromptTokens += u.PromptTokens
	r.Usage.CompletionTokens += u.CompletionTokens
	r.Usage.TotalTokens += u.TotalTokens
}
