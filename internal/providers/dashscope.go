package providers

import (
	"context"
	"log/slog"
	"strings"
)

const (
	dashscopeDefaultBase  = "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"
	dashscopeDefaultModel = "qwen3-max"
)

// DashScopeProvider is the Qwen compatible-mode endpoint. It cannot stream
// while tools are attached, so those calls go through Chat.
type DashScopeProvider struct {
	*OpenAIProvider
}

func NewDashScopeProvider(apiKey, apiBase, defaultModel string) *DashScopeProvider {
	if apiBase == "" {
		apiBase = dashscopeDefaultBase
	}
	if defaultModel == "" {
		defaultModel = dashscopeDefaultModel
	}
	return &DashScopeProvider{
		OpenAIProvider: NewOpenAIProvider("dashscope", apiKey, apiBase, defaultModel),
	}
}

func (p *DashScopeProvider) Name() string { return "dashscope" }

// Chat disables Qwen3 thinking, which compatible mode only allows when streaming.
func (p *DashScopeProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	opts := make(map[string]interface{}, len(req.Options)+1)
	for k, v := range req.Options {
		opts[k] = v
	}
	if _, ok := opts["enable_thinking"]; !ok {
		opts["enable_thinking"] = false
	}
	req.Options = opts
	return p.OpenAIProvider.Chat(ctx, req)
}

// ChatStream streams normally. Compatible mode rejects stream=true together
// with tools, so tool-carrying requests are answered by Chat and the reply is
// replayed to onChunk word by word.
func (p *DashScopeProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	if len(req.Tools) == 0 {
		return p.OpenAIProvider.ChatStream(ctx, req, onChunk)
	}

	slog.Debug("dashscope: request carries tools, replaying non-streamed reply", "tools", len(req.Tools))
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil {
		replay(resp, onChunk)
	}
	return resp, nil
}

// replay feeds a complete response to onChunk as a sequence of stream chunks,
// ending with Done.
func replay(resp *ChatResponse, onChunk func(StreamChunk)) {
	if resp.Thinking != "" {
		onChunk(StreamChunk{Thinking: resp.Thinking})
	}
	for _, word := range strings.SplitAfter(resp.Content, " ") {
		if word != "" {
			onChunk(StreamChunk{Content: word})
		}
	}
	onChunk(StreamChunk{Done: true})
}
