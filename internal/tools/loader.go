package tools

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/taskrunner/internal/store"
)

// LoaderOptions configures registries built by a Loader.
type LoaderOptions struct {
	HTTPClient  *http.Client
	Timeout     time.Duration
	RateLimiter *ToolRateLimiter
}

// Loader builds a fresh tool registry per agent run from stored descriptors.
type Loader struct {
	agents store.AgentStore
	opts   LoaderOptions
}

func NewLoader(agents store.AgentStore, opts LoaderOptions) *Loader {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Loader{agents: agents, opts: opts}
}

// Load fetches descriptors for ids and wraps each as an HTTPTool. The returned
// registry is never nil; on a store error it is empty and the error is returned.
func (l *Loader) Load(ctx context.Context, ids []string, cache bool) (*Registry, error) {
	reg := NewRegistry()
	reg.SetRateLimiter(l.opts.RateLimiter)
	if cache {
		reg.EnableCache(0)
	}
	if len(ids) == 0 {
		return reg, nil
	}

	descs, err := l.agents.GetTools(ctx, ids)
	if err != nil {
		return reg, fmt.Errorf("load tools: %w", err)
	}
	for _, d := range descs {
		if d.EndpointURL == "" {
			slog.Warn("tools: descriptor without endpoint skipped", "tool_id", d.ID, "name", d.Name)
			continue
		}
		reg.Register(NewHTTPTool(d, l.opts.HTTPClient, l.opts.Timeout))
	}
	if missing := len(ids) - len(descs); missing > 0 {
		slog.Warn("tools: referenced tools not found", "requested", len(ids), "found", len(descs))
	}
	return reg, nil
}
