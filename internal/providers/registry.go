package providers

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Well-known OpenAI-compatible endpoints.
const (
	groqBase       = "https://api.groq.com/openai/v1"
	openrouterBase = "https://openrouter.ai/api/v1"
	deepseekBase   = "https://api.deepseek.com/v1"
	ollamaHost     = "http://localhost:11434"
)

// ProviderConfig holds credentials for one backend.
type ProviderConfig struct {
	APIKey  string `json:"api_key,omitempty"`
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
}

// Registry maps provider names to providers and resolves "provider/model" ids.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  string
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider), fallback: "openai"}
}

// Register adds or replaces a provider under its name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// SetFallback names the provider used for ids without a known prefix.
func (r *Registry) SetFallback(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = name
}

func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve splits a model id such as "groq/llama-3.1-8b-instant" into a
// provider and the model name it expects. Ids whose prefix is not a
// registered provider go to the fallback provider unchanged, so
// "gpt-4" and "anthropic/claude-3.5-sonnet" (via openrouter) both work.
func (r *Registry) Resolve(modelID string) (Provider, string, error) {
	modelID = strings.TrimSpace(modelID)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if prefix, rest, ok := strings.Cut(modelID, "/"); ok {
		if p, found := r.providers[prefix]; found {
			if rest == "" {
				rest = p.DefaultModel()
			}
			return p, rest, nil
		}
	}

	p, ok := r.providers[r.fallback]
	if !ok {
		return nil, "", fmt.Errorf("no provider for model %q (fallback %q not configured)", modelID, r.fallback)
	}
	if modelID == "" {
		modelID = p.DefaultModel()
	}
	return p, modelID, nil
}

// NewFromConfig builds providers for every entry with credentials. Ollama
// needs no key and is registered whenever it has an entry.
func NewFromConfig(cfgs map[string]ProviderConfig) *Registry {
	r := NewRegistry()
	for name, c := range cfgs {
		switch name {
		case "openai":
			if c.APIKey != "" {
				r.Register(NewOpenAIProvider("openai", c.APIKey, c.APIBase, c.Model))
			}
		case "groq":
			if c.APIKey != "" {
				r.Register(NewOpenAIProvider("groq", c.APIKey, firstNonEmpty(c.APIBase, groqBase), firstNonEmpty(c.Model, "llama-3.1-8b-instant")))
			}
		case "openrouter":
			if c.APIKey != "" {
				r.Register(NewOpenAIProvider("openrouter", c.APIKey, firstNonEmpty(c.APIBase, openrouterBase), firstNonEmpty(c.Model, "openai/gpt-4o-mini")))
			}
		case "deepseek":
			if c.APIKey != "" {
				r.Register(NewOpenAIProvider("deepseek", c.APIKey, firstNonEmpty(c.APIBase, deepseekBase), firstNonEmpty(c.Model, "deepseek-chat")))
			}
		case "dashscope":
			if c.APIKey != "" {
				r.Register(NewDashScopeProvider(c.APIKey, c.APIBase, c.Model))
			}
		case "ollama":
			base := strings.TrimRight(firstNonEmpty(c.APIBase, ollamaHost), "/")
			if !strings.HasSuffix(base, "/v1") {
				base += "/v1"
			}
			r.Register(NewOpenAIProvider("ollama", "", base, firstNonEmpty(c.Model, "llama3.1")))
		default:
			// Any other name is treated as a custom OpenAI-compatible endpoint.
			if c.APIBase != "" {
				r.Register(NewOpenAIProvider(name, c.APIKey, c.APIBase, c.Model))
			}
		}
	}
	return r
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
