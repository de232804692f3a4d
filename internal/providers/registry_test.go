package providers

import "testing"

func TestRegistryResolve(t *testing.T) {
	r := NewFromConfig(map[string]ProviderConfig{
		"openai":     {APIKey: "sk-1"},
		"groq":       {APIKey: "gsk"},
		"openrouter": {APIKey: "or"},
		"deepseek":   {},
	})

	tests := []struct {
		id           string
		wantProvider string
		wantModel    string
	}{
		{"gpt-4", "openai", "gpt-4"},
		{"openai/gpt-4o", "openai", "gpt-4o"},
		{"groq/llama-3.1-70b-versatile", "groq", "llama-3.1-70b-versatile"},
		{"groq/", "groq", "llama-3.1-8b-instant"},
		{"openrouter/anthropic/claude-3.5-sonnet", "openrouter", "anthropic/claude-3.5-sonnet"},
		{"deepseek/deepseek-chat", "openai", "deepseek/deepseek-chat"},
		{"", "openai", "gpt-4"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			p, model, err := r.Resolve(tt.id)
			if err != nil {
				t.Fatal(err)
			}
			if p.Name() != tt.wantProvider || model != tt.wantModel {
				t.Errorf("Resolve(%q) = %s, %s; want %s, %s", tt.id, p.Name(), model, tt.wantProvider, tt.wantModel)
			}
		})
	}
}

func TestRegistryResolve_NoFallback(t *testing.T) {
	r := NewFromConfig(map[string]ProviderConfig{"groq": {APIKey: "gsk"}})
	if _, _, err := r.Resolve("gpt-4"); err == nil {
		t.Error("expected error without fallback provider")
	}

	r.SetFallback("groq")
	p, model, err := r.Resolve("gpt-4")
	if err != nil || p.Name() != "groq" || model != "gpt-4" {
		t.Errorf("Resolve = %v, %q, %v", p, model, err)
	}
}

func TestNewFromConfig_Ollama(t *testing.T) {
	r := NewFromConfig(map[string]ProviderConfig{"ollama": {APIBase: "http://gpu-box:11434/"}})
	p, ok := r.Get("ollama")
	if !ok {
		t.Fatal("ollama not registered")
	}
	if got := p.(*OpenAIProvider).apiBase; got != "http://gpu-box:11434/v1" {
		t.Errorf("apiBase = %q", got)
	}
	if names := r.Names(); len(names) != 1 || names[0] != "ollama" {
		t.Errorf("names = %v", names)
	}
}
