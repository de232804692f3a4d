package store

import (
	"context"
	"encoding/json"
	"time"
)

// AgentData is a row of s_agent_basic_metadata.
type AgentData struct {
	ID        string    `json:"id"`
	Name      string    `json:"agent_name,omitempty"`
	Role      string    `json:"role"`
	Goal      string    `json:"goal"`
	Backstory string    `json:"backstory"`
	ToolIDs   []string  `json:"tools"`
	CreatedAt time.Time `json:"created_at"`
}

// ToolDescriptor is a row of api_metadata: a declarative HTTP call.
// Header/param/body templates are decoded independently; anything
// unparsable becomes an empty map.
type ToolDescriptor struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"tool_description"`
	EndpointURL string         `json:"endpoint_url"`
	HTTPMethod  string         `json:"http_method"`
	Headers     map[string]any `json:"headers"`
	QueryParams map[string]any `json:"query_params"`
	Body        map[string]any `json:"body"`
}

// ExecutionPolicy is the global knob set read from s_agent_configs.
// Pointer fields are unset when nil.
type ExecutionPolicy struct {
	LLM                  string          `json:"llm"`
	FunctionCallingLLM   string          `json:"function_calling_llm,omitempty"`
	MaxIter              int             `json:"max_iter"`
	MaxRPM               *int            `json:"max_rpm,omitempty"`
	MaxExecutionTime     *int            `json:"max_execution_time,omitempty"` // seconds
	Verbose              bool            `json:"verbose"`
	AllowDelegation      bool            `json:"allow_delegation"`
	Cache                bool            `json:"cache"`
	SystemTemplate       string          `json:"system_template,omitempty"`
	PromptTemplate       string          `json:"prompt_template,omitempty"`
	ResponseTemplate     string          `json:"response_template,omitempty"`
	AllowCodeExecution   bool            `json:"allow_code_execution"`
	MaxRetryLimit        int             `json:"max_retry_limit"`
	RespectContextWindow bool            `json:"respect_context_window"`
	CodeExecutionMode    string          `json:"code_execution_mode"`
	Multimodal           bool            `json:"multimodal"`
	InjectDate           bool            `json:"inject_date"`
	DateFormat           string          `json:"date_format"`
	Reasoning            bool            `json:"reasoning"`
	MaxReasoningAttempts *int            `json:"max_reasoning_attempts,omitempty"`
	Embedder             json.RawMessage `json:"embedder,omitempty"`
	KnowledgeSources     json.RawMessage `json:"knowledge_sources,omitempty"`
	UseSystemPrompt      bool            `json:"use_system_prompt"`
}

// DefaultPolicy returns the fallback used when the policy row is missing or unreachable.
func DefaultPolicy(model string) ExecutionPolicy {
	return ExecutionPolicy{
		LLM:                  model,
		MaxIter:              20,
		Cache:                true,
		MaxRetryLimit:        2,
		RespectContextWindow: true,
		CodeExecutionMode:    "safe",
		DateFormat:           "%Y-%m-%d",
		UseSystemPrompt:      true,
	}
}

// AgentStore reads agent definitions, tool descriptors and the execution policy.
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*AgentData, error)
	// GetTools returns descriptors for the given ids; unknown ids are skipped.
	GetTools(ctx context.Context, ids []string) ([]ToolDescriptor, error)
	// GetPolicy returns ErrNotFound when the row is missing.
	GetPolicy(ctx context.Context, id string) (*ExecutionPolicy, error)

	// Seeding helpers used by the CLI and tests.
	UpsertAgent(ctx context.Context, a *AgentData) error
	UpsertTool(ctx context.Context, t *ToolDescriptor) error
	UpsertPolicy(ctx context.Context, id string, p *ExecutionPolicy) error
}
