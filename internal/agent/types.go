package agent

import (
	"context"

	"github.com/nextlevelbuilder/taskrunner/internal/providers"
)

// Agent is a runnable agent assembled for one task execution.
// Implemented by *Loop; extracted as an interface so callers can use fakes.
type Agent interface {
	ID() string
	Model() string
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

// RunRequest is the input of one execution.
type RunRequest struct {
	TaskID  string
	History []providers.Message // prior chat, oldest first
	Message string              // the new user message

	// OnToken receives every content token as it is produced.
	OnToken func(token string)
}

// RunResult is the outcome of a successful execution.
type RunResult struct {
	Content    string           `json:"content"`
	Iterations int              `json:"iterations"`
	ToolCalls  int              `json:"tool_calls"`
	Usage      *providers.Usage `json:"usage,omitempty"`
}
