package store

import (
	"context"
	"time"
)

// TaskStatus is the persisted lifecycle state of a task.
type TaskStatus string

const (
	TaskIdle            TaskStatus = "idle"
	TaskAgentProcessing TaskStatus = "agent_processing"
	TaskAgentResponded  TaskStatus = "agent_responded"
	TaskError           TaskStatus = "error"

	// TaskNotFound is reported to callers for absent tasks. Never persisted.
	TaskNotFound TaskStatus = "not_found"
)

// Chat roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatKind distinguishes discrete chat messages from streaming records.
type ChatKind string

const (
	ChatKindMessage ChatKind = "message"
	ChatKindStream  ChatKind = "stream"
)

// StreamState is the lifecycle of a streaming record. Empty for plain messages.
type StreamState string

const (
	StreamOpen  StreamState = "open"
	StreamFinal StreamState = "final"
	StreamError StreamState = "error"
)

// TaskData is a row of s_tasks.
type TaskData struct {
	BaseModel
	Status TaskStatus `json:"task_status"`
}

// ChatMessage is a row of s_taskchats.
type ChatMessage struct {
	ID          string      `json:"id"`
	TaskID      string      `json:"task_id"`
	Role        string      `json:"role"`
	Content     string      `json:"content"`
	Kind        ChatKind    `json:"kind"`
	StreamState StreamState `json:"stream_state,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// TaskStore manages tasks, their chat rows and streaming records.
type TaskStore interface {
	// CreateTask inserts a task in the idle state. Used by the CLI and tests.
	CreateTask(ctx context.Context, id string) (*TaskData, error)
	GetTask(ctx context.Context, id string) (*TaskData, error)
	TaskExists(ctx context.Context, id string) (bool, error)
	GetStatus(ctx context.Context, id string) (TaskStatus, error)

	// ClaimForProcessing atomically moves a task to agent_processing unless it
	// is already there. Returns ErrNotFound or ErrConflict.
	ClaimForProcessing(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id string, status TaskStatus) error

	// History returns kind=message rows in read order.
	History(ctx context.Context, taskID string) ([]ChatMessage, error)
	// ListChats returns every row of the task (messages and streaming records).
	ListChats(ctx context.Context, taskID string) ([]ChatMessage, error)
	AppendMessage(ctx context.Context, taskID, role, content string) (*ChatMessage, error)

	CreateStream(ctx context.Context, taskID string) (*ChatMessage, error)
	GetChat(ctx context.Context, id string) (*ChatMessage, error)
	// AppendStream appends a token to an open streaming record. Returns ErrStreamClosed otherwise.
	AppendStream(ctx context.Context, streamID, token string) error
	FinalizeStream(ctx context.Context, streamID, content string) error
	FailStream(ctx context.Context, streamID string) error
}
