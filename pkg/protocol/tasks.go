// Package protocol defines the JSON wire format of the task API.
// This package is importable by clients.
package protocol

import "time"

// ProcessTaskRequest is the body of POST /process-task.
type ProcessTaskRequest struct {
	TaskID      string `json:"task_id"`
	AgentID     string `json:"agent_id"`
	UserMessage string `json:"user_message"`
}

// ProcessTaskResponse is returned when the execution finished, successfully or not.
type ProcessTaskResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	AgentResponse string `json:"agent_response"`
}

// TaskStatusResponse is returned by GET /task-status/{task_id}.
type TaskStatusResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Exists bool   `json:"exists"`
}

// ChatMessage is one chat row as exposed by the API.
type ChatMessage struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Kind        string    `json:"kind"`
	StreamState string    `json:"stream_state,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// TaskHistoryResponse is returned by GET /task-history/{task_id}.
type TaskHistoryResponse struct {
	TaskID   string        `json:"task_id"`
	Messages []ChatMessage `json:"messages"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// LaneStats is a utilization snapshot of one execution lane.
type LaneStats struct {
	Name        string `json:"name"`
	Concurrency int    `json:"concurrency"`
	Active      int    `json:"active"`
	Queued      int    `json:"queued"`
	Completed   int64  `json:"completed"`
}

// StatsResponse is returned by GET /stats.
type StatsResponse struct {
	Lanes []LaneStats `json:"lanes"`
}

// RootResponse is returned by GET /.
type RootResponse struct {
	Message string `json:"message"`
	Version string `json:"version"`
	Status  string `json:"status"`
}
