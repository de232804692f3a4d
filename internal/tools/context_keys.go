package tools

import "context"

type toolContextKey string

const (
	ctxTaskID  toolContextKey = "tool_task_id"
	ctxAgentID toolContextKey = "tool_agent_id"
)

// WithToolTaskID tags ctx with the task a tool runs for. The registry rate
// limits per task.
func WithToolTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, ctxTaskID, taskID)
}

func ToolTaskIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxTaskID).(string)
	return v
}

func WithToolAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, ctxAgentID, agentID)
}

func ToolAgentIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxAgentID).(string)
	return v
}
