package protocol

// Stream frame types pushed on GET /tasks/{task_id}/stream.
const (
	FrameSnapshot = "snapshot" // content persisted before the client connected
	FrameToken    = "token"
	FrameDone     = "done"
	FrameError    = "error"
)

// StreamFrame is one WebSocket message of a task stream.
type StreamFrame struct {
	Type     string `json:"type"`
	TaskID   string `json:"task_id"`
	StreamID string `json:"stream_id,omitempty"`
	Token    string `json:"token,omitempty"`
	Content  string `json:"content,omitempty"`
	Error    string `json:"error,omitempty"`
}
