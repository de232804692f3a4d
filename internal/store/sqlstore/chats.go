package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/taskrunner/internal/store"
)

const chatSelectCols = `id, task_id, role, content, kind, stream_state, created_at, updated_at`

type chatRow struct {
	ID          string    `db:"id"`
	TaskID      string    `db:"task_id"`
	Role        string    `db:"role"`
	Content     string    `db:"content"`
	Kind        string    `db:"kind"`
	StreamState string    `db:"stream_state"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r chatRow) toMessage() store.ChatMessage {
	return store.ChatMessage{
		ID:          r.ID,
		TaskID:      r.TaskID,
		Role:        r.Role,
		Content:     r.Content,
		Kind:        store.ChatKind(r.Kind),
		StreamState: store.StreamState(r.StreamState),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func toMessages(rows []chatRow) []store.ChatMessage {
	out := make([]store.ChatMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toMessage())
	}
	return out
}

func (s *TaskStore) History(ctx context.Context, taskID string) ([]store.ChatMessage, error) {
	var rows []chatRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT `+chatSelectCols+` FROM s_taskchats
		 WHERE task_id = ? AND kind = ?
		 ORDER BY created_at ASC, id ASC`),
		taskID, string(store.ChatKindMessage))
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return toMessages(rows), nil
}

func (s *TaskStore) ListChats(ctx context.Context, taskID string) ([]store.ChatMessage, error) {
	var rows []chatRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT `+chatSelectCols+` FROM s_taskchats
		 WHERE task_id = ?
		 ORDER BY created_at ASC, id ASC`),
		taskID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return toMessages(rows), nil
}

func (s *TaskStore) insertChat(ctx context.Context, m *store.ChatMessage) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO s_taskchats (id, task_id, role, content, kind, stream_state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.TaskID, m.Role, m.Content, string(m.Kind), string(m.StreamState), m.CreatedAt, m.UpdatedAt)
	return err
}

func (s *TaskStore) AppendMessage(ctx context.Context, taskID, role, content string) (*store.ChatMessage, error) {
	now := nowUTC()
	m := &store.ChatMessage{
		ID:        store.GenNewID().String(),
		TaskID:    taskID,
		Role:      role,
		Content:   content,
		Kind:      store.ChatKindMessage,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.insertChat(ctx, m); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return m, nil
}

func (s *TaskStore) CreateStream(ctx context.Context, taskID string) (*store.ChatMessage, error) {
	now := nowUTC()
	m := &store.ChatMessage{
		ID:          store.GenNewID().String(),
		TaskID:      taskID,
		Role:        store.RoleAssistant,
		Kind:        store.ChatKindStream,
		StreamState: store.StreamOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.insertChat(ctx, m); err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	return m, nil
}

func (s *TaskStore) GetChat(ctx context.Context, id string) (*store.ChatMessage, error) {
	var row chatRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`SELECT `+chatSelectCols+` FROM s_taskchats WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	m := row.toMessage()
	return &m, nil
}

// AppendStream concatenates in SQL so appends from a single writer never
// read-modify-write the content.
func (s *TaskStore) AppendStream(ctx context.Context, streamID, token string) error {
	return s.updateOpenStream(ctx,
		`UPDATE s_taskchats SET content = content || ?, updated_at = ?
		 WHERE id = ? AND kind = ? AND stream_state = ?`,
		token, nowUTC(), streamID, string(store.ChatKindStream), string(store.StreamOpen))
}

func (s *TaskStore) FinalizeStream(ctx context.Context, streamID, content string) error {
	return s.updateOpenStream(ctx,
		`UPDATE s_taskchats SET content = ?, stream_state = ?, updated_at = ?
		 WHERE id = ? AND kind = ? AND stream_state = ?`,
		content, string(store.StreamFinal), nowUTC(), streamID, string(store.ChatKindStream), string(store.StreamOpen))
}

func (s *TaskStore) FailStream(ctx context.Context, streamID string) error {
	return s.updateOpenStream(ctx,
		`UPDATE s_taskchats SET stream_state = ?, updated_at = ?
		 WHERE id = ? AND kind = ? AND stream_state = ?`,
		string(store.StreamError), nowUTC(), streamID, string(store.ChatKindStream), string(store.StreamOpen))
}

func (s *TaskStore) updateOpenStream(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update stream: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update stream: %w", err)
	}
	if n == 0 {
		return store.ErrStreamClosed
	}
	return nil
}
