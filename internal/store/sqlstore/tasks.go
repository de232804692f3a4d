package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/taskrunner/internal/store"
)

// TaskStore implements store.TaskStore over Postgres or SQLite.
type TaskStore struct {
	db *sqlx.DB
}

func NewTaskStore(db *sqlx.DB) *TaskStore {
	return &TaskStore{db: db}
}

type taskRow struct {
	ID        string         `db:"id"`
	Status    sql.NullString `db:"task_status"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (r taskRow) toData() *store.TaskData {
	status := store.TaskIdle
	if r.Status.Valid && r.Status.String != "" {
		status = store.TaskStatus(r.Status.String)
	}
	return &store.TaskData{
		BaseModel: store.BaseModel{ID: r.ID, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt},
		Status:    status,
	}
}

func (s *TaskStore) CreateTask(ctx context.Context, id string) (*store.TaskData, error) {
	if id == "" {
		id = store.GenNewID().String()
	}
	now := nowUTC()
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO s_tasks (id, task_status, created_at, updated_at) VALUES (?, ?, ?, ?)`),
		id, string(store.TaskIdle), now, now)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &store.TaskData{
		BaseModel: store.BaseModel{ID: id, CreatedAt: now, UpdatedAt: now},
		Status:    store.TaskIdle,
	}, nil
}

func (s *TaskStore) GetTask(ctx context.Context, id string) (*store.TaskData, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`SELECT id, task_status, created_at, updated_at FROM s_tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return row.toData(), nil
}

func (s *TaskStore) TaskExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM s_tasks WHERE id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("task exists: %w", err)
	}
	return n > 0, nil
}

func (s *TaskStore) GetStatus(ctx context.Context, id string) (store.TaskStatus, error) {
	var status sql.NullString
	err := s.db.GetContext(ctx, &status, s.db.Rebind(`SELECT task_status FROM s_tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get status: %w", err)
	}
	if !status.Valid || status.String == "" {
		return store.TaskIdle, nil
	}
	return store.TaskStatus(status.String), nil
}

// ClaimForProcessing is a conditional update: two concurrent claims on the
// same task cannot both affect a row.
func (s *TaskStore) ClaimForProcessing(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE s_tasks SET task_status = ?, updated_at = ?
		 WHERE id = ? AND COALESCE(task_status, '') <> ?`),
		string(store.TaskAgentProcessing), nowUTC(), id, string(store.TaskAgentProcessing))
	if err != nil {
		return fmt.Errorf("claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim task: %w", err)
	}
	if n > 0 {
		return nil
	}

	exists, err := s.TaskExists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

func (s *TaskStore) SetStatus(ctx context.Context, id string, status store.TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE s_tasks SET task_status = ?, updated_at = ? WHERE id = ?`),
		string(status), nowUTC(), id)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
