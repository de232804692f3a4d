package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/taskrunner/internal/store"
)

// AgentStore implements store.AgentStore over Postgres or SQLite.
type AgentStore struct {
	db *sqlx.DB
}

func NewAgentStore(db *sqlx.DB) *AgentStore {
	return &AgentStore{db: db}
}

type agentRow struct {
	ID        string         `db:"id"`
	Name      sql.NullString `db:"name"`
	Role      sql.NullString `db:"role"`
	Goal      sql.NullString `db:"goal"`
	Backstory sql.NullString `db:"backstory"`
	Tools     []byte         `db:"tools"`
	CreatedAt time.Time      `db:"created_at"`
}

func (s *AgentStore) GetAgent(ctx context.Context, id string) (*store.AgentData, error) {
	var row agentRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`SELECT id, name, role, goal, backstory, tools, created_at
		 FROM s_agent_basic_metadata WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &store.AgentData{
		ID:        row.ID,
		Name:      row.Name.String,
		Role:      row.Role.String,
		Goal:      row.Goal.String,
		Backstory: row.Backstory.String,
		ToolIDs:   store.ParseToolIDs(row.Tools),
		CreatedAt: row.CreatedAt,
	}, nil
}

func (s *AgentStore) UpsertAgent(ctx context.Context, a *store.AgentData) error {
	if a.ID == "" {
		a.ID = store.GenNewID().String()
	}
	ids := a.ToolIDs
	if ids == nil {
		ids = []string{}
	}
	tools, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = nowUTC()
	}
	_, err = s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO s_agent_basic_metadata (id, name, role, goal, backstory, tools, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name, role = excluded.role, goal = excluded.goal,
		   backstory = excluded.backstory, tools = excluded.tools`),
		a.ID, nilStr(a.Name), a.Role, a.Goal, a.Backstory, string(tools), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// --- Tool descriptors ---

type toolRow struct {
	ID          string         `db:"id"`
	Name        string         `db:"name"`
	Description sql.NullString `db:"tool_description"`
	EndpointURL string         `db:"endpoint_url"`
	HTTPMethod  sql.NullString `db:"http_method"`
	Headers     sql.NullString `db:"headers"`
	QueryParams sql.NullString `db:"query_params"`
	Body        sql.NullString `db:"body"`
}

func (r toolRow) toDescriptor() store.ToolDescriptor {
	method := strings.ToUpper(strings.TrimSpace(r.HTTPMethod.String))
	if method == "" {
		method = "GET"
	}
	return store.ToolDescriptor{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description.String,
		EndpointURL: r.EndpointURL,
		HTTPMethod:  method,
		Headers:     store.SafeJSONMap(r.Headers.String),
		QueryParams: store.SafeJSONMap(r.QueryParams.String),
		Body:        store.SafeJSONMap(r.Body.String),
	}
}

// GetTools preserves the order of ids and skips ids with no row.
func (s *AgentStore) GetTools(ctx context.Context, ids []string) ([]store.ToolDescriptor, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id, name, tool_description, endpoint_url, http_method,
		 headers, query_params, body
		 FROM api_metadata WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get tools: %w", err)
	}

	var rows []toolRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("get tools: %w", err)
	}

	byID := make(map[string]toolRow, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}
	out := make([]store.ToolDescriptor, 0, len(rows))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		r, ok := byID[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, r.toDescriptor())
	}
	return out, nil
}

func mapText(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(b)
}

func (s *AgentStore) UpsertTool(ctx context.Context, t *store.ToolDescriptor) error {
	if t.ID == "" {
		t.ID = store.GenNewID().String()
	}
	method := strings.ToUpper(t.HTTPMethod)
	if method == "" {
		method = "GET"
	}
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO api_metadata (id, name, tool_description, endpoint_url, http_method, headers, query_params, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name, tool_description = excluded.tool_description,
		   endpoint_url = excluded.endpoint_url, http_method = excluded.http_method,
		   headers = excluded.headers, query_params = excluded.query_params, body = excluded.body`),
		t.ID, t.Name, nilStr(t.Description), t.EndpointURL, method,
		mapText(t.Headers), mapText(t.QueryParams), mapText(t.Body), nowUTC())
	if err != nil {
		return fmt.Errorf("upsert tool: %w", err)
	}
	return nil
}
