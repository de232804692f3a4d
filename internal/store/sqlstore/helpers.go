package sqlstore

import (
	"database/sql"
	"encoding/json"
	"time"
)

// --- Nullable helpers ---

// nilStr maps "" to NULL.
func nilStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func intOrNil(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

// --- JSON helpers ---

// jsonText returns raw JSON as text, or nil when empty. Text binds cleanly to
// both JSONB (Postgres) and TEXT (SQLite) columns.
func jsonText(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

func rawOrNil(data []byte) json.RawMessage {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.RawMessage(data)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
