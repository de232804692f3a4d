package store

import (
	"time"

	"github.com/google/uuid"
)

// BaseModel provides common fields for all database models.
type BaseModel struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GenNewID generates a new UUID v7 (time-ordered).
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// Database drivers understood by the store layer.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// StoreConfig configures the store layer.
type StoreConfig struct {
	// Driver is "postgres" (default when PostgresDSN is set) or "sqlite".
	Driver string

	// PostgresDSN is the Postgres connection string (Supabase direct connection works).
	PostgresDSN string

	// SQLitePath is the database file used in standalone mode.
	SQLitePath string

	// AutoMigrate applies embedded schema migrations on open.
	AutoMigrate bool

	// PolicyID selects the single global execution-policy row.
	PolicyID string
}

// ResolvedDriver returns the effective driver name.
func (c StoreConfig) ResolvedDriver() string {
	if c.Driver != "" {
		return c.Driver
	}
	if c.PostgresDSN != "" {
		return DriverPostgres
	}
	return DriverSQLite
}

// DSN returns the data source name for the effective driver.
func (c StoreConfig) DSN() string {
	if c.ResolvedDriver() == DriverPostgres {
		return c.PostgresDSN
	}
	return c.SQLitePath
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Tasks  TaskStore
	Agents AgentStore
}
