package sqlstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/taskrunner/internal/store"
)

func init() {
	// sqlx does not know modernc's driver name.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// driverName maps a store driver to the registered database/sql driver.
func driverName(driver string) (string, error) {
	switch driver {
	case store.DriverPostgres:
		return "pgx", nil
	case store.DriverSQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// sqliteDSN adds the pragmas used for every SQLite connection.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite"
}

// OpenDB opens and pings a database for the given driver.
func OpenDB(driver, dsn string) (*sqlx.DB, error) {
	name, err := driverName(driver)
	if err != nil {
		return nil, err
	}
	if dsn == "" {
		return nil, fmt.Errorf("%s: empty connection string", driver)
	}

	if driver == store.DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sqlx.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == store.DriverSQLite {
		// Single writer; WAL keeps readers from blocking.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(10)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	slog.Info("database connected", "driver", driver, "dsn_len", len(dsn))
	return db, nil
}

// Open connects using cfg, optionally migrates, and returns the stores.
// The caller owns the returned DB.
func Open(ctx context.Context, cfg store.StoreConfig) (*store.Stores, *sqlx.DB, error) {
	driver := cfg.ResolvedDriver()
	if cfg.AutoMigrate {
		if _, err := Migrate(driver, cfg.DSN()); err != nil {
			return nil, nil, err
		}
	}

	db, err := OpenDB(driver, cfg.DSN())
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}

	return &store.Stores{
		Tasks:  NewTaskStore(db),
		Agents: NewAgentStore(db),
	}, db, nil
}
