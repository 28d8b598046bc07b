// Package store is the relational side of the mail core: accounts, system
// mailboxes, messages and the per-user fan-out rows.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// DB wraps sqlx.DB
type DB struct {
	*sqlx.DB
}

// Open connects to the database. For sqlite3 the dsn is a file path; its
// directory is created and WAL mode, foreign keys and a busy timeout are
// enabled.
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite:
		if dir := filepath.Dir(dsn); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DB{db}, nil
}

// Migrate creates the schema if it does not exist.
func (db *DB) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if db.DriverName() == DriverPostgres {
		schema = postgresSchema
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
