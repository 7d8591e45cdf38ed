package database

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// schemaVersion is bumped whenever the schema below changes shape. The
// current version is stored in SQLite's user_version pragma.
const schemaVersion = 1

// schema is the application directory. The router only ever reads single
// rows by app_id on a cache miss, so one table is the whole surface.
const schema = `
CREATE TABLE IF NOT EXISTS applications (
    app_id      TEXT PRIMARY KEY,
    name        TEXT NOT NULL DEFAULT '',
    max_calls   INTEGER NOT NULL DEFAULT 0,
    user_agent  TEXT NOT NULL DEFAULT 'callgrid',
    enabled     INTEGER NOT NULL DEFAULT 1,
    created_at  DATETIME DEFAULT (datetime('now')),
    updated_at  DATETIME DEFAULT (datetime('now'))
);
`

// DB wraps a sql.DB connection to the application directory.
type DB struct {
	*sql.DB
}

// Open creates or opens the callgrid SQLite database at the given path with
// WAL mode enabled and brings the schema up to date.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "callgrid.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// The shard goroutines only read; start-up seeding is the only writer.
	// A single connection keeps SQLite's writer semantics simple.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB}

	if err := db.ensureSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("preparing schema: %w", err)
	}

	slog.Info("application directory opened", "path", dbPath)
	return db, nil
}

// ensureSchema creates the application table when absent and records the
// schema version. There is no migration ladder: the directory is a single
// table, and an on-disk version newer than this binary is refused rather
// than guessed at.
func (db *DB) ensureSchema() error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersion)
	}

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("creating applications table: %w", err)
	}

	if version < schemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return fmt.Errorf("recording schema version: %w", err)
		}
		slog.Info("application directory schema ready", "version", schemaVersion)
	}

	return nil
}
