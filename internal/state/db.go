// Package state provides SQLite-based persistence for crucible.
// It handles both global state (~/.local/share/crucible/crucible.db)
// and project-local state (.crucible/state.db).
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps an SQLite database connection with crucible-specific operations.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// GlobalDBPath returns the path to the global crucible database.
func GlobalDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "crucible", "crucible.db")
}

// ProjectDBPath returns the path to the project-local database.
func ProjectDBPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".crucible", "state.db")
}

// Open opens an SQLite database at the given path.
// It creates the parent directories if they don't exist.
// WAL mode is enabled for concurrent reads.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

// OpenProject opens the project-local database.
func OpenProject(projectRoot string) (*DB, error) {
	return Open(ProjectDBPath(projectRoot))
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Tasks},
		{2, migrationV2Validation},
		{3, migrationV3Escalations},
		{4, migrationV4Versions},
		{5, migrationV5Usage},
		{6, migrationV6Health},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Migration SQL statements
const migrationV1Tasks = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	description TEXT NOT NULL,
	tier_hint TEXT,
	depends_on TEXT,
	tier INTEGER NOT NULL DEFAULT 0,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	failure_reason TEXT,
	created_at DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_tasks_request_id ON tasks(request_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS artifacts (
	task_id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL
);
`

const migrationV2Validation = `
CREATE TABLE IF NOT EXISTS validation_reports (
	task_id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	checks TEXT NOT NULL,
	score REAL NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (task_id, attempt)
);

CREATE TABLE IF NOT EXISTS refinement_attempts (
	task_id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	strategy TEXT NOT NULL,
	input_score REAL NOT NULL,
	output_score REAL NOT NULL,
	outcome TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (task_id, attempt)
);
`

const migrationV3Escalations = `
CREATE TABLE IF NOT EXISTS escalations (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL UNIQUE,
	reason TEXT NOT NULL,
	submitted_at DATETIME NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	resolution TEXT,
	resolver_id TEXT,
	resolved_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_escalations_status ON escalations(status);
`

const migrationV4Versions = `
CREATE TABLE IF NOT EXISTS capsule_versions (
	id TEXT PRIMARY KEY,
	parent_ids TEXT,
	branch TEXT NOT NULL,
	tags TEXT,
	artifact_ref TEXT NOT NULL,
	author TEXT NOT NULL,
	message TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_capsule_versions_branch ON capsule_versions(branch);

CREATE TABLE IF NOT EXISTS branch_heads (
	branch TEXT PRIMARY KEY,
	head TEXT NOT NULL
);
`

const migrationV5Usage = `
CREATE TABLE IF NOT EXISTS usage_ledger (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	tokens_in INTEGER NOT NULL DEFAULT 0,
	tokens_out INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0.0,
	recorded_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_ledger_task_id ON usage_ledger(task_id);
`

const migrationV6Health = `
CREATE TABLE IF NOT EXISTS provider_health (
	provider TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	opened_at DATETIME,
	updated_at DATETIME NOT NULL
);
`

// Exec executes a query that doesn't return rows.
func (db *DB) Exec(query string, args ...any) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRow(query, args...)
}

// Transaction runs the given function within a transaction.
func (db *DB) Transaction(fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// parseNullableTime parses a nullable time string from SQLite.
func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}
