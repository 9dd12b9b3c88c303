// Package store is the durable local cache of tasks and comments and the
// queue of mutations waiting for the server.
//
// The database is an embedded SQLite file (ncruces/go-sqlite3) in WAL mode.
// Every connection enables foreign keys and a busy timeout, and write
// transactions begin IMMEDIATE so there is a single writer at a time while
// readers keep a consistent snapshot.
//
// Tables:
//   - tasks: server projection plus sync metadata (is_locally_modified,
//     pending_status, pending_comment, last_synced_at)
//   - comments: server comments and local-only comments (temp_id)
//   - pending_actions: FIFO log of unconfirmed UPDATE_STATUS / ADD_COMMENT
//   - meta: counters shared by every process using the file
//   - sync_lock: leases that serialize flush cycles across processes
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/fieldworks/fieldsync/internal/status"
)

// ErrNotFound is returned when a task, comment or action does not exist.
var ErrNotFound = errors.New("not found")

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps the SQLite connection pool.
type DB struct {
	conn    *sql.DB
	path    string
	logger  *log.Logger
	changes *notifier
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates or opens the database at path.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	db, err := store.Open("/var/lib/fieldsync/fieldsync.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	path = strings.TrimPrefix(path, "file:")
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := "file:" + filepath.ToSlash(path) +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=journal_mode(wal)" +
		"&_txlock=immediate"
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{
		conn:    conn,
		path:    path,
		logger:  log.New(os.Stderr, "[store] ", log.LstdFlags),
		changes: newNotifier(),
	}, nil
}

// SetLogger replaces the default stderr logger.
func (db *DB) SetLogger(logger *log.Logger) {
	if logger != nil {
		db.logger = logger
	}
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the schema if it doesn't exist. Safe to call repeatedly.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY,
		task_number TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		lat REAL,
		lon REAL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL DEFAULT '',
		planned_date TEXT,
		comments_count INTEGER NOT NULL DEFAULT 0,

		-- Sync metadata
		last_synced_at TEXT,
		is_locally_modified INTEGER NOT NULL DEFAULT 0,
		pending_status TEXT,
		pending_comment TEXT,

		CHECK (is_locally_modified = 0 OR pending_status IS NOT NULL)
	);

	CREATE TABLE IF NOT EXISTS comments (
		local_id INTEGER PRIMARY KEY AUTOINCREMENT,
		id INTEGER UNIQUE,  -- server id, NULL while local-only
		task_id INTEGER NOT NULL,
		text TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		old_status TEXT,
		new_status TEXT,
		created_at TEXT NOT NULL DEFAULT '',
		is_local_only INTEGER NOT NULL DEFAULT 0,
		temp_id TEXT UNIQUE,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		CHECK ((is_local_only = 1 AND temp_id IS NOT NULL) OR (is_local_only = 0 AND id IS NOT NULL))
	);

	CREATE TABLE IF NOT EXISTS pending_actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL,
		action_type TEXT NOT NULL,  -- UPDATE_STATUS, ADD_COMMENT
		new_status TEXT,
		comment TEXT,
		temp_id TEXT,
		created_at TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		rejected INTEGER NOT NULL DEFAULT 0
	);

	-- queue_version counts additions to the queue; see QueueVersion
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	-- one row per held lease; expired rows may be taken over
	CREATE TABLE IF NOT EXISTS sync_lock (
		name TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_modified ON tasks(is_locally_modified);
	CREATE INDEX IF NOT EXISTS idx_comments_task ON comments(task_id);
	CREATE INDEX IF NOT EXISTS idx_pending_task ON pending_actions(task_id, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_pending_order ON pending_actions(created_at, id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// withTx runs fn inside a write transaction and notifies observers after a
// successful commit.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := db.inTx(ctx, fn); err != nil {
		return err
	}
	db.changes.notify()
	return nil
}

// inTx is withTx for writes observers cannot see.
func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// formatTime renders t in the stored layout.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a stored timestamp, returning the zero time on failure.
func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

// statusToNull stores status.Unknown as NULL.
func statusToNull(s status.Status) sql.NullString {
	if !s.IsKnown() {
		return sql.NullString{}
	}
	return sql.NullString{String: s.String(), Valid: true}
}

func nullToStatus(ns sql.NullString) status.Status {
	if !ns.Valid {
		return status.Unknown
	}
	return status.Parse(ns.String)
}

func stringToNull(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
