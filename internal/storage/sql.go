package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// SQLStore wraps a single-connection SQLite database in WAL mode with a
// 30s busy timeout and immediate-transaction isolation, per spec.md
// §4.1. One process holds exactly one *sql.DB, restricted to one open
// connection, so every writer serializes naturally instead of racing the
// SQLite file lock.
type SQLStore struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// OpenSQLStore opens (and migrates) the embedded database at path.
func OpenSQLStore(path string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir for sqlite store: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=30000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %s: %w", path, err)
	}
	// A single connection avoids SQLITE_BUSY storms between writers; the
	// bus's own serialization (spec.md §5) makes a pool unnecessary here.
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying *sql.DB for package-internal callers
// (bus, degradation) that need direct query access.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS hub_messages (
			id TEXT PRIMARY KEY,
			from_agent TEXT NOT NULL,
			to_agent TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL,
			read_flag INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hub_messages_to_unread
			ON hub_messages(to_agent, read_flag, created_at)`,
		`CREATE TABLE IF NOT EXISTS subagent_messages (
			message_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			subagent_id TEXT NOT NULL,
			question TEXT NOT NULL,
			answer TEXT,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subagent_messages_run
			ON subagent_messages(run_id, status)`,
		`CREATE TABLE IF NOT EXISTS agent_heartbeats (
			agent_id TEXT PRIMARY KEY,
			last_seen TEXT NOT NULL,
			progress TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("storage: migrate (%s): %w", stmt, err)
		}
	}
	return nil
}

// Close releases the underlying connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
