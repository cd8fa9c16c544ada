// Package store is the sole owner of persisted state (spec §3 "Ownership",
// §4.1). It wraps a single embedded sqlite database, applies forward-only
// numbered migrations, and exposes a transactional helper every other
// component builds on. Grounded on internal/database/db.go's profile-tuned
// connection setup, generalized from "one database per concern" to one
// database with one migration set, as the spec's single-process Store calls
// for.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the database connection pool.
type Store struct {
	conn *sql.DB
	path string
}

// Config configures the Store connection.
type Config struct {
	// Path is a filesystem path or a "file:" URI (e.g. "file::memory:?cache=shared").
	Path string
}

// Open creates the data directory (if needed), opens the connection with
// WAL + busy-timeout PRAGMAs tuned for a single writer / many readers, and
// applies pending migrations.
func Open(cfg Config) (*Store, error) {
	path := cfg.Path
	if !strings.HasPrefix(path, "file:") {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("store: resolve path: %w", err)
		}
		if dir := filepath.Dir(abs); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: create data dir: %w", err)
			}
		}
		path = abs
	}

	connStr := buildConnString(path)
	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	// sqlite is effectively single-writer; a small pool avoids SQLITE_BUSY
	// storms under concurrent loops while still letting reads run concurrently.
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping %s: %w", path, err)
	}

	s := &Store{conn: conn, path: path}
	if err := s.migrate(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func buildConnString(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Conn exposes the raw *sql.DB for read-only callers that need it directly
// (used only inside the store package and its tests).
func (s *Store) Conn() *sql.DB { return s.conn }

// Path returns the filesystem path (or "file:" URI) the Store was opened
// with, for callers that need to stat the database file directly (the
// healthcheck loop's file-size/WAL check).
func (s *Store) Path() string { return s.path }

// Tx runs fn inside a single transaction; fn's error rolls back, nil commits.
// This is the sole write path spec §4.1 requires for cross-table writes
// (order+lifecycle-event, backtest-run+children).
func (s *Store) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}
