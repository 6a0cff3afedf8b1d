package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Database wraps the SQL handle for easier swapping/testing.
type Database struct {
	DB *sql.DB
}

// New opens (and creates if needed) the SQLite database at path.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	db.SetConnMaxLifetime(time.Hour)

	return &Database{DB: db}, nil
}

// Ping verifies the handle is usable.
func (d *Database) Ping(ctx context.Context) error {
	if d == nil || d.DB == nil {
		return errors.New("database is not initialized")
	}
	return d.DB.PingContext(ctx)
}

// Queries returns order queries bound to the shared pool.
func (d *Database) Queries() *Queries {
	return &Queries{q: d.DB}
}

// Session opens a unit of work over the shared pool. Each statement borrows
// the connection only while it runs, so a session held across a slow backend
// call does not block other readers. The caller must Close it.
func (d *Database) Session(ctx context.Context) (*Session, error) {
	if d == nil || d.DB == nil {
		return nil, errors.New("database is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return &Session{Queries: d.Queries()}, nil
}

// Close releases the underlying DB handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}

// Session is one signal's view of the order store.
type Session struct {
	*Queries
}

// Close ends the session. It holds no connection, so Close never fails and
// is safe to call twice.
func (s *Session) Close() error { return nil }
