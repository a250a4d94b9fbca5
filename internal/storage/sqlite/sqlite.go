// Package sqlite implements the conversation record on a local SQLite
// file. Writes go through busy-retry and a circuit breaker so a wedged
// database degrades history recording instead of the message path.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mistakeknot/flotilla/internal/storage"
)

//go:embed schema.sql
var schema string

const (
	breakerThreshold = 5
	breakerReset     = 30 * time.Second
)

type Store struct {
	db      *sql.DB
	breaker *CircuitBreaker
}

func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := applySchema(db); err != nil {
		return nil, err
	}
	return &Store{db: db, breaker: NewCircuitBreaker(breakerThreshold, breakerReset)}, nil
}

func NewInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := applySchema(db); err != nil {
		return nil, err
	}
	return &Store{db: db, breaker: NewCircuitBreaker(breakerThreshold, breakerReset)}, nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Append records one history entry. Idempotent on the message key: a
// replayed message that was already recorded is silently skipped.
func (s *Store) Append(ctx context.Context, e storage.Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return s.breaker.Execute(func() error {
		return RetryOnDBLock(func() error {
			_, err := s.db.ExecContext(ctx,
				`INSERT INTO history (key, sender, sender_uuid, sent_at, body, received_by, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(key) DO NOTHING`,
				e.Key, e.Sender, e.SenderUUID, e.SentAt.UTC().Format(time.RFC3339Nano),
				e.Text, e.ReceivedBy, e.CreatedAt.Format(time.RFC3339Nano),
			)
			if err != nil {
				return fmt.Errorf("insert history: %w", err)
			}
			return nil
		})
	})
}

// Recent returns the newest entries, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]storage.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, sender, sender_uuid, sent_at, body, received_by, created_at
		 FROM history ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []storage.Entry
	for rows.Next() {
		var (
			e                 storage.Entry
			sentAt, createdAt string
		)
		if err := rows.Scan(&e.Key, &e.Sender, &e.SenderUUID, &sentAt, &e.Text, &e.ReceivedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.SentAt, _ = time.Parse(time.RFC3339Nano, sentAt)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
