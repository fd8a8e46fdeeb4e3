package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"
)

const createEntriesTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	cache_key TEXT NOT NULL PRIMARY KEY,
	payload BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS cache_entries_expires_at ON cache_entries (expires_at);
`

// SQLiteOptions configures the file-backed store.
type SQLiteOptions struct {
	Path string
	Now  func() time.Time
}

type sqliteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens (or creates) the database at opts.Path and migrates the
// entries table. ":memory:" is accepted for ephemeral use.
func NewSQLite(opts SQLiteOptions) (Store, error) {
	if opts.Path == "" {
		return nil, errors.New("store: sqlite path required")
	}
	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// modernc serializes writers per connection; one connection also keeps
	// ":memory:" databases from fragmenting across the pool.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createEntriesTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate sqlite: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &sqliteStore{db: db, now: now}, nil
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		payload   []byte
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, expires_at FROM cache_entries WHERE cache_key = ?`, key,
	).Scan(&payload, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: sqlite get: %w", err)
	}
	if s.now().UnixNano() > expiresAt {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ? AND expires_at = ?`, key, expiresAt); err != nil {
			return nil, false, fmt.Errorf("store: sqlite expire: %w", err)
		}
		return nil, false, nil
	}
	return payload, true, nil
}

func (s *sqliteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("store: sqlite ttl required")
	}
	expiresAt := expiryNanos(s.now(), ttl)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (cache_key, payload, expires_at) VALUES (?, ?, ?)`,
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("store: sqlite set: %w", err)
	}
	return nil
}

// expiryNanos saturates instead of wrapping past the int64 nanosecond range.
func expiryNanos(now time.Time, ttl time.Duration) int64 {
	base := now.UnixNano()
	if int64(ttl) > math.MaxInt64-base {
		return math.MaxInt64
	}
	return base + int64(ttl)
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, key); err != nil {
		return fmt.Errorf("store: sqlite delete: %w", err)
	}
	return nil
}

func (s *sqliteStore) Size(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE expires_at >= ?`, s.now().UnixNano(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: sqlite count: %w", err)
	}
	return count, nil
}

// Prune removes every expired row and reports how many were dropped.
func (s *sqliteStore) Prune(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at < ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("store: sqlite prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: sqlite prune rows: %w", err)
	}
	return n, nil
}

func (s *sqliteStore) Close(context.Context) error {
	return s.db.Close()
}
