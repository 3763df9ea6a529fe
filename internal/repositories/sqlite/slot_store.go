package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nn-hair/storefront/internal/repositories"
)

const schema = `CREATE TABLE IF NOT EXISTS cart_slots (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

// Option customises the sqlite store.
type Option func(*SlotStore)

// WithMaxValueBytes rejects writes above the limit with a quota error.
func WithMaxValueBytes(limit int) Option {
	return func(s *SlotStore) {
		s.maxBytes = limit
	}
}

// WithClock overrides the clock stamped into updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *SlotStore) {
		if now != nil {
			s.now = now
		}
	}
}

// SlotStore persists slots in a single sqlite table.
type SlotStore struct {
	db       *sql.DB
	maxBytes int
	now      func() time.Time
}

var _ repositories.SlotStore = (*SlotStore)(nil)

// Open opens (or creates) the database at path and ensures the schema exists.
func Open(ctx context.Context, path string, opts ...Option) (*SlotStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite slot store: path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite slot store: open %s: %w", path, err)
	}
	// sqlite serialises writers; a single connection avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite slot store: migrate: %w", err)
	}

	s := &SlotStore{db: db, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Close releases the database handle.
func (s *SlotStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SlotStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SlotStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM cart_slots WHERE key = ?`, strings.TrimSpace(key)).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.NotFound("sqlite.get", key)
		}
		return nil, repositories.NewStoreError("sqlite.get", key, repositories.ErrorKindUnavailable, err)
	}
	return value, nil
}

func (s *SlotStore) Put(ctx context.Context, key string, value []byte) error {
	if err := repositories.CheckSize("sqlite.put", key, value, s.maxBytes); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cart_slots (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		strings.TrimSpace(key), value, s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return repositories.NewStoreError("sqlite.put", key, repositories.ErrorKindUnavailable, err)
	}
	return nil
}

func (s *SlotStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cart_slots WHERE key = ?`, strings.TrimSpace(key)); err != nil {
		return repositories.NewStoreError("sqlite.delete", key, repositories.ErrorKindUnavailable, err)
	}
	return nil
}

// UpdatedAt returns the last write time of key.
func (s *SlotStore) UpdatedAt(ctx context.Context, key string) (time.Time, error) {
	var millis int64
	err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM cart_slots WHERE key = ?`, strings.TrimSpace(key)).Scan(&millis)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, repositories.NotFound("sqlite.updated_at", key)
		}
		return time.Time{}, repositories.NewStoreError("sqlite.updated_at", key, repositories.ErrorKindUnavailable, err)
	}
	return time.UnixMilli(millis).UTC(), nil
}

// PurgeBefore deletes slots last written before cutoff and returns how many were removed.
func (s *SlotStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cart_slots WHERE updated_at < ?`, cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, repositories.NewStoreError("sqlite.purge", "", repositories.ErrorKindUnavailable, err)
	}
	return res.RowsAffected()
}
