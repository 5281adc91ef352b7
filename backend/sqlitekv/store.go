// Package sqlitekv persists cache entries in a single SQLite table. It is the
// durable tier of the device-local cache store: anything written here
// survives an app restart.
package sqlitekv

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/xerrors"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/krisalay/gameday-sync/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
    key        TEXT PRIMARY KEY,
    value      BLOB NOT NULL,
    stored_at  INTEGER NOT NULL,
    ttl_ms     INTEGER NOT NULL DEFAULT 0
);
`

// Store is a types.Backend on SQLite.
type Store struct {
	db *sql.DB
}

var _ types.Backend = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, xerrors.Errorf("open sqlite db: %w", err)
	}
	// One writer keeps SQLITE_BUSY out of the write-back worker.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Load(ctx context.Context, key string) (*types.Entry, error) {
	var (
		value    []byte
		storedAt int64
		ttlMS    int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, stored_at, ttl_ms FROM cache_entries WHERE key = ?`, key,
	).Scan(&value, &storedAt, &ttlMS)
	if xerrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("load %q: %w", key, err)
	}
	return &types.Entry{
		Key:      key,
		Value:    value,
		StoredAt: time.UnixMilli(storedAt).UTC(),
		TTL:      fromMillis(ttlMS),
	}, nil
}

func (s *Store) Store(ctx context.Context, ent *types.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, value, stored_at, ttl_ms)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET
		   value = excluded.value,
		   stored_at = excluded.stored_at,
		   ttl_ms = excluded.ttl_ms`,
		ent.Key, ent.Value, ent.StoredAt.UTC().UnixMilli(), toMillis(ent.TTL),
	)
	if err != nil {
		return xerrors.Errorf("store %q: %w", ent.Key, err)
	}
	return nil
}

// toMillis rounds a positive TTL up so a sub-millisecond TTL does not come
// back as zero, which would read as "never expires". Negative TTLs are
// stored as -1.
func toMillis(ttl time.Duration) int64 {
	switch {
	case ttl < 0:
		return -1
	case ttl == 0:
		return 0
	}
	return int64((ttl + time.Millisecond - 1) / time.Millisecond)
}

func fromMillis(ms int64) time.Duration {
	if ms < 0 {
		return types.NoExpiry
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return xerrors.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
