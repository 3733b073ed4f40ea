// Package kv provides durable key-value storage for the in-memory stores.
// Records are addressed by a store name plus an item key and hold
// JSON-encoded values. Every operation degrades gracefully: failed reads
// report absence, failed writes are logged and dropped. The in-memory
// stores stay authoritative; this adapter is only read at preload and
// during an explicit resync.
package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Adapter is the durable storage contract the reactive stores write
// through to. Implementations must never panic on backend failure.
type Adapter interface {
	List(ctx context.Context, store string) []string
	GetKey(ctx context.Context, store, key string) ([]byte, bool)
	SetKey(ctx context.Context, store, key string, value []byte)
	DelKey(ctx context.Context, store, key string)
	DelStore(ctx context.Context, store string)
}

// Store is a SQLite-backed Adapter.
type Store struct {
	db *sql.DB
}

var _ Adapter = (*Store)(nil)

// Open opens (creating if necessary) the SQLite database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS kv (
	store TEXT NOT NULL,
	item_key TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (store, item_key)
)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// List returns the item keys present under store. A backend failure is
// logged and yields an empty list.
func (s *Store) List(ctx context.Context, store string) []string {
	rows, err := s.db.QueryContext(ctx, `SELECT item_key FROM kv WHERE store = ? ORDER BY item_key`, store)
	if err != nil {
		fmt.Printf("[kv] list %s failed: %v\n", store, err)
		return nil
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			fmt.Printf("[kv] list %s scan failed: %v\n", store, err)
			return nil
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		fmt.Printf("[kv] list %s failed: %v\n", store, err)
	}
	return keys
}

// GetKey returns the stored value for store/key, reporting absence for
// both missing rows and backend failures.
func (s *Store) GetKey(ctx context.Context, store, key string) ([]byte, bool) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE store = ? AND item_key = ?`, store, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		fmt.Printf("[kv] get %s/%s failed: %v\n", store, key, err)
		return nil, false
	}
	return value, true
}

// SetKey upserts the value for store/key. Failures are logged and dropped.
func (s *Store) SetKey(ctx context.Context, store, key string, value []byte) {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv(store, item_key, value) VALUES (?, ?, ?)
ON CONFLICT(store, item_key) DO UPDATE SET value = excluded.value`, store, key, value)
	if err != nil {
		fmt.Printf("[kv] set %s/%s failed: %v\n", store, key, err)
	}
}

// DelKey removes store/key. Failures are logged and dropped.
func (s *Store) DelKey(ctx context.Context, store, key string) {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE store = ? AND item_key = ?`, store, key); err != nil {
		fmt.Printf("[kv] del %s/%s failed: %v\n", store, key, err)
	}
}

// DelStore removes every key under store. Failures are logged and dropped.
func (s *Store) DelStore(ctx context.Context, store string) {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE store = ?`, store); err != nil {
		fmt.Printf("[kv] del store %s failed: %v\n", store, err)
	}
}

// GetAll fetches and decodes every record under store, dropping entries
// that are absent or fail to decode.
func GetAll[V any](ctx context.Context, a Adapter, store string, decode func([]byte) (V, error)) map[string]V {
	out := make(map[string]V)
	for _, key := range a.List(ctx, store) {
		raw, ok := a.GetKey(ctx, store, key)
		if !ok {
			continue
		}
		v, err := decode(raw)
		if err != nil {
			fmt.Printf("[kv] dropping undecodable record %s/%s: %v\n", store, key, err)
			continue
		}
		out[key] = v
	}
	return out
}

// Preload is the startup bulk load for a store, logging how many
// pre-existing records were found.
func Preload[V any](ctx context.Context, a Adapter, store string, decode func([]byte) (V, error)) map[string]V {
	data := GetAll(ctx, a, store, decode)
	fmt.Printf("[kv] preloaded %d record(s) for %s\n", len(data), store)
	return data
}
