package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/conduit/internal/cache"
)

// CacheStore keeps cache blobs in the cache_entries table.
type CacheStore struct {
	db *sql.DB
}

// Cache returns the SQLite-backed cache store sharing this database.
func (s *Store) Cache() *CacheStore {
	return &CacheStore{db: s.db}
}

func (c *CacheStore) Get(ctx context.Context, key string) ([]byte, error) {
	var blob []byte
	err := c.db.QueryRowContext(ctx, `SELECT blob FROM cache_entries WHERE key = ?`, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", cache.ErrStoreUnavailable, key, err)
	}
	return blob, nil
}

// Put replaces any existing entry; the last writer wins.
func (c *CacheStore) Put(ctx context.Context, key string, blob []byte) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, blob, size, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET blob = excluded.blob, size = excluded.size, created_at = excluded.created_at`,
		key, blob, len(blob), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", cache.ErrStoreUnavailable, key, err)
	}
	return nil
}

func (c *CacheStore) List(ctx context.Context, prefix string) ([]cache.EntryInfo, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT key, size, created_at FROM cache_entries WHERE key LIKE ? ESCAPE '\' ORDER BY key`,
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", cache.ErrStoreUnavailable, prefix, err)
	}
	defer rows.Close()

	var out []cache.EntryInfo
	for rows.Next() {
		var e cache.EntryInfo
		if err := rows.Scan(&e.Key, &e.Size, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan cache entry: %v", cache.ErrStoreUnavailable, err)
		}
		// LIKE is case-insensitive for ASCII in SQLite.
		if strings.HasPrefix(e.Key, prefix) {
			out = append(out, e)
		}
	}
	return out, rows.Err()
}

// DeleteCacheOlderThan evicts entries created before cutoff.
func (s *Store) DeleteCacheOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM cache_entries WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("evict cache: %w", err)
	}
	return res.RowsAffected()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
