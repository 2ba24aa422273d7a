// Package cache resolves cache specs against a blob store: exact key first,
// then each restore key as a prefix, and saves path archives after
// successful jobs.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/fentz26/conduit/internal/models"
)

// Result is one resolution. Blob holds the matched archive on a hit.
type Result struct {
	Entry models.CacheEntry
	Blob  []byte
	// Degraded is set when a store error forced the miss.
	Degraded bool
}

// Resolver looks up cache entries in a Store.
type Resolver struct {
	store  Store
	logger *slog.Logger
}

// NewResolver creates a resolver over store.
func NewResolver(store Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, logger: logger}
}

// Resolve looks up key, then each restore key prefix in order. Within one
// prefix, candidates sharing the longest prefix with key win, then the most
// recently created, then the lexically smallest key. Store errors degrade to
// a miss and are logged.
func (r *Resolver) Resolve(ctx context.Context, key string, restoreKeys []string) Result {
	res := Result{Entry: models.CacheEntry{Key: key}}

	blob, err := r.store.Get(ctx, key)
	switch {
	case err == nil:
		res.Entry.Hit, res.Entry.Exact, res.Entry.MatchedKey = true, true, key
		res.Blob = blob
		return res
	case !errors.Is(err, ErrNotFound):
		return r.degrade(res, err)
	}

	for _, prefix := range restoreKeys {
		res.Entry.RestoreKeysTried = append(res.Entry.RestoreKeysTried, prefix)

		candidates, err := r.store.List(ctx, prefix)
		if err != nil {
			return r.degrade(res, err)
		}
		rankCandidates(key, candidates)

		for _, c := range candidates {
			blob, err := r.store.Get(ctx, c.Key)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return r.degrade(res, err)
			}
			res.Entry.Hit, res.Entry.MatchedKey = true, c.Key
			res.Blob = blob
			return res
		}
	}
	return res
}

func (r *Resolver) degrade(res Result, err error) Result {
	r.logger.Warn("cache store unavailable, treating as miss", "key", res.Entry.Key, "error", err)
	res.Degraded = true
	return res
}

func rankCandidates(key string, candidates []EntryInfo) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if la, lb := commonPrefix(key, a.Key), commonPrefix(key, b.Key); la != lb {
			return la > lb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.Key < b.Key
	})
}

func commonPrefix(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// Save archives paths under root and stores them under key.
func (r *Resolver) Save(ctx context.Context, key, root string, paths []string) error {
	blob, err := Pack(root, paths)
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, key, blob); err != nil {
		if !errors.Is(err, ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return err
	}
	r.logger.Info("cache saved", "key", key, "bytes", len(blob))
	return nil
}

// Session memoizes resolutions for one run so resolving the same keys twice
// does not query the store again.
type Session struct {
	r       *Resolver
	mu      sync.Mutex
	results map[string]Result
	saved   map[string]bool
}

// Session starts a per-run session.
func (r *Resolver) Session() *Session {
	return &Session{r: r, results: make(map[string]Result), saved: make(map[string]bool)}
}

// Resolve returns the memoized result for (key, restoreKeys), resolving on
// first use.
func (s *Session) Resolve(ctx context.Context, key string, restoreKeys []string) Result {
	memo := key + "\x00" + strings.Join(restoreKeys, "\x00")

	s.mu.Lock()
	res, ok := s.results[memo]
	s.mu.Unlock()
	if ok {
		return res
	}

	res = s.r.Resolve(ctx, key, restoreKeys)

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.results[memo]; ok {
		return prev
	}
	s.results[memo] = res
	return res
}

// Save stores paths under key once per session; later saves of the same key
// are no-ops.
func (s *Session) Save(ctx context.Context, key, root string, paths []string) error {
	s.mu.Lock()
	if s.saved[key] {
		s.mu.Unlock()
		return nil
	}
	s.saved[key] = true
	s.mu.Unlock()

	if err := s.r.Save(ctx, key, root, paths); err != nil {
		s.mu.Lock()
		delete(s.saved, key)
		s.mu.Unlock()
		return err
	}
	return nil
}
