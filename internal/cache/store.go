package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// EntryInfo describes a stored entry without its blob.
type EntryInfo struct {
	Key       string
	Size      int64
	CreatedAt time.Time
}

// Store is the key/value blob store behind the resolver. Implementations
// must be safe for concurrent use; concurrent puts of one key are
// last-writer-wins.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, blob []byte) error
	List(ctx context.Context, prefix string) ([]EntryInfo, error)
}

type memEntry struct {
	blob    []byte
	created time.Time
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry

	// Now stamps new entries; defaults to time.Now.
	Now func() time.Time
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.blob...), nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, blob []byte) error {
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{blob: append([]byte(nil), blob...), created: now()}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) ([]EntryInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []EntryInfo
	for k, e := range m.entries {
		if strings.HasPrefix(k, prefix) {
			out = append(out, EntryInfo{Key: k, Size: int64(len(e.blob)), CreatedAt: e.created})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
