package cache

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrCacheMiss indicates the requested key was not found in the store
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the stored entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Store is the durable, cross-restart tier of the request cache: a plain
// key/value string store. Implementations give no atomicity beyond a single
// operation and may reject writes (e.g. when full); callers treat write
// failures as no-ops.
type Store interface {
	// Get returns the stored value, or ErrCacheMiss.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Keys lists all keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// MemoryStore is a Store held in process memory. It is safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string

	// MaxEntries rejects writes of new keys once reached (0 = unlimited).
	MaxEntries int
}

// ErrStoreFull is returned by MemoryStore.Set when MaxEntries is reached.
var ErrStoreFull = errors.New("store full")

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return v, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; !exists && s.MaxEntries > 0 && len(s.data) >= s.MaxEntries {
		return ErrStoreFull
	}
	s.data[key] = value
	return nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Keys implements Store. Keys are returned sorted.
func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// NopStore is a Store that keeps nothing. It disables the durable tier.
type NopStore struct{}

func (NopStore) Get(context.Context, string) (string, error) { return "", ErrCacheMiss }
func (NopStore) Set(context.Context, string, string) error { return nil }
func (NopStore) Remove(context.Context, string) error { return nil }
func (NopStore) Keys(context.Context, string) ([]string, error) { return nil, nil }
