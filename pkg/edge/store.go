package edge

import (
	"sync"
	"time"

	"github.com/Sternrassler/cg-cache/pkg/cache"
)

// Entry is one cached upstream response.
type Entry struct {
	Body        []byte
	ContentType string
	StoredAt    time.Time
}

// Age returns how long ago the entry was stored.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// Store is the proxy's shared response cache, keyed by upstream URL.
// It lives in process memory and is lost on restart.
type Store struct {
	mu         sync.RWMutex
	entries    map[string]Entry
	maxEntries int
}

// NewStore creates a store holding at most maxEntries responses
// (0 means unbounded).
func NewStore(maxEntries int) *Store {
	return &Store{
		entries:    make(map[string]Entry),
		maxEntries: maxEntries,
	}
}

// Get returns the entry for key.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

// Set stores e under key. When the store is full, entries older than
// maxAge are dropped first, then the oldest entry.
func (s *Store) Set(key string, e Entry, now time.Time, maxAge time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists && s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		s.pruneLocked(now, maxAge)
		if len(s.entries) >= s.maxEntries {
			s.evictOldestLocked()
		}
	}
	s.entries[key] = e
	cache.CacheEntries.WithLabelValues(cache.LayerProxy).Set(float64(len(s.entries)))
}

// Prune removes entries older than maxAge and returns how many were removed.
func (s *Store) Prune(now time.Time, maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.pruneLocked(now, maxAge)
	cache.CacheEntries.WithLabelValues(cache.LayerProxy).Set(float64(len(s.entries)))
	return n
}

// Len returns the number of cached responses.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) pruneLocked(now time.Time, maxAge time.Duration) int {
	removed := 0
	for k, e := range s.entries {
		if e.Age(now) >= maxAge {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

func (s *Store) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, e := range s.entries {
		if oldestKey == "" || e.StoredAt.Before(oldest) {
			oldestKey, oldest = k, e.StoredAt
		}
	}
	if oldestKey != "" {
		delete(s.entries, oldestKey)
	}
}
