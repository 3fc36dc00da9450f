package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// CacheEntry represents a cached upstream JSON payload.
type CacheEntry struct {
	// StoredAt is when the payload was fetched and stored
	StoredAt time.Time `json:"t"`

	// Value is the parsed JSON payload
	Value json.RawMessage `json:"v"`

	// SourceURL is the normalized (proxy form) URL the entry was fetched for
	SourceURL string `json:"url"`

	// DirectURL is set when the payload came from the direct-upstream fallback
	DirectURL string `json:"direct,omitempty"`
}

// Age returns how long ago the entry was stored, relative to now.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// IsFresh returns true if the entry is younger than ttl.
func (e *CacheEntry) IsFresh(now time.Time, ttl time.Duration) bool {
	return e.Age(now) < ttl
}

// Encode serializes the entry for a string-valued durable store.
func (e *CacheEntry) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal cache entry: %w", err)
	}
	return string(data), nil
}

// DecodeEntry parses an entry previously produced by Encode.
// Entries without a timestamp or value are rejected as ErrInvalidEntry.
func DecodeEntry(raw string) (*CacheEntry, error) {
	var entry CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if entry.StoredAt.IsZero() || len(entry.Value) == 0 {
		return nil, ErrInvalidEntry
	}
	return &entry, nil
}
