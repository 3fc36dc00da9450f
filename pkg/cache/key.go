package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
)

// KeyPrefix namespaces request cache entries in shared durable stores.
// Bump the version segment when the entry format changes.
const KeyPrefix = "cg_cache:v3:"

// Key derives the deterministic cache key for a normalized request URL.
//
// Query parameters are re-encoded in sorted order before hashing, so two URLs
// that differ only in parameter order share a key.
//
// Example:
//
//	Key("/api/cg?path=/coins/bitcoin&localization=false")
//	// cg_cache:v3:5f0c...
func Key(normalizedURL string) string {
	sum := sha256.Sum256([]byte(canonical(normalizedURL)))
	return KeyPrefix + hex.EncodeToString(sum[:])
}

// canonical rewrites the query string of raw in sorted order.
// Unparseable input is hashed as-is.
func canonical(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	u.RawQuery = u.Query().Encode()
	return u.String()
}
