// Package cache provides the storage side of the market-data request cache.
//
// The package defines:
//
// - CacheEntry: a JSON payload plus the time it was stored
// - Key: a deterministic SHA-256 cache key over a normalized request URL
// - Store: the durable key/value tier contract
// - MemoryStore, RedisStore and NopStore implementations
// (a SQLite implementation lives in the sqlite subpackage)
//
// # Basic Usage
//
//	// Create Redis client
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	// Create a durable store that keeps entries for a day
//	store := cache.NewRedisStore(redisClient, 24*time.Hour)
//
//	// Derive the key for a normalized (proxy form) URL
//	key := cache.Key("/api/cg?path=/coins/markets&vs_currency=usd")
//
//	// Persist an entry
//	entry := &cache.CacheEntry{StoredAt: time.Now(), Value: payload, SourceURL: url}
//	raw, err := entry.Encode()
//	if err != nil {
//		return err
//	}
//	if err := store.Set(ctx, key, raw); err != nil {
//		// durable writes are best effort
//	}
//
// # Freshness
//
// Entries carry no expiry. Freshness is always decided by the reader as
// now - StoredAt < ttl, so the same entry can be fresh for one caller and a
// stale fallback for another.
//
// # Metrics
//
// The package exports Prometheus metrics shared by the request cache and the
// edge proxy:
//
//   - cg_cache_hits_total{layer} - Fresh hits (memory, durable, proxy)
//   - cg_cache_misses_total{layer} - Lookups that went upstream
//   - cg_cache_stale_served_total{layer} - Stale fallbacks served
//   - cg_cache_entries{layer} - Entries held in memory
//   - cg_cache_errors_total{operation} - Store operation errors
package cache
