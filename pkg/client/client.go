// Package client provides the market-data request cache: the single entry
// point for fetching JSON from the upstream API with two-tier caching,
// in-flight deduplication, retry/backoff and stale-on-error fallback.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/cg-cache/pkg/cache"
	"github.com/Sternrassler/cg-cache/pkg/logging"
	"github.com/Sternrassler/cg-cache/pkg/urlnorm"
)

// Prometheus metrics for request cache operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cg_requests_total",
		Help: "Total upstream requests by HTTP status (or transport_error)",
	}, []string{"status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cg_request_duration_seconds",
		Help:    "Upstream request duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cg_errors_total",
		Help: "Total upstream request errors by kind",
	}, []string{"kind"})

	sharedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cg_inflight_shared_total",
		Help: "Total FetchCached calls served by a shared in-flight request",
	})
)

// maxBodyBytes bounds upstream response bodies.
const maxBodyBytes = 16 << 20

// Client is the request cache. Construct one per process with New.
type Client struct {
	httpClient *http.Client
	normalizer *urlnorm.Normalizer
	store      cache.Store
	config     Config
	logger     zerolog.Logger

	mu         sync.Mutex
	memory     map[string]*cache.CacheEntry
	inflight   *singleflight.Group
	generation uint64
}

// Config holds the client configuration.
type Config struct {
	// Origin is the base URL proxy-form requests are resolved against
	// (e.g. "http://localhost:8080"). Required.
	Origin string

	// Normalizer maps request URLs to proxy form (default: urlnorm.Default()).
	Normalizer *urlnorm.Normalizer

	// Store is the durable tier (default: cache.NopStore).
	Store cache.Store

	// HTTPClient performs upstream calls (default: 30s timeout).
	HTTPClient *http.Client

	// UserAgent is sent with every request.
	UserAgent string

	// Now, Sleep and Jitter are injectable for tests.
	Now    func() time.Time
	Sleep  SleepFunc
	Jitter func() time.Duration

	// Logger overrides the component logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns a configuration that routes through the proxy at
// origin and keeps the durable tier in memory.
func DefaultConfig(origin string) Config {
	return Config{
		Origin:     origin,
		Normalizer: urlnorm.Default(),
		Store:      cache.NewMemoryStore(),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		UserAgent:  "cg-cache/0.1.0",
	}
}

// New creates a new request cache client.
func New(cfg Config) (*Client, error) {
	if cfg.Origin == "" {
		return nil, fmt.Errorf("origin is required")
	}
	if _, err := url.ParseRequestURI(cfg.Origin); err != nil {
		return nil, fmt.Errorf("invalid origin %q: %w", cfg.Origin, err)
	}

	if cfg.Normalizer == nil {
		cfg.Normalizer = urlnorm.Default()
	}
	if cfg.Store == nil {
		cfg.Store = cache.NopStore{}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Jitter == nil {
		cfg.Jitter = randomJitter
	}

	logger := logging.ComponentLogger("request-cache", cfg.Logger)

	return &Client{
		httpClient: cfg.HTTPClient,
		normalizer: cfg.Normalizer,
		store:      cfg.Store,
		config:     cfg,
		logger:     logger,
		memory:     make(map[string]*cache.CacheEntry),
		inflight:   &singleflight.Group{},
	}, nil
}

// FetchCached returns the JSON payload for rawURL, which may be given in
// direct, proxy or bare-path form.
//
// A fresh in-memory or durable entry is returned without I/O. Otherwise one
// upstream request per cache key is in flight at a time and every concurrent
// caller for that key receives its result. Retryable failures are retried
// with backoff; when attempts run out the last stored value is served if
// AllowStaleOnError is set. Stale values are returned without any marker.
//
// Cancelling ctx returns an error matching ErrCancelled immediately, and
// never falls back to a stale value.
func (c *Client) FetchCached(ctx context.Context, rawURL string, opts ...Option) (json.RawMessage, error) {
	o := buildOptions(opts)

	if o.StartDelay > 0 {
		if err := c.config.Sleep(ctx, o.StartDelay); err != nil {
			return nil, cancelledError(rawURL, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, cancelledError(rawURL, err)
	}

	// Step 1: normalize
	primary := c.normalize(rawURL)
	key := cache.Key(primary)

	for {
		// Steps 2-3: fresh hit in either tier
		if v, ok := c.lookupFresh(ctx, key, o.TTL); ok {
			return v, nil
		}

		// Step 4: join or start the in-flight request
		c.mu.Lock()
		group, gen := c.inflight, c.generation
		c.mu.Unlock()

		ch := group.DoChan(key, func() (any, error) {
			return c.fetch(ctx, key, primary, o, gen)
		})

		select {
		case <-ctx.Done():
			return nil, cancelledError(primary, ctx.Err())
		case res := <-ch:
			if res.Shared {
				sharedTotal.Inc()
			}
			if res.Err != nil {
				// The caller that started the shared request was cancelled
				// while this one is still live: start over.
				if KindOf(res.Err) == KindCancelled && ctx.Err() == nil {
					continue
				}
				return nil, res.Err
			}
			return res.Val.(json.RawMessage), nil
		}
	}
}

// normalize maps rawURL to its proxy form. An absolute proxy URL on the
// client's own origin is reduced to the relative form so both spellings
// share a cache key.
func (c *Client) normalize(rawURL string) string {
	if rel := urlnorm.StripOrigin(c.config.Origin, rawURL); rel != rawURL && c.normalizer.IsProxyForm(rel) {
		return rel
	}
	return c.normalizer.ToProxyForm(rawURL)
}

// Get fetches an upstream path with query parameters through the cache.
// Empty parameter values are skipped.
func (c *Client) Get(ctx context.Context, path string, params url.Values, opts ...Option) (json.RawMessage, error) {
	return c.FetchCached(ctx, BuildURL(c.normalizer.UpstreamBase(), path, params), opts...)
}

// Clear empties both cache tiers and the in-flight registry. Requests in
// flight still complete for their callers but their results are not stored.
func (c *Client) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.memory = make(map[string]*cache.CacheEntry)
	c.inflight = &singleflight.Group{}
	c.generation++
	c.mu.Unlock()
	cache.CacheEntries.WithLabelValues(cache.LayerMemory).Set(0)

	keys, err := c.store.Keys(ctx, cache.KeyPrefix)
	if err != nil {
		return fmt.Errorf("list durable keys: %w", err)
	}

	var errs []error
	for _, k := range keys {
		if err := c.store.Remove(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}

	c.logger.Info().Int("durable_keys", len(keys)).Msg("Cache cleared")
	return errors.Join(errs...)
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// lookupFresh checks the memory tier, then the durable tier, promoting a
// fresh durable entry into memory.
func (c *Client) lookupFresh(ctx context.Context, key string, ttl time.Duration) (json.RawMessage, bool) {
	now := c.config.Now()

	c.mu.Lock()
	mem := c.memory[key]
	c.mu.Unlock()

	if mem != nil && mem.IsFresh(now, ttl) {
		cache.CacheHits.WithLabelValues(cache.LayerMemory).Inc()
		c.logger.Debug().Str("key", key).Msg("Memory cache hit")
		return mem.Value, true
	}

	stored := c.readDurable(ctx, key)
	if stored != nil && stored.IsFresh(now, ttl) {
		c.mu.Lock()
		c.memory[key] = stored
		size := len(c.memory)
		c.mu.Unlock()
		cache.CacheEntries.WithLabelValues(cache.LayerMemory).Set(float64(size))
		cache.CacheHits.WithLabelValues(cache.LayerDurable).Inc()
		c.logger.Debug().Str("key", key).Msg("Durable cache hit")
		return stored.Value, true
	}

	cache.CacheMisses.WithLabelValues(cache.LayerMemory).Inc()
	return nil, false
}

// fetch runs steps 5-7 for one in-flight request.
func (c *Client) fetch(ctx context.Context, key, primary string, o Options, gen uint64) (json.RawMessage, error) {
	fallback := c.normalizer.ToDirectForm(primary)

	policy := backoffPolicy{
		retries: o.Retries,
		base:    o.RetryDelayBase,
		jitter:  c.config.Jitter,
	}

	var value json.RawMessage
	err := retryWithBackoff(ctx, policy, c.config.Sleep, c.logger, primary, func(attempt int) error {
		v, err := c.fetchJSON(ctx, primary)
		if err == nil {
			value = v
			c.storeEntry(ctx, key, &cache.CacheEntry{
				StoredAt:  c.config.Now(),
				Value:     v,
				SourceURL: primary,
			}, gen)
			return nil
		}

		// Proxy miss for a path it does not know: try upstream directly once
		if KindOf(err) == KindNotFound && fallback != "" && fallback != primary {
			c.logger.Debug().Str("url", fallback).Msg("Proxy returned 404, trying direct URL")
			v, ferr := c.fetchJSON(ctx, fallback)
			if ferr == nil {
				value = v
				c.storeEntry(ctx, key, &cache.CacheEntry{
					StoredAt:  c.config.Now(),
					Value:     v,
					SourceURL: primary,
					DirectURL: fallback,
				}, gen)
				return nil
			}
			if KindOf(ferr) == KindCancelled {
				return ferr
			}
			return &UpstreamError{Kind: KindNotFound, StatusCode: http.StatusNotFound, URL: primary, Err: ferr}
		}
		return err
	})
	if err == nil {
		return value, nil
	}

	if KindOf(err) == KindCancelled {
		return nil, err
	}

	// Step 7: stale fallback
	if o.AllowStaleOnError {
		if stale := c.latestEntry(ctx, key); stale != nil {
			cache.StaleServed.WithLabelValues(cache.LayerMemory).Inc()
			c.logger.Warn().
				Err(err).
				Str("url", primary).
				Dur("age", stale.Age(c.config.Now())).
				Msg("Serving stale value after upstream failure")
			c.mu.Lock()
			if c.generation == gen {
				c.memory[key] = stale
			}
			c.mu.Unlock()
			return stale.Value, nil
		}
	}

	c.logger.Error().Err(err).Str("url", primary).Msg("Request failed")
	return nil, err
}

// fetchJSON performs one GET and validates the JSON body.
func (c *Client) fetchJSON(ctx context.Context, target string) (json.RawMessage, error) {
	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlnorm.Resolve(c.config.Origin, target), nil)
	if err != nil {
		return nil, &UpstreamError{Kind: KindInvalidInput, URL: target, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelledError(target, ctx.Err())
		}
		requestsTotal.WithLabelValues("transport_error").Inc()
		errorsTotal.WithLabelValues(string(KindTransport)).Inc()
		c.logger.Warn().Err(err).Str("url", target).Msg("HTTP request failed")
		return nil, &UpstreamError{Kind: KindTransport, URL: target, Err: err}
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(fmt.Sprintf("%d", resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		kind := kindForStatus(resp.StatusCode)
		errorsTotal.WithLabelValues(string(kind)).Inc()
		c.logger.Warn().
			Str("url", target).
			Int("status", resp.StatusCode).
			Str("error_kind", string(kind)).
			Msg("Upstream request error")
		return nil, &UpstreamError{Kind: kind, StatusCode: resp.StatusCode, URL: target, Err: errors.New(resp.Status)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelledError(target, ctx.Err())
		}
		errorsTotal.WithLabelValues(string(KindTransport)).Inc()
		return nil, &UpstreamError{Kind: KindTransport, StatusCode: resp.StatusCode, URL: target, Err: fmt.Errorf("read body: %w", err)}
	}
	if !json.Valid(body) {
		errorsTotal.WithLabelValues(string(KindTransport)).Inc()
		return nil, &UpstreamError{Kind: KindTransport, StatusCode: resp.StatusCode, URL: target, Err: errors.New("response is not valid JSON")}
	}

	return json.RawMessage(body), nil
}

// storeEntry writes entry to both tiers unless Clear ran since the request
// started. Durable write failures are logged and otherwise ignored.
func (c *Client) storeEntry(ctx context.Context, key string, entry *cache.CacheEntry, gen uint64) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		c.logger.Debug().Str("key", key).Msg("Cache cleared during request, result not stored")
		return
	}
	c.memory[key] = entry
	size := len(c.memory)
	c.mu.Unlock()
	cache.CacheEntries.WithLabelValues(cache.LayerMemory).Set(float64(size))

	raw, err := entry.Encode()
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Failed to encode cache entry")
		return
	}
	if err := c.store.Set(ctx, key, raw); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Durable cache write failed")
	}
}

// readDurable returns the durable entry for key, or nil.
func (c *Client) readDurable(ctx context.Context, key string) *cache.CacheEntry {
	raw, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("key", key).Msg("Durable cache read failed")
		}
		return nil
	}
	entry, err := cache.DecodeEntry(raw)
	if err != nil {
		cache.CacheErrors.WithLabelValues("decode").Inc()
		c.logger.Warn().Err(err).Str("key", key).Msg("Discarding unreadable durable entry")
		return nil
	}
	return entry
}

// latestEntry returns the most recently stored entry for key from either
// tier, regardless of age.
func (c *Client) latestEntry(ctx context.Context, key string) *cache.CacheEntry {
	c.mu.Lock()
	mem := c.memory[key]
	c.mu.Unlock()

	stored := c.readDurable(ctx, key)
	switch {
	case mem == nil:
		return stored
	case stored == nil:
		return mem
	case stored.StoredAt.After(mem.StoredAt):
		return stored
	default:
		return mem
	}
}

// BuildURL builds a direct upstream URL from base, path and params.
// Parameters with empty values are skipped and the rest are sorted.
func BuildURL(base, path string, params url.Values) string {
	u := strings.TrimRight(base, "/") + path

	q := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			if v != "" {
				q.Add(k, v)
			}
		}
	}
	if len(q) == 0 {
		return u
	}
	return u + "?" + q.Encode()
}
