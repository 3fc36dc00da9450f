// Package edge implements the edge cache proxy: a single HTTP endpoint that
// forwards allowlisted paths to the upstream market-data API, caches
// successful responses for a short fresh window and serves them stale for
// longer when upstream is rate limited or failing.
package edge

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/cg-cache/pkg/cache"
	"github.com/Sternrassler/cg-cache/pkg/logging"
	"github.com/Sternrassler/cg-cache/pkg/ratelimit"
	"github.com/Sternrassler/cg-cache/pkg/urlnorm"
)

// Prometheus metrics for the proxy.
var (
	proxyResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cg_proxy_responses_total",
		Help: "Total proxy responses by cache state",
	}, []string{"cache_state"})

	proxyUpstreamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cg_proxy_upstream_duration_seconds",
		Help:    "Upstream request duration seen by the proxy",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})
)

// CacheState is the value of the X-Proxy-Cache response header.
type CacheState string

const (
	StateHit    CacheState = "HIT"
	StateMiss   CacheState = "MISS"
	StateStale  CacheState = "STALE"
	StateBypass CacheState = "BYPASS"
)

// Response headers and policy.
const (
	HeaderCacheState = "X-Proxy-Cache"
	HeaderRequestID  = "X-Request-ID"
	HeaderAPIKey     = "x-cg-demo-api-key"

	CacheControl = "s-maxage=60, stale-while-revalidate=600"

	DefaultFreshWindow = 60 * time.Second
	DefaultStaleWindow = 10 * time.Minute
	DefaultMaxEntries  = 1000
)

// maxBodyBytes bounds upstream response bodies.
const maxBodyBytes = 16 << 20

// Config holds the proxy configuration.
type Config struct {
	// UpstreamBase is the API root paths are appended to.
	UpstreamBase string

	// UserAgent is sent upstream.
	UserAgent string

	// APIKey, when set, is sent upstream as x-cg-demo-api-key.
	APIKey string

	// FreshWindow and StaleWindow bound HIT and STALE responses.
	FreshWindow time.Duration
	StaleWindow time.Duration

	// MaxEntries caps the response cache (0 = unbounded).
	MaxEntries int

	// HTTPClient performs upstream calls.
	HTTPClient *http.Client

	// Tracker, if set, is fed every upstream outcome.
	Tracker *ratelimit.Tracker

	// Now is injectable for tests.
	Now func() time.Time

	// Logger overrides the component logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns the production proxy configuration.
func DefaultConfig() Config {
	return Config{
		UpstreamBase: urlnorm.DefaultUpstreamBase,
		UserAgent:    "cg-proxy/0.1.0",
		FreshWindow:  DefaultFreshWindow,
		StaleWindow:  DefaultStaleWindow,
		MaxEntries:   DefaultMaxEntries,
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Handler serves the proxy endpoint.
type Handler struct {
	config Config
	store  *Store
	logger zerolog.Logger
}

// NewHandler creates a proxy handler. Zero fields fall back to DefaultConfig.
func NewHandler(cfg Config) *Handler {
	def := DefaultConfig()
	if cfg.UpstreamBase == "" {
		cfg.UpstreamBase = def.UpstreamBase
	}
	cfg.UpstreamBase = strings.TrimRight(cfg.UpstreamBase, "/")
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.FreshWindow <= 0 {
		cfg.FreshWindow = def.FreshWindow
	}
	if cfg.StaleWindow <= 0 {
		cfg.StaleWindow = def.StaleWindow
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = def.HTTPClient
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger := logging.ComponentLogger("edge-proxy", cfg.Logger)

	return &Handler{
		config: cfg,
		store:  NewStore(cfg.MaxEntries),
		logger: logger,
	}
}

// Store returns the handler's response cache.
func (h *Handler) Store() *Store {
	return h.store
}

// UpstreamURL builds the cache key for path and the forwarded parameters:
// upstream base + escaped path + sorted query.
func (h *Handler) UpstreamURL(path string, params url.Values) string {
	u := h.config.UpstreamBase + (&url.URL{Path: path}).EscapedPath()
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(HeaderRequestID, requestID)
	w.Header().Set("Cache-Control", CacheControl)

	logger := h.logger.With().Str("request_id", requestID).Logger()

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		proxyResponsesTotal.WithLabelValues("rejected").Inc()
		return
	}

	query := r.URL.Query()
	path := query.Get(urlnorm.PathParam)
	query.Del(urlnorm.PathParam)

	if !strings.HasPrefix(path, "/") {
		logger.Debug().Str("path", path).Msg("Rejected invalid path")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid path (must start with /)", "path": path})
		proxyResponsesTotal.WithLabelValues("rejected").Inc()
		return
	}
	if !IsAllowed(path) {
		logger.Warn().Str("path", path).Msg("Rejected path not on allowlist")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Path not allowed", "path": path})
		proxyResponsesTotal.WithLabelValues("rejected").Inc()
		return
	}

	key := h.UpstreamURL(path, query)
	now := h.config.Now()
	hit, found := h.store.Get(key)

	if found && hit.Age(now) < h.config.FreshWindow {
		cache.CacheHits.WithLabelValues(cache.LayerProxy).Inc()
		logger.Debug().Str("url", key).Msg("Proxy cache hit")
		h.writeEntry(w, hit, StateHit)
		return
	}
	cache.CacheMisses.WithLabelValues(cache.LayerProxy).Inc()

	status, header, body, err := h.fetchUpstream(r, key)
	if err != nil {
		if h.config.Tracker != nil {
			if terr := h.config.Tracker.ObserveError(r.Context()); terr != nil {
				logger.Warn().Err(terr).Msg("Failed to record upstream failure")
			}
		}
		logger.Error().Err(err).Str("url", key).Msg("Proxy error")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Proxy error", "detail": err.Error()})
		proxyResponsesTotal.WithLabelValues("error").Inc()
		return
	}
	if h.config.Tracker != nil {
		if terr := h.config.Tracker.Observe(r.Context(), status, header); terr != nil {
			logger.Warn().Err(terr).Msg("Failed to record upstream status")
		}
	}

	contentType := header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}

	if status >= 200 && status < 300 {
		entry := Entry{Body: body, ContentType: contentType, StoredAt: now}
		h.store.Set(key, entry, now, h.config.StaleWindow)
		logger.Debug().Str("url", key).Int("status", status).Msg("Proxy cache miss, stored")
		h.writeEntry(w, entry, StateMiss)
		return
	}

	if (status == http.StatusTooManyRequests || status >= 500) && found && hit.Age(now) < h.config.StaleWindow {
		cache.StaleServed.WithLabelValues(cache.LayerProxy).Inc()
		logger.Warn().
			Str("url", key).
			Int("status", status).
			Dur("age", hit.Age(now)).
			Msg("Serving stale response after upstream failure")
		h.writeEntry(w, hit, StateStale)
		return
	}

	logger.Warn().Str("url", key).Int("status", status).Msg("Passing upstream failure through")
	w.Header().Set("Content-Type", contentType)
	w.Header().Set(HeaderCacheState, string(StateBypass))
	w.WriteHeader(status)
	_, _ = w.Write(body)
	proxyResponsesTotal.WithLabelValues(string(StateBypass)).Inc()
}

// fetchUpstream performs one GET against target and reads the whole body.
func (h *Handler) fetchUpstream(r *http.Request, target string) (int, http.Header, []byte, error) {
	start := time.Now()
	defer func() {
		proxyUpstreamDuration.Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", h.config.UserAgent)
	if h.config.APIKey != "" {
		req.Header.Set(HeaderAPIKey, h.config.APIKey)
	}

	resp, err := h.config.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read upstream body: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

func (h *Handler) writeEntry(w http.ResponseWriter, e Entry, state CacheState) {
	w.Header().Set("Content-Type", e.ContentType)
	w.Header().Set(HeaderCacheState, string(state))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(e.Body)
	proxyResponsesTotal.WithLabelValues(string(state)).Inc()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
