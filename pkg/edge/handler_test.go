package edge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/cg-cache/pkg/ratelimit"
)

type fakeUpstream struct {
	server *httptest.Server
	calls  atomic.Int32

	mu         sync.Mutex
	status     int
	body       string
	header     http.Header
	lastURL    *url.URL
	lastHeader http.Header
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{status: http.StatusOK, body: `{"ok":true}`}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		f.mu.Lock()
		f.lastURL = r.URL
		f.lastHeader = r.Header.Clone()
		status, body, header := f.status, f.body, f.header
		f.mu.Unlock()

		for k, vs := range header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeUpstream) respond(status int, body string, header http.Header) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.body, f.header = status, body, header
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestHandler(t *testing.T, upstream *fakeUpstream, mutate ...func(*Config)) (*Handler, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	nop := zerolog.Nop()
	cfg := Config{
		UpstreamBase: upstream.server.URL + "/api/v3",
		UserAgent:    "cg-proxy-test",
		HTTPClient:   upstream.server.Client(),
		Now:          clock.Now,
		Logger:       &nop,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewHandler(cfg), clock
}

func doGet(h http.Handler, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestIsAllowed(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/ping", true},
		{"/coins/markets", true},
		{"/coins/bitcoin", true},
		{"/coins/bitcoin/market_chart", true},
		{"/simple/price", true},
		{"/global", true},
		{"/search/trending", true},
		{"/search", true},
		{"/coins", false},
		{"/unapproved/thing", false},
		{"/exchanges", false},
		{"", false},
		{"/coins/../../admin", false},
		{"/coins/./bitcoin", false},
		{"/search/..", false},
		{"/coins/%2e%2e/admin", false},
		{"/search/trending?x=1", false},
		{"/coins/bitcoin#frag", false},
		{"/coins/..\\admin", false},
		{"/coins/bit\ncoin", false},
		{"/coins/bitcoin..usd", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAllowed(tt.path))
		})
	}
}

func TestHandler_RejectsDisallowedPath(t *testing.T) {
	upstream := newFakeUpstream(t)
	h, _ := newTestHandler(t, upstream)

	w := doGet(h, "/api/cg?path=/unapproved/thing")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, map[string]string{"error": "Path not allowed", "path": "/unapproved/thing"}, decodeError(t, w))
	assert.Equal(t, CacheControl, w.Header().Get("Cache-Control"))
	assert.Equal(t, int32(0), upstream.calls.Load())

	for _, p := range []string{
		"/coins/../../admin",
		"/coins/%2e%2e/%2e%2e/admin",
		"/search/../../internal?x=1",
		"/global/..",
	} {
		w := doGet(h, "/api/cg?path="+url.QueryEscape(p))
		assert.Equal(t, http.StatusBadRequest, w.Code, p)
		assert.Equal(t, map[string]string{"error": "Path not allowed", "path": p}, decodeError(t, w))
	}
	assert.Equal(t, int32(0), upstream.calls.Load())

	w = doGet(h, "/api/cg?path=/coins/markets&vs_currency=usd")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), upstream.calls.Load())
}

func TestHandler_RejectsInvalidPath(t *testing.T) {
	upstream := newFakeUpstream(t)
	h, _ := newTestHandler(t, upstream)

	tests := []struct {
		name   string
		target string
		path   string
	}{
		{name: "relative path", target: "/api/cg?path=coins/markets", path: "coins/markets"},
		{name: "missing path", target: "/api/cg", path: ""},
		{name: "absolute url", target: "/api/cg?path=" + url.QueryEscape("https://evil.example/"), path: "https://evil.example/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doGet(h, tt.target)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, map[string]string{"error": "Invalid path (must start with /)", "path": tt.path}, decodeError(t, w))
			assert.Equal(t, CacheControl, w.Header().Get("Cache-Control"))
		})
	}
	assert.Equal(t, int32(0), upstream.calls.Load())
}

func TestHandler_MissThenHit(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.respond(http.StatusOK, `[{"id":"bitcoin"}]`, http.Header{"Content-Type": {"application/json; charset=utf-8"}})
	h, clock := newTestHandler(t, upstream)
	target := "/api/cg?path=/coins/markets&vs_currency=usd&per_page=10"

	w := doGet(h, target)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(StateMiss), w.Header().Get(HeaderCacheState))
	assert.Equal(t, `[{"id":"bitcoin"}]`, w.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, CacheControl, w.Header().Get("Cache-Control"))

	clock.Advance(59 * time.Second)
	upstream.respond(http.StatusOK, `[{"id":"changed"}]`, nil)

	w = doGet(h, target)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(StateHit), w.Header().Get(HeaderCacheState))
	assert.Equal(t, `[{"id":"bitcoin"}]`, w.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, CacheControl, w.Header().Get("Cache-Control"))
	assert.Equal(t, int32(1), upstream.calls.Load())

	clock.Advance(2 * time.Second)
	w = doGet(h, target)
	assert.Equal(t, string(StateMiss), w.Header().Get(HeaderCacheState))
	assert.Equal(t, `[{"id":"changed"}]`, w.Body.String())
	assert.Equal(t, int32(2), upstream.calls.Load())
}

func TestHandler_StaleOnError(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{name: "server error", status: http.StatusInternalServerError},
		{name: "bad gateway", status: http.StatusBadGateway},
		{name: "rate limited", status: http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := newFakeUpstream(t)
			upstream.respond(http.StatusOK, `{"data":{"markets":1}}`, nil)
			h, clock := newTestHandler(t, upstream)

			w := doGet(h, "/api/cg?path=/global")
			require.Equal(t, string(StateMiss), w.Header().Get(HeaderCacheState))

			clock.Advance(61 * time.Second)
			upstream.respond(tt.status, `{"error":"upstream down"}`, nil)

			w = doGet(h, "/api/cg?path=/global")
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, string(StateStale), w.Header().Get(HeaderCacheState))
			assert.Equal(t, `{"data":{"markets":1}}`, w.Body.String())
			assert.Equal(t, CacheControl, w.Header().Get("Cache-Control"))
		})
	}
}

func TestHandler_BypassPastStaleWindow(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.respond(http.StatusOK, `{"data":{}}`, nil)
	h, clock := newTestHandler(t, upstream)

	doGet(h, "/api/cg?path=/global")

	clock.Advance(10*time.Minute + time.Second)
	upstream.respond(http.StatusServiceUnavailable, `{"error":"maintenance"}`, http.Header{"Content-Type": {"application/problem+json"}})

	w := doGet(h, "/api/cg?path=/global")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, string(StateBypass), w.Header().Get(HeaderCacheState))
	assert.Equal(t, `{"error":"maintenance"}`, w.Body.String())
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Equal(t, CacheControl, w.Header().Get("Cache-Control"))
}

func TestHandler_BypassNonRetryableFailure(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.respond(http.StatusOK, `{"id":"bitcoin"}`, nil)
	h, clock := newTestHandler(t, upstream)

	doGet(h, "/api/cg?path=/coins/bitcoin")

	// a 404 never falls back to the stale entry
	clock.Advance(61 * time.Second)
	upstream.respond(http.StatusNotFound, `{"error":"coin not found"}`, nil)

	w := doGet(h, "/api/cg?path=/coins/bitcoin")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(StateBypass), w.Header().Get(HeaderCacheState))
	assert.Equal(t, `{"error":"coin not found"}`, w.Body.String())
}

func TestHandler_BypassWithoutEntry(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.respond(http.StatusTooManyRequests, `{"status":{"error_code":429}}`, nil)
	h, _ := newTestHandler(t, upstream)

	w := doGet(h, "/api/cg?path=/search/trending")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, string(StateBypass), w.Header().Get(HeaderCacheState))
	assert.Equal(t, 0, h.Store().Len())
}

func TestHandler_TransportFault(t *testing.T) {
	upstream := newFakeUpstream(t)
	h, _ := newTestHandler(t, upstream)
	upstream.server.Close()

	w := doGet(h, "/api/cg?path=/ping")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "Proxy error", body["error"])
	assert.NotEmpty(t, body["detail"])
	assert.Equal(t, CacheControl, w.Header().Get("Cache-Control"))
	assert.Empty(t, w.Header().Get(HeaderCacheState))
}

func TestHandler_ForwardsQueryAndHeaders(t *testing.T) {
	upstream := newFakeUpstream(t)
	h, _ := newTestHandler(t, upstream, func(c *Config) { c.APIKey = "demo-key" })

	w := doGet(h, "/api/cg?vs_currencies=usd&path=/simple/price&ids=bitcoin,ethereum")
	require.Equal(t, http.StatusOK, w.Code)

	upstream.mu.Lock()
	defer upstream.mu.Unlock()
	assert.Equal(t, "/api/v3/simple/price", upstream.lastURL.Path)
	assert.Equal(t, "ids=bitcoin%2Cethereum&vs_currencies=usd", upstream.lastURL.RawQuery)
	assert.Equal(t, "application/json", upstream.lastHeader.Get("Accept"))
	assert.Equal(t, "cg-proxy-test", upstream.lastHeader.Get("User-Agent"))
	assert.Equal(t, "demo-key", upstream.lastHeader.Get(HeaderAPIKey))
}

func TestHandler_CacheKeyIgnoresParameterOrder(t *testing.T) {
	upstream := newFakeUpstream(t)
	h, _ := newTestHandler(t, upstream)

	doGet(h, "/api/cg?path=/coins/markets&vs_currency=usd&page=1")
	w := doGet(h, "/api/cg?page=1&path=/coins/markets&vs_currency=usd")

	assert.Equal(t, string(StateHit), w.Header().Get(HeaderCacheState))
	assert.Equal(t, int32(1), upstream.calls.Load())

	key := h.UpstreamURL("/coins/markets", url.Values{"vs_currency": {"usd"}, "page": {"1"}})
	_, ok := h.Store().Get(key)
	assert.True(t, ok, "expected entry under %s", key)
}

func TestHandler_UpstreamURLEscapesPath(t *testing.T) {
	h := NewHandler(Config{UpstreamBase: "https://api.example/api/v3/"})

	assert.Equal(t, "https://api.example/api/v3/coins/bitcoin", h.UpstreamURL("/coins/bitcoin", nil))
	assert.Equal(t, "https://api.example/api/v3/coins/wrapped%20btc?vs_currency=usd",
		h.UpstreamURL("/coins/wrapped btc", url.Values{"vs_currency": {"usd"}}))
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	upstream := newFakeUpstream(t)
	h, _ := newTestHandler(t, upstream)

	req := httptest.NewRequest(http.MethodPost, "/api/cg?path=/ping", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "GET, HEAD", w.Header().Get("Allow"))
	assert.Equal(t, int32(0), upstream.calls.Load())
}

func TestHandler_RequestID(t *testing.T) {
	upstream := newFakeUpstream(t)
	h, _ := newTestHandler(t, upstream)

	w := doGet(h, "/api/cg?path=/ping")
	_, err := uuid.Parse(w.Header().Get(HeaderRequestID))
	assert.NoError(t, err, "generated request id should be a uuid")

	req := httptest.NewRequest(http.MethodGet, "/api/cg?path=/ping", nil)
	req.Header.Set(HeaderRequestID, "abc-123")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(HeaderRequestID))
}

func TestHandler_FeedsTracker(t *testing.T) {
	upstream := newFakeUpstream(t)
	tracker := ratelimit.NewTracker(nil, zerolog.Nop())
	h, _ := newTestHandler(t, upstream, func(c *Config) { c.Tracker = tracker })
	ctx := context.Background()

	upstream.respond(http.StatusTooManyRequests, `{}`, http.Header{"Retry-After": {"30"}})
	doGet(h, "/api/cg?path=/global")
	assert.False(t, tracker.Healthy(ctx))

	upstream.respond(http.StatusOK, `{}`, nil)
	doGet(h, "/api/cg?path=/global")
	assert.True(t, tracker.Healthy(ctx))
}
