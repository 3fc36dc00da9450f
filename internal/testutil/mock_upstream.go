// Package testutil provides testing utilities for the market-data cache.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Request forms seen by the mock server.
const (
	FormProxy  = "proxy"
	FormDirect = "direct"
)

// Paths the mock server recognizes.
const (
	ProxyEndpoint = "/api/cg"
	APIRoot       = "/api/v3"
)

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration

	// Wait, when set, holds the response until the channel is closed
	// or the request is cancelled.
	Wait <-chan struct{}
}

// MockUpstream is a configurable mock market-data server. It answers both
// the proxy form (/api/cg?path=/x) and the direct form (/api/v3/x) and keys
// its handlers by the upstream-relative path (/x).
type MockUpstream struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	counts   map[string]int

	// Tracking
	RequestCount      int
	ProxyCount        int
	DirectCount       int
	LastRequestHeader http.Header
}

// NewMockUpstream creates a new mock upstream server.
func NewMockUpstream() *MockUpstream {
	mock := &MockUpstream{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
		counts:   make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rel, form := Resolve(r)

		mock.mu.Lock()
		mock.RequestCount++
		mock.counts[form+":"+rel]++
		switch form {
		case FormProxy:
			mock.ProxyCount++
		case FormDirect:
			mock.DirectCount++
		}
		mock.LastRequestHeader = r.Header.Clone()
		handler, exists := mock.handlers[form+":"+rel]
		if !exists {
			handler, exists = mock.handlers[rel]
		}
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	}))

	return mock
}

// Resolve returns the upstream-relative path of r and the form it used.
func Resolve(r *http.Request) (rel, form string) {
	switch {
	case r.URL.Path == ProxyEndpoint:
		return r.URL.Query().Get("path"), FormProxy
	case strings.HasPrefix(r.URL.Path, APIRoot+"/"):
		return strings.TrimPrefix(r.URL.Path, APIRoot), FormDirect
	default:
		return r.URL.Path, FormDirect
	}
}

// URL returns the mock server URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// APIBase returns the direct-form API root of the mock server.
func (m *MockUpstream) APIBase() string {
	return m.server.URL + APIRoot
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.ProxyCount = 0
	m.DirectCount = 0
	m.counts = make(map[string]int)
	m.LastRequestHeader = nil
}

// SetHandler sets a custom handler for an upstream-relative path in any form.
func (m *MockUpstream) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetFormHandler sets a handler for path in one form only (FormProxy or FormDirect).
func (m *MockUpstream) SetFormHandler(form, path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.SetHandler(form+":"+path, handler)
}

// SetResponse configures a fixed response for a path.
func (m *MockUpstream) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, responder(resp))
}

// SetSequence configures responses returned in order; the last one repeats.
func (m *MockUpstream) SetSequence(path string, resps ...MockResponse) {
	var (
		mu   sync.Mutex
		next int
	)
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := resps[min(next, len(resps)-1)]
		next++
		mu.Unlock()
		responder(resp)(w, r)
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockUpstream) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetDirectCount returns the number of direct-form requests.
func (m *MockUpstream) GetDirectCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.DirectCount
}

// GetPathCount returns how often path was requested in the given form.
func (m *MockUpstream) GetPathCount(form, path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[form+":"+path]
}

func responder(resp MockResponse) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if resp.Wait != nil {
			select {
			case <-resp.Wait:
			case <-r.Context().Done():
				return
			}
		}
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
		}

		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	}
}

// NewJSONResponse creates a standard 200 OK JSON response.
func NewJSONResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"status":{"error_code":429,"error_message":"You've exceeded the Rate Limit."}}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
			"Retry-After":  "30",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error":"Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewNotFoundResponse creates a 404 Not Found response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"error":"coin not found"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}
