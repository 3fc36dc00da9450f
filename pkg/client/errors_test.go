package client

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKind_Retryable(t *testing.T) {
	tests := []struct {
		name     string
		kind     Kind
		expected bool
	}{
		{name: "rate limit should retry", kind: KindRateLimited, expected: true},
		{name: "server error should retry", kind: KindServerError, expected: true},
		{name: "transport error should retry", kind: KindTransport, expected: true},
		{name: "not found should not retry", kind: KindNotFound, expected: false},
		{name: "client error should not retry", kind: KindClient, expected: false},
		{name: "invalid input should not retry", kind: KindInvalidInput, expected: false},
		{name: "cancelled should not retry", kind: KindCancelled, expected: false},
		{name: "empty kind should not retry", kind: "", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.kind.Retryable(); got != tt.expected {
				t.Errorf("%q.Retryable() = %v, want %v", tt.kind, got, tt.expected)
			}
		})
	}
}

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{429, KindRateLimited},
		{404, KindNotFound},
		{500, KindServerError},
		{502, KindServerError},
		{503, KindServerError},
		{400, KindClient},
		{401, KindClient},
		{304, KindClient},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			if got := kindForStatus(tt.status); got != tt.want {
				t.Errorf("kindForStatus(%d) = %s, want %s", tt.status, got, tt.want)
			}
		})
	}
}

func TestUpstreamError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *UpstreamError
		expected string
	}{
		{
			name: "full error",
			err: &UpstreamError{
				Kind:       KindServerError,
				StatusCode: 503,
				URL:        "/api/cg?path=/global",
				Err:        errors.New("503 Service Unavailable"),
			},
			expected: "server_error error (status 503) for /api/cg?path=/global: 503 Service Unavailable",
		},
		{
			name:     "transport error without status",
			err:      &UpstreamError{Kind: KindTransport, URL: "/x", Err: errors.New("connection refused")},
			expected: "transport error for /x: connection refused",
		},
		{
			name:     "bare kind",
			err:      &UpstreamError{Kind: KindClient},
			expected: "client error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestUpstreamError_Is(t *testing.T) {
	err := &UpstreamError{Kind: KindRateLimited, StatusCode: 429, Err: errors.New("429 Too Many Requests")}

	if !errors.Is(err, ErrRateLimited) {
		t.Error("rate limited error should match ErrRateLimited")
	}
	if errors.Is(err, ErrServerError) {
		t.Error("rate limited error should not match ErrServerError")
	}

	wrapped := fmt.Errorf("%w after %d attempts: %w", ErrExhausted, 3, err)
	if !errors.Is(wrapped, ErrExhausted) || !errors.Is(wrapped, ErrRateLimited) {
		t.Errorf("exhausted error should match both sentinels: %v", wrapped)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "upstream error", err: &UpstreamError{Kind: KindNotFound}, want: KindNotFound},
		{name: "cancelled", err: cancelledError("/x", context.Canceled), want: KindCancelled},
		{name: "deadline", err: fmt.Errorf("wrapped: %w", context.DeadlineExceeded), want: KindCancelled},
		{
			name: "exhausted wins over cause",
			err:  fmt.Errorf("%w after 3 attempts: %w", ErrExhausted, &UpstreamError{Kind: KindServerError}),
			want: KindExhausted,
		},
		{
			name: "transport error wrapping a deadline",
			err:  &UpstreamError{Kind: KindTransport, Err: context.DeadlineExceeded},
			want: KindTransport,
		},
		{name: "unknown error", err: errors.New("boom"), want: KindTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatusCode(t *testing.T) {
	err := fmt.Errorf("%w after 2 attempts: %w", ErrExhausted, &UpstreamError{Kind: KindServerError, StatusCode: 502})
	if got := StatusCode(err); got != 502 {
		t.Errorf("StatusCode() = %d, want 502", got)
	}
	if got := StatusCode(errors.New("plain")); got != 0 {
		t.Errorf("StatusCode(plain) = %d, want 0", got)
	}
}
