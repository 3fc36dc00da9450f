package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the client. Every error returned by FetchCached
// matches ErrCancelled, ErrExhausted or the sentinel of its terminal Kind
// under errors.Is. An ErrExhausted error also matches the sentinel of the
// last attempt's Kind.
var (
	// ErrInvalidInput is returned when a request URL cannot be built.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRateLimited is returned when upstream answered 429.
	ErrRateLimited = errors.New("upstream rate limited")

	// ErrServerError is returned when upstream answered 5xx.
	ErrServerError = errors.New("upstream server error")

	// ErrTransport is returned when no usable response was obtained.
	ErrTransport = errors.New("upstream transport error")

	// ErrNotFound is returned when upstream answered 404.
	ErrNotFound = errors.New("upstream not found")

	// ErrClientError is returned for any other non-success status.
	ErrClientError = errors.New("upstream client error")

	// ErrCancelled is returned when the caller's context ends the request.
	ErrCancelled = errors.New("request cancelled")

	// ErrExhausted is returned when all retry attempts failed and no stale
	// value could be served.
	ErrExhausted = errors.New("retry attempts exhausted")
)

// Kind classifies a request failure for retry and fallback decisions.
type Kind string

const (
	// KindInvalidInput represents a request that could not be built.
	KindInvalidInput Kind = "invalid_input"

	// KindRateLimited represents 429 responses.
	KindRateLimited Kind = "rate_limited"

	// KindServerError represents 5xx responses.
	KindServerError Kind = "server_error"

	// KindTransport represents DNS, connection, timeout and decode failures.
	KindTransport Kind = "transport"

	// KindNotFound represents 404 responses.
	KindNotFound Kind = "not_found"

	// KindClient represents other 4xx (and unexpected) statuses.
	KindClient Kind = "client"

	// KindCancelled represents caller cancellation.
	KindCancelled Kind = "cancelled"

	// KindExhausted represents retries running out.
	KindExhausted Kind = "exhausted"
)

// Retryable reports whether a failure of this kind may be retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindServerError, KindTransport:
		return true
	default:
		return false
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidInput:
		return ErrInvalidInput
	case KindRateLimited:
		return ErrRateLimited
	case KindServerError:
		return ErrServerError
	case KindTransport:
		return ErrTransport
	case KindNotFound:
		return ErrNotFound
	case KindClient:
		return ErrClientError
	case KindCancelled:
		return ErrCancelled
	case KindExhausted:
		return ErrExhausted
	default:
		return nil
	}
}

// kindForStatus maps a non-success HTTP status to its Kind.
func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusNotFound:
		return KindNotFound
	case status >= 500:
		return KindServerError
	default:
		return KindClient
	}
}

// UpstreamError represents a failed request with additional context.
type UpstreamError struct {
	Kind       Kind
	StatusCode int // 0 when no response was received
	URL        string
	Err        error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("%s error", e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.URL != "" {
		msg = fmt.Sprintf("%s for %s", msg, e.URL)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error of the error's Kind.
func (e *UpstreamError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf classifies any error returned by the client.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrCancelled) {
		return KindCancelled
	}
	if errors.Is(err, ErrExhausted) {
		return KindExhausted
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindTransport
}

// StatusCode returns the upstream HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode
	}
	return 0
}

func cancelledError(url string, cause error) error {
	return &UpstreamError{Kind: KindCancelled, URL: url, Err: cause}
}
