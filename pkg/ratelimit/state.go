// Package ratelimit tracks the health of the rate-limited upstream API.
// It watches the answers the proxy receives (429 with Retry-After, 5xx,
// transport failures) and derives a cooldown window and a health flag.
// The state can be shared between proxy replicas through Redis.
package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RedisKeyState holds the JSON-encoded UpstreamState when Redis is used.
const RedisKeyState = "cg:upstream:state"

// Thresholds for health decisions.
const (
	// FailureThresholdUnhealthy marks upstream unhealthy after this many
	// consecutive 429/5xx/transport failures.
	FailureThresholdUnhealthy = 5

	// DefaultCooldown applies to a 429 without a usable Retry-After header.
	DefaultCooldown = 60 * time.Second

	// MaxCooldown caps any Retry-After value.
	MaxCooldown = 10 * time.Minute
)

// UpstreamState represents the observed health of the upstream API.
type UpstreamState struct {
	// ConsecutiveFailures counts failures since the last 2xx.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// CooldownUntil is when the last rate limit is expected to lift.
	CooldownUntil time.Time `json:"cooldown_until"`

	// LastStatus is the last observed HTTP status (0 for transport failures).
	LastStatus int `json:"last_status"`

	// LastUpdate is when the state last changed.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is false while cooling down or after too many failures.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state is older than maxAge.
func (s *UpstreamState) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// InCooldown returns true while a rate limit is in effect.
func (s *UpstreamState) InCooldown(now time.Time) bool {
	return now.Before(s.CooldownUntil)
}

// TimeUntilRecovery returns the remaining cooldown, or 0.
func (s *UpstreamState) TimeUntilRecovery(now time.Time) time.Duration {
	d := s.CooldownUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// UpdateHealth recomputes IsHealthy for the given time.
func (s *UpstreamState) UpdateHealth(now time.Time) {
	s.IsHealthy = !s.InCooldown(now) && s.ConsecutiveFailures < FailureThresholdUnhealthy
}

// ParseRetryAfter reads a Retry-After value given either as delay seconds
// or as an HTTP date.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
