package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for upstream health tracking.
var (
	upstreamHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cg_upstream_healthy",
		Help: "1 if the upstream API is considered healthy, 0 otherwise",
	})

	upstreamCooldownSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cg_upstream_cooldown_seconds",
		Help: "Seconds until the current upstream rate limit is expected to lift",
	})

	upstreamRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cg_upstream_rate_limited_total",
		Help: "Total number of 429 responses observed from upstream",
	})
)

// stateRetention bounds how long shared state survives in Redis without updates.
const stateRetention = time.Hour

// Tracker records upstream outcomes and answers health queries.
// With a nil Redis client the state is kept in process.
type Tracker struct {
	mu     sync.Mutex
	state  UpstreamState
	redis  *redis.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewTracker creates a new upstream health tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		state:  UpstreamState{IsHealthy: true},
		redis:  redisClient,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the time source (for testing).
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// GetState returns the current upstream state.
// A tracker that has seen nothing reports a healthy state.
func (t *Tracker) GetState(ctx context.Context) (*UpstreamState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.load(ctx)
	if err != nil {
		return nil, err
	}
	state.UpdateHealth(t.now())
	return &state, nil
}

// Healthy reports whether upstream is currently considered healthy.
// Read errors are logged and reported as healthy.
func (t *Tracker) Healthy(ctx context.Context) bool {
	state, err := t.GetState(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Failed to read upstream state")
		return true
	}
	return state.IsHealthy
}

// Observe records one upstream HTTP response.
// 4xx answers other than 429 say nothing about upstream health and are ignored.
func (t *Tracker) Observe(ctx context.Context, status int, headers http.Header) error {
	switch {
	case status >= 200 && status < 300:
		return t.update(ctx, status, func(s *UpstreamState, _ time.Time) {
			s.ConsecutiveFailures = 0
			s.CooldownUntil = time.Time{}
		})
	case status == http.StatusTooManyRequests:
		upstreamRateLimitedTotal.Inc()
		return t.update(ctx, status, func(s *UpstreamState, now time.Time) {
			s.ConsecutiveFailures++
			wait, ok := ParseRetryAfter(headers.Get("Retry-After"), now)
			if !ok {
				wait = DefaultCooldown
			}
			s.CooldownUntil = now.Add(min(wait, MaxCooldown))
		})
	case status >= 500:
		return t.update(ctx, status, func(s *UpstreamState, _ time.Time) {
			s.ConsecutiveFailures++
		})
	default:
		return nil
	}
}

// ObserveError records a request that produced no response at all.
func (t *Tracker) ObserveError(ctx context.Context) error {
	return t.update(ctx, 0, func(s *UpstreamState, _ time.Time) {
		s.ConsecutiveFailures++
	})
}

// Ping checks the shared state backend, if any.
func (t *Tracker) Ping(ctx context.Context) error {
	if t.redis == nil {
		return nil
	}
	return t.redis.Ping(ctx).Err()
}

func (t *Tracker) update(ctx context.Context, status int, mutate func(*UpstreamState, time.Time)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.load(ctx)
	if err != nil {
		return err
	}
	now := t.now()
	wasHealthy := state.IsHealthy

	mutate(&state, now)
	state.LastStatus = status
	state.LastUpdate = now
	state.UpdateHealth(now)

	if err := t.save(ctx, state); err != nil {
		return err
	}

	if state.IsHealthy {
		upstreamHealthy.Set(1)
	} else {
		upstreamHealthy.Set(0)
	}
	upstreamCooldownSeconds.Set(state.TimeUntilRecovery(now).Seconds())

	switch {
	case wasHealthy && !state.IsHealthy:
		t.logger.Warn().
			Int("status", status).
			Int("consecutive_failures", state.ConsecutiveFailures).
			Time("cooldown_until", state.CooldownUntil).
			Msg("Upstream marked unhealthy")
	case !wasHealthy && state.IsHealthy:
		t.logger.Info().Int("status", status).Msg("Upstream recovered")
	default:
		t.logger.Debug().
			Int("status", status).
			Int("consecutive_failures", state.ConsecutiveFailures).
			Bool("is_healthy", state.IsHealthy).
			Msg("Upstream state updated")
	}

	return nil
}

// load must be called with t.mu held.
func (t *Tracker) load(ctx context.Context) (UpstreamState, error) {
	if t.redis == nil {
		return t.state, nil
	}

	raw, err := t.redis.Get(ctx, RedisKeyState).Bytes()
	if errors.Is(err, redis.Nil) {
		return UpstreamState{IsHealthy: true}, nil
	}
	if err != nil {
		return UpstreamState{}, fmt.Errorf("get upstream state: %w", err)
	}

	var state UpstreamState
	if err := json.Unmarshal(raw, &state); err != nil {
		return UpstreamState{}, fmt.Errorf("parse upstream state: %w", err)
	}
	return state, nil
}

// save must be called with t.mu held.
func (t *Tracker) save(ctx context.Context, state UpstreamState) error {
	t.state = state
	if t.redis == nil {
		return nil
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal upstream state: %w", err)
	}
	if err := t.redis.Set(ctx, RedisKeyState, data, stateRetention).Err(); err != nil {
		return fmt.Errorf("store upstream state in redis: %w", err)
	}
	return nil
}
