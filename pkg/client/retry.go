package client

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cg_retries_total",
		Help: "Total number of retry attempts by error kind",
	}, []string{"error_kind"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cg_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error kind",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10},
	}, []string{"error_kind"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cg_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error kind",
	}, []string{"error_kind"})
)

// MaxJitter bounds the random delay added to every backoff.
const MaxJitter = 200 * time.Millisecond

// SleepFunc waits for d or until ctx is done, returning ctx.Err() in the
// latter case.
type SleepFunc func(ctx context.Context, d time.Duration) error

// sleepContext is the production SleepFunc.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// randomJitter returns a uniformly random duration in [0, MaxJitter).
func randomJitter() time.Duration {
	return time.Duration(rand.Int64N(int64(MaxJitter)))
}

// backoffPolicy is a linear backoff with jitter:
// the wait after failed attempt n is base*n + jitter.
type backoffPolicy struct {
	retries int
	base    time.Duration
	jitter  func() time.Duration
}

func (p backoffPolicy) delay(attempt int) time.Duration {
	return p.base*time.Duration(attempt) + p.jitter()
}

// retryWithBackoff calls fn until it succeeds, fails with a non-retryable
// error, or runs out of attempts. Cancellation (of ctx, or reported by fn)
// ends the loop at once and does not count as an attempt.
func retryWithBackoff(ctx context.Context, p backoffPolicy, sleep SleepFunc, logger zerolog.Logger, url string, fn func(attempt int) error) error {
	var lastErr error
	attempts := p.retries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Str("url", url).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		if ctx.Err() != nil {
			return cancelledError(url, ctx.Err())
		}

		lastErr = err
		kind := KindOf(err)
		if kind == KindCancelled {
			return err
		}

		// Terminal errors are returned as-is
		if !kind.Retryable() {
			return lastErr
		}

		// If this was the last attempt, don't wait
		if attempt >= attempts {
			break
		}

		retriesTotal.WithLabelValues(string(kind)).Inc()
		wait := p.delay(attempt)
		retryBackoffSeconds.WithLabelValues(string(kind)).Observe(wait.Seconds())

		logger.Debug().
			Str("url", url).
			Str("error_kind", string(kind)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")

		if err := sleep(ctx, wait); err != nil {
			logger.Debug().
				Str("url", url).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return cancelledError(url, err)
		}
	}

	kind := KindOf(lastErr)
	retryExhaustedTotal.WithLabelValues(string(kind)).Inc()
	logger.Warn().
		Str("url", url).
		Str("error_kind", string(kind)).
		Int("max_attempts", attempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}
