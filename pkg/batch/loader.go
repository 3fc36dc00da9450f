// Package batch loads many market-data URLs through the request cache with
// bounded concurrency and an optional stagger, keeping whatever succeeded
// when some targets fail.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/cg-cache/pkg/client"
	"github.com/Sternrassler/cg-cache/pkg/logging"
)

// ErrNothingLoaded is returned when every target failed.
var ErrNothingLoaded = errors.New("no targets loaded")

// Config holds loader configuration.
type Config struct {
	// MaxConcurrency is the maximum number of parallel fetches.
	MaxConcurrency int

	// StartDelay is waited before the first fetch (helps with burst clicking).
	StartDelay time.Duration

	// Stagger adds i*Stagger to the start delay of the i-th target.
	Stagger time.Duration

	// Options are applied to every fetch.
	Options []client.Option
}

// DefaultConfig returns the configuration used by the page loaders.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		StartDelay:     180 * time.Millisecond,
	}
}

// Fetcher is the subset of *client.Client the loader needs.
type Fetcher interface {
	FetchCached(ctx context.Context, rawURL string, opts ...client.Option) (json.RawMessage, error)
}

// Target is one URL to load, identified by ID (e.g. a coin id).
type Target struct {
	ID  string
	URL string
}

// Report is the outcome of a Load.
type Report struct {
	// Results holds the payload of every target that loaded.
	Results map[string]json.RawMessage

	// Failed holds the error of every target that did not.
	Failed map[string]error

	// Missing lists failed target IDs in request order.
	Missing []string
}

// Complete reports whether every target loaded.
func (r *Report) Complete() bool {
	return len(r.Missing) == 0
}

// Loader fetches batches of targets.
type Loader struct {
	fetcher Fetcher
	config  Config
	logger  zerolog.Logger
}

// NewLoader creates a new batch loader.
func NewLoader(fetcher Fetcher, config Config) *Loader {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	return &Loader{
		fetcher: fetcher,
		config:  config,
		logger:  logging.NewLogger("batch-loader"),
	}
}

// Load fetches all targets. Individual failures are collected in the
// report; an error is returned only if ctx was cancelled or nothing loaded.
func (l *Loader) Load(ctx context.Context, targets []Target) (*Report, error) {
	start := time.Now()
	values := make([]json.RawMessage, len(targets))
	errs := make([]error, len(targets))

	g := new(errgroup.Group)
	g.SetLimit(l.config.MaxConcurrency)

	for i, target := range targets {
		opts := append([]client.Option{}, l.config.Options...)
		if delay := l.config.StartDelay + time.Duration(i)*l.config.Stagger; delay > 0 {
			opts = append(opts, client.WithStartDelay(delay))
		}

		g.Go(func() error {
			values[i], errs[i] = l.fetcher.FetchCached(ctx, target.URL, opts...)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("batch load cancelled: %w", err)
	}

	report := &Report{
		Results: make(map[string]json.RawMessage, len(targets)),
		Failed:  make(map[string]error),
	}
	var firstErr error
	for i, target := range targets {
		if errs[i] != nil {
			report.Failed[target.ID] = errs[i]
			report.Missing = append(report.Missing, target.ID)
			if firstErr == nil {
				firstErr = errs[i]
			}
			l.logger.Warn().
				Err(errs[i]).
				Str("id", target.ID).
				Str("url", target.URL).
				Msg("Target failed to load")
			continue
		}
		report.Results[target.ID] = values[i]
	}

	l.logger.Info().
		Int("loaded", len(report.Results)).
		Int("total", len(targets)).
		Strs("missing", report.Missing).
		Dur("duration", time.Since(start)).
		Msg("Batch load complete")

	if len(targets) > 0 && len(report.Results) == 0 {
		return report, fmt.Errorf("%w: %d of %d failed: %w", ErrNothingLoaded, len(report.Missing), len(targets), firstErr)
	}
	return report, nil
}
