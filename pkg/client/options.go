package client

import "time"

// Options controls a single FetchCached call.
type Options struct {
	// TTL is how long a stored value counts as fresh.
	TTL time.Duration

	// Retries is the number of additional attempts after the first one
	// for retryable failures (429, 5xx, transport).
	Retries int

	// RetryDelayBase scales the backoff: attempt n waits
	// RetryDelayBase*n plus up to 200ms of jitter.
	RetryDelayBase time.Duration

	// AllowStaleOnError serves the last stored value, however old,
	// when all attempts fail.
	AllowStaleOnError bool

	// StartDelay is waited (cancellably) before the call does any work.
	// Page loaders use it to stagger bursts.
	StartDelay time.Duration
}

// Default option values.
const (
	DefaultTTL            = 10 * time.Minute
	DefaultRetries        = 2
	DefaultRetryDelayBase = 850 * time.Millisecond
)

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		TTL:               DefaultTTL,
		Retries:           DefaultRetries,
		RetryDelayBase:    DefaultRetryDelayBase,
		AllowStaleOnError: true,
		StartDelay:        0,
	}
}

// Option overrides one field of Options.
type Option func(*Options)

// WithTTL sets the freshness window. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) {
		if ttl > 0 {
			o.TTL = ttl
		}
	}
}

// WithRetries sets the number of retries. Negative values mean none.
func WithRetries(n int) Option {
	return func(o *Options) {
		o.Retries = max(n, 0)
	}
}

// WithRetryDelay sets the backoff base.
func WithRetryDelay(base time.Duration) Option {
	return func(o *Options) {
		o.RetryDelayBase = max(base, 0)
	}
}

// WithStaleOnError enables or disables the stale fallback.
func WithStaleOnError(allow bool) Option {
	return func(o *Options) {
		o.AllowStaleOnError = allow
	}
}

// WithStartDelay sets a delay waited before the call starts.
func WithStartDelay(d time.Duration) Option {
	return func(o *Options) {
		o.StartDelay = max(d, 0)
	}
}

// WithOptions replaces all options at once.
func WithOptions(opts Options) Option {
	return func(o *Options) {
		*o = opts
		if o.TTL <= 0 {
			o.TTL = DefaultTTL
		}
		o.Retries = max(o.Retries, 0)
		o.RetryDelayBase = max(o.RetryDelayBase, 0)
		o.StartDelay = max(o.StartDelay, 0)
	}
}

func buildOptions(opts []Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
