package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/cg-cache/pkg/batch"
	"github.com/Sternrassler/cg-cache/pkg/cache"
	"github.com/Sternrassler/cg-cache/pkg/cache/sqlite"
	"github.com/Sternrassler/cg-cache/pkg/client"
	"github.com/Sternrassler/cg-cache/pkg/config"
	"github.com/Sternrassler/cg-cache/pkg/logging"
	"github.com/Sternrassler/cg-cache/pkg/urlnorm"
)

// Command line flags
type options struct {
	configPath string
	origin     string
	store      string
	redisURL   string
	sqlitePath string
	ttl        time.Duration
	retries    int
	noStale    bool
	logLevel   string

	concurrency int
	stagger     time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "cgfetch",
		Short:         "Fetch market data through the request cache",
		Long:          `cgfetch fetches market-data URLs through the cache proxy with the same caching, deduplication, retry and stale fallback the dashboard uses.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := root.PersistentFlags()
	f.StringVar(&opts.configPath, "config", "", "Path to YAML config file")
	f.StringVar(&opts.origin, "origin", "", "Base URL of the cache proxy (default from config)")
	f.StringVar(&opts.store, "store", "", "Durable store: memory, redis or sqlite (default from config)")
	f.StringVar(&opts.redisURL, "redis", "", "Redis address for the redis store")
	f.StringVar(&opts.sqlitePath, "sqlite", "", "Database file for the sqlite store")
	f.DurationVar(&opts.ttl, "ttl", 0, "Freshness window (default from config)")
	f.IntVar(&opts.retries, "retries", -1, "Retries for retryable failures (default from config)")
	f.BoolVar(&opts.noStale, "no-stale", false, "Fail instead of serving stale values")
	f.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	root.AddCommand(newGetCmd(opts), newBatchCmd(opts), newClearCmd(opts))
	return root
}

func newGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <url>",
		Short: "Fetch one URL (direct, proxy or bare-path form)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(opts)
			if err != nil {
				return err
			}
			defer env.close()

			value, err := env.client.FetchCached(cmd.Context(), args[0], env.fetchOptions...)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), value)
		},
	}
}

func newBatchCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch <url>...",
		Short: "Fetch several URLs, keeping whatever loads",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(opts)
			if err != nil {
				return err
			}
			defer env.close()

			cfg := batch.DefaultConfig()
			cfg.MaxConcurrency = opts.concurrency
			cfg.Stagger = opts.stagger
			cfg.Options = env.fetchOptions

			targets := make([]batch.Target, len(args))
			for i, u := range args {
				targets[i] = batch.Target{ID: u, URL: u}
			}

			report, err := batch.NewLoader(env.client, cfg).Load(cmd.Context(), targets)
			if err != nil {
				return err
			}
			for _, id := range report.Missing {
				fmt.Fprintf(cmd.ErrOrStderr(), "missing: %s (%v)\n", id, report.Failed[id])
			}

			out := make(map[string]json.RawMessage, len(report.Results))
			for id, v := range report.Results {
				out[id] = v
			}
			data, err := json.Marshal(out)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 4, "Maximum parallel fetches")
	cmd.Flags().DurationVar(&opts.stagger, "stagger", 0, "Extra start delay per target")
	return cmd
}

func newClearCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached entry from the durable store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(opts)
			if err != nil {
				return err
			}
			defer env.close()

			if err := env.client.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
			return nil
		},
	}
}

// environment is what every subcommand needs.
type environment struct {
	client       *client.Client
	fetchOptions []client.Option
	close        func()
}

func setup(opts *options) (*environment, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	applyFlags(cfg, opts)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logging.Setup(cfg.Logging())

	store, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	norm, err := urlnorm.New(cfg.Upstream.BaseURL, cfg.Proxy.Endpoint)
	if err != nil {
		closeStore()
		return nil, err
	}

	c, err := client.New(client.Config{
		Origin:     cfg.Client.Origin,
		Normalizer: norm,
		Store:      store,
		UserAgent:  cfg.Upstream.UserAgent,
	})
	if err != nil {
		closeStore()
		return nil, err
	}

	return &environment{
		client: c,
		fetchOptions: []client.Option{
			client.WithTTL(cfg.Client.TTL),
			client.WithRetries(cfg.Client.Retries),
			client.WithRetryDelay(cfg.Client.RetryDelayBase),
			client.WithStaleOnError(cfg.Client.AllowStaleOnError),
		},
		close: closeStore,
	}, nil
}

func applyFlags(cfg *config.Config, opts *options) {
	if opts.origin != "" {
		cfg.Client.Origin = opts.origin
	}
	if opts.store != "" {
		cfg.Store.Backend = opts.store
	}
	if opts.redisURL != "" {
		cfg.Store.RedisURL = opts.redisURL
		if opts.store == "" {
			cfg.Store.Backend = config.BackendRedis
		}
	}
	if opts.sqlitePath != "" {
		cfg.Store.SQLitePath = opts.sqlitePath
		if opts.store == "" {
			cfg.Store.Backend = config.BackendSQLite
		}
	}
	if opts.ttl > 0 {
		cfg.Client.TTL = opts.ttl
	}
	if opts.retries >= 0 {
		cfg.Client.Retries = opts.retries
	}
	if opts.noStale {
		cfg.Client.AllowStaleOnError = false
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
}

// openStore opens the configured durable tier.
func openStore(cfg config.StoreConfig) (cache.Store, func(), error) {
	switch cfg.Backend {
	case config.BackendRedis:
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		return cache.NewRedisStore(rc, cfg.Retention), func() { rc.Close() }, nil
	case config.BackendSQLite:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, func() { s.Close() }, nil
	default:
		return cache.NewMemoryStore(), func() {}, nil
	}
}

func writeJSON(w io.Writer, data []byte) error {
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w)
	return err
}
