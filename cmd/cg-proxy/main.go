package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/cg-cache/pkg/config"
	"github.com/Sternrassler/cg-cache/pkg/edge"
	"github.com/Sternrassler/cg-cache/pkg/logging"
	"github.com/Sternrassler/cg-cache/pkg/metrics"
	"github.com/Sternrassler/cg-cache/pkg/ratelimit"
)

// pruneInterval is how often expired proxy entries are dropped.
const pruneInterval = time.Minute

func main() {
	configPath := flag.String("config", getEnv("CG_CONFIG", ""), "path to YAML config file")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyEnv()

	logging.Setup(cfg.Logging())
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Upstream health is shared through Redis when enabled
	var redisClient *redis.Client
	if cfg.Proxy.SharedHealth {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Store.RedisURL})
		defer redisClient.Close()

		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Store.RedisURL).Msg("Failed to connect to Redis")
		}
		log.Info().Str("addr", cfg.Store.RedisURL).Msg("Connected to Redis")
	}
	tracker := ratelimit.NewTracker(redisClient, logging.NewLogger("upstream-health"))

	proxy := edge.NewHandler(edgeConfig(cfg, tracker))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go pruneLoop(ctx, proxy.Store(), cfg.Proxy.StaleWindow)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newMux(cfg.Proxy.Endpoint, proxy, tracker),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", cfg.Listen).
			Str("endpoint", cfg.Proxy.Endpoint).
			Str("upstream", cfg.Upstream.BaseURL).
			Str("user_agent", cfg.Upstream.UserAgent).
			Msg("Starting cache proxy server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
}

func edgeConfig(cfg *config.Config, tracker *ratelimit.Tracker) edge.Config {
	return edge.Config{
		UpstreamBase: cfg.Upstream.BaseURL,
		UserAgent:    cfg.Upstream.UserAgent,
		APIKey:       cfg.Upstream.APIKey,
		FreshWindow:  cfg.Proxy.FreshWindow,
		StaleWindow:  cfg.Proxy.StaleWindow,
		MaxEntries:   cfg.Proxy.MaxEntries,
		HTTPClient:   &http.Client{Timeout: cfg.Upstream.Timeout},
		Tracker:      tracker,
	}
}

func newMux(endpoint string, proxy http.Handler, tracker *ratelimit.Tracker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(tracker))
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle(endpoint, proxy)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyResponse is the /ready body.
type readyResponse struct {
	Status          string  `json:"status"`
	UpstreamHealthy bool    `json:"upstream_healthy"`
	CooldownSeconds float64 `json:"cooldown_seconds"`
	Error           string  `json:"error,omitempty"`
}

// readyHandler reports 503 only when the health backend is unreachable.
// An unhealthy upstream is reported but keeps the proxy ready, since it can
// still serve from cache.
func readyHandler(tracker *ratelimit.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")

		if err := tracker.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(readyResponse{Status: "not ready", Error: err.Error()})
			return
		}

		state, err := tracker.GetState(ctx)
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(readyResponse{Status: "not ready", Error: err.Error()})
			return
		}

		_ = json.NewEncoder(w).Encode(readyResponse{
			Status:          "ready",
			UpstreamHealthy: state.IsHealthy,
			CooldownSeconds: state.TimeUntilRecovery(time.Now()).Seconds(),
		})
	}
}

func pruneLoop(ctx context.Context, store *edge.Store, maxAge time.Duration) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := store.Prune(now, maxAge); n > 0 {
				log.Debug().Int("removed", n).Msg("Pruned expired proxy entries")
			}
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
