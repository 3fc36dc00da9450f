// Package config loads cg-cache configuration from a YAML file, a .env file
// and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/cg-cache/pkg/logging"
)

// Durable store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config holds all cg-cache configuration.
type Config struct {
	Listen   string         `yaml:"listen"`
	Log      LogConfig      `yaml:"log"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Client   ClientConfig   `yaml:"client"`
	Store    StoreConfig    `yaml:"store"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// UpstreamConfig describes the market-data API.
type UpstreamConfig struct {
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ProxyConfig controls the edge cache proxy.
type ProxyConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	FreshWindow time.Duration `yaml:"fresh_window"`
	StaleWindow time.Duration `yaml:"stale_window"`
	MaxEntries  int           `yaml:"max_entries"`
	// SharedHealth stores upstream health in Redis so replicas agree on it.
	SharedHealth bool `yaml:"shared_health"`
}

// ClientConfig controls the request cache defaults.
type ClientConfig struct {
	Origin            string        `yaml:"origin"`
	TTL               time.Duration `yaml:"ttl"`
	Retries           int           `yaml:"retries"`
	RetryDelayBase    time.Duration `yaml:"retry_delay_base"`
	AllowStaleOnError bool          `yaml:"allow_stale_on_error"`
}

// StoreConfig selects the request cache's durable tier.
type StoreConfig struct {
	Backend    string        `yaml:"backend"`
	RedisURL   string        `yaml:"redis_url"`
	SQLitePath string        `yaml:"sqlite_path"`
	Retention  time.Duration `yaml:"retention"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Log: LogConfig{
			Level: string(logging.LevelInfo),
		},
		Upstream: UpstreamConfig{
			BaseURL:   "https://api.coingecko.com/api/v3",
			UserAgent: "cg-cache/0.1.0",
			Timeout:   30 * time.Second,
		},
		Proxy: ProxyConfig{
			Endpoint:    "/api/cg",
			FreshWindow: 60 * time.Second,
			StaleWindow: 10 * time.Minute,
			MaxEntries:  1000,
		},
		Client: ClientConfig{
			Origin:            "http://localhost:8080",
			TTL:               10 * time.Minute,
			Retries:           2,
			RetryDelayBase:    850 * time.Millisecond,
			AllowStaleOnError: true,
		},
		Store: StoreConfig{
			Backend:    BackendMemory,
			RedisURL:   "localhost:6379",
			SQLitePath: "cg-cache.db",
			Retention:  24 * time.Hour,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files (default ".env")
// without overriding ones already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv() {
	if port := getEnv("PORT", ""); port != "" {
		c.Listen = ":" + port
	}
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Upstream.BaseURL = getEnv("CG_UPSTREAM_BASE", c.Upstream.BaseURL)
	c.Upstream.APIKey = getEnv("CG_API_KEY", c.Upstream.APIKey)
	c.Upstream.UserAgent = getEnv("USER_AGENT", c.Upstream.UserAgent)
	c.Client.Origin = getEnv("CG_ORIGIN", c.Client.Origin)
	c.Store.Backend = getEnv("CG_STORE", c.Store.Backend)
	c.Store.RedisURL = getEnv("REDIS_URL", c.Store.RedisURL)
	c.Store.SQLitePath = getEnv("CG_SQLITE_PATH", c.Store.SQLitePath)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if !strings.HasPrefix(c.Upstream.BaseURL, "http://") && !strings.HasPrefix(c.Upstream.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("upstream base_url %q must be an http(s) URL", c.Upstream.BaseURL))
	}
	if !strings.HasPrefix(c.Proxy.Endpoint, "/") {
		errs = append(errs, fmt.Errorf("proxy endpoint %q must start with /", c.Proxy.Endpoint))
	}
	if c.Proxy.FreshWindow <= 0 || c.Proxy.StaleWindow < c.Proxy.FreshWindow {
		errs = append(errs, fmt.Errorf("proxy windows invalid: fresh %v, stale %v", c.Proxy.FreshWindow, c.Proxy.StaleWindow))
	}
	if c.Client.Retries < 0 {
		errs = append(errs, fmt.Errorf("client retries must not be negative, got %d", c.Client.Retries))
	}
	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	return errors.Join(errs...)
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
