package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/cg-cache/pkg/logging"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "/api/cg", cfg.Proxy.Endpoint)
	assert.Equal(t, 60*time.Second, cfg.Proxy.FreshWindow)
	assert.Equal(t, 10*time.Minute, cfg.Proxy.StaleWindow)
	assert.Equal(t, 10*time.Minute, cfg.Client.TTL)
	assert.Equal(t, 2, cfg.Client.Retries)
	assert.Equal(t, 850*time.Millisecond, cfg.Client.RetryDelayBase)
	assert.True(t, cfg.Client.AllowStaleOnError)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_CG_KEY", "from-env")

	path := filepath.Join(t.TempDir(), "cg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
upstream:
  api_key: ${TEST_CG_KEY}
  timeout: 5s
proxy:
  stale_window: 5m
client:
  ttl: 2m
  retries: 4
store:
  backend: sqlite
  sqlite_path: /tmp/cg.db
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "from-env", cfg.Upstream.APIKey)
	assert.Equal(t, 5*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Proxy.StaleWindow)
	assert.Equal(t, 2*time.Minute, cfg.Client.TTL)
	assert.Equal(t, 4, cfg.Client.Retries)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)

	// untouched fields keep their defaults
	assert.Equal(t, 60*time.Second, cfg.Proxy.FreshWindow)
	assert.Equal(t, "https://api.coingecko.com/api/v3", cfg.Upstream.BaseURL)
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unclosed"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PORT", "3000")
	t.Setenv("REDIS_URL", "redis:6380")
	t.Setenv("CG_API_KEY", "demo")
	t.Setenv("CG_STORE", "redis")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Default()
	cfg.ApplyEnv()

	assert.Equal(t, ":3000", cfg.Listen)
	assert.Equal(t, "redis:6380", cfg.Store.RedisURL)
	assert.Equal(t, "demo", cfg.Upstream.APIKey)
	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "cg-cache/0.1.0", cfg.Upstream.UserAgent)
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TEST_CG_DOTENV=loaded\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("TEST_CG_DOTENV") })

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("TEST_CG_DOTENV"))

	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}, wantErr: false},
		{name: "empty listen", mutate: func(c *Config) { c.Listen = "" }, wantErr: true},
		{name: "bad upstream", mutate: func(c *Config) { c.Upstream.BaseURL = "ftp://x" }, wantErr: true},
		{name: "bad endpoint", mutate: func(c *Config) { c.Proxy.Endpoint = "api/cg" }, wantErr: true},
		{name: "stale shorter than fresh", mutate: func(c *Config) { c.Proxy.StaleWindow = time.Second }, wantErr: true},
		{name: "negative retries", mutate: func(c *Config) { c.Client.Retries = -1 }, wantErr: true},
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "etcd" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLogging(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "warn"
	cfg.Log.Pretty = true

	lc := cfg.Logging()
	assert.Equal(t, logging.LevelWarn, lc.Level)
	assert.True(t, lc.Pretty)
	assert.NotNil(t, lc.Output)
}
