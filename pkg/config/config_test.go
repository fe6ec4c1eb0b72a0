package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, StrategyRoundRobin, cfg.Strategy)
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker_count: 8
load_balancing_strategy: least_loaded
backoff_base: 500ms
dedup_ttl: 30m
log_level: debug
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.WorkerCount)
	assert.Equal(t, StrategyLeastLoaded, cfg.Strategy)
	assert.Equal(t, 500*time.Millisecond, cfg.BackoffBase)
	assert.Equal(t, 30*time.Minute, cfg.DedupTTL)
	assert.Equal(t, "debug", cfg.LogLevel)

	// Untouched keys keep their defaults
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker_count: 0\n"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.WorkerCount = 0 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"zero backoff base", func(c *Config) { c.BackoffBase = 0 }},
		{"max below base", func(c *Config) { c.BackoffMax = c.BackoffBase / 2 }},
		{"unknown strategy", func(c *Config) { c.Strategy = "coin_flip" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
