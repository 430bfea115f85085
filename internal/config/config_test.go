package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Research.MaxLoops)
	assert.Equal(t, 3, cfg.Research.InitialQueryCount)
	assert.Equal(t, 5*time.Minute, cfg.Research.Timeout)
	assert.Equal(t, 24*time.Hour, cfg.Session.TTL)
	assert.Equal(t, time.Hour, cfg.Session.SweepInterval)
	assert.Equal(t, 30*time.Second, cfg.Progress.CleanupGrace)
	assert.Equal(t, 2000, cfg.Progress.MessageLimit)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fathom.yaml")
	data := []byte(`
research:
  max_loops: 4
  initial_query_count: 2
  timeout: 90s
session:
  ttl: 1h
progress:
  message_limit: 4096
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Research.MaxLoops)
	assert.Equal(t, 2, cfg.Research.InitialQueryCount)
	assert.Equal(t, 90*time.Second, cfg.Research.Timeout)
	assert.Equal(t, time.Hour, cfg.Session.TTL)
	assert.Equal(t, 4096, cfg.Progress.MessageLimit)
	// Untouched keys keep defaults.
	assert.Equal(t, 5, cfg.Research.MaxConcurrentSearches)
}

func TestValidateRejectsBadKnobs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max_loops", func(c *Config) { c.Research.MaxLoops = 0 }},
		{"zero query count", func(c *Config) { c.Research.InitialQueryCount = 0 }},
		{"negative timeout", func(c *Config) { c.Research.Timeout = -time.Second }},
		{"zero concurrency", func(c *Config) { c.Research.MaxConcurrentSearches = 0 }},
		{"zero session ttl", func(c *Config) { c.Session.TTL = 0 }},
		{"tiny message limit", func(c *Config) { c.Progress.MessageLimit = 10 }},
		{"bad policy mode", func(c *Config) { c.Policy.Mode = "audit" }},
		{"archive without dsn", func(c *Config) { c.Archive.Enabled = true; c.Archive.DSN = "" }},
		{"bad archive driver", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.Driver = "mysql"
			c.Archive.DSN = "x"
		}},
		{"enforced auth without secret", func(c *Config) {
			c.Auth.Enabled = true
			c.Auth.SkipAuth = false
			c.Auth.JWTSecret = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
