// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cbfw.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "http://www.ipdeny.com/ipblocks/data/aggregated", cfg.Source.IPv4BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Source.HTTPTimeout)
	assert.Equal(t, 3, cfg.Source.HTTPRetries)
	assert.Equal(t, 5*time.Second, cfg.Source.HTTPRetryDelay)
	assert.Equal(t, "ipdeny", cfg.Sets.Prefix)
	assert.Equal(t, 4096, cfg.Sets.HashSize)
	assert.Equal(t, 65536, cfg.Sets.MaxElement)
	assert.True(t, cfg.Sets.EnableIPv4)
	assert.True(t, cfg.Sets.EnableIPv6)
	assert.Equal(t, "deny", cfg.Firewall.Action)
	assert.Equal(t, 24*time.Hour, cfg.Sync.Interval)
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
# cbfw configuration
[countries]
codes = CN ru kp

[source]
http_timeout = 10        # seconds
http_retries = 5
output_dir = "/tmp/zones"

[sets]
prefix = country
maxelem = 131072
enable_ipv6 = false

[firewall]
action = permit

[sync]
interval = 1h
concurrency = 8

[log]
level = DEBUG
file = /var/log/cbfw.log
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(cfg))

	assert.Equal(t, []string{"cn", "ru", "kp"}, cfg.Countries.Codes)
	assert.Equal(t, 10*time.Second, cfg.Source.HTTPTimeout)
	assert.Equal(t, 5, cfg.Source.HTTPRetries)
	assert.Equal(t, "/tmp/zones", cfg.Source.OutputDir)
	assert.Equal(t, "country", cfg.Sets.Prefix)
	assert.Equal(t, 131072, cfg.Sets.MaxElement)
	assert.False(t, cfg.Sets.EnableIPv6)
	assert.Equal(t, "permit", cfg.Firewall.Action)
	assert.Equal(t, time.Hour, cfg.Sync.Interval)
	assert.Equal(t, 8, cfg.Sync.Concurrency)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/var/log/cbfw.log", cfg.Log.File)

	// Untouched sections keep their defaults.
	assert.Equal(t, 4096, cfg.Sets.HashSize)
	assert.Equal(t, ":8078", cfg.API.Listen)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/cbfw.conf")
	require.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"bad action", func(c *Config) { c.Firewall.Action = "drop" }, false},
		{"zero timeout", func(c *Config) { c.Source.HTTPTimeout = 0 }, false},
		{"zero retries", func(c *Config) { c.Source.HTTPRetries = 0 }, false},
		{"zero retry delay", func(c *Config) { c.Source.HTTPRetryDelay = 0 }, false},
		{"zero maxelem", func(c *Config) { c.Sets.MaxElement = 0 }, false},
		{"zero concurrency", func(c *Config) { c.Sync.Concurrency = 0 }, false},
		{"bad country code", func(c *Config) { c.Countries.Codes = []string{"chn"} }, false},
		{"no families", func(c *Config) {
			c.Sets.EnableIPv4 = false
			c.Sets.EnableIPv6 = false
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Countries.Codes = []string{"cn"}
			tt.mutate(cfg)

			err := ValidateConfig(cfg)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestParseDurationOrSeconds(t *testing.T) {
	d, err := parseDurationOrSeconds("30")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	d, err = parseDurationOrSeconds("2m")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)

	_, err = parseDurationOrSeconds("soon")
	assert.Error(t, err)
}
