package config

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Listen: "127.0.0.1:8787"},
		Upstream: UpstreamConfig{
			BaseURL:   "https://generativelanguage.googleapis.com",
			TestModel: "gemini-2.0-flash",
		},
		Keys: []string{"AIza-key-1", "AIza-key-2"},
		Retry: RetryConfig{
			MaxFailures: 3,
			MaxRetries:  3,
		},
		Cooldown: CooldownConfig{
			Timezone:       "America/Los_Angeles",
			QuotaResetHour: 0,
		},
		Pool: PoolConfig{
			Enabled:      true,
			Size:         50,
			TTLHours:     2,
			MinThreshold: 10,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid config passes", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "missing listen",
			mutate:  func(c *Config) { c.Server.Listen = "" },
			wantMsg: "server.listen is required",
		},
		{
			name:    "listen without port",
			mutate:  func(c *Config) { c.Server.Listen = "localhost" },
			wantMsg: "host:port",
		},
		{
			name:    "negative server timeout",
			mutate:  func(c *Config) { c.Server.TimeoutMS = -1 },
			wantMsg: "server.timeout_ms",
		},
		{
			name:    "relative upstream url",
			mutate:  func(c *Config) { c.Upstream.BaseURL = "generativelanguage.googleapis.com" },
			wantMsg: "upstream.base_url",
		},
		{
			name:    "empty key",
			mutate:  func(c *Config) { c.Keys = []string{"AIza-key-1", ""} },
			wantMsg: "keys[1] must not be empty",
		},
		{
			name:    "duplicate key",
			mutate:  func(c *Config) { c.Keys = []string{"AIza-key-1", "AIza-key-1"} },
			wantMsg: "duplicates keys[0]",
		},
		{
			name:    "negative max failures",
			mutate:  func(c *Config) { c.Retry.MaxFailures = -1 },
			wantMsg: "retry.max_failures",
		},
		{
			name:    "bad timezone",
			mutate:  func(c *Config) { c.Cooldown.Timezone = "Mars/Olympus" },
			wantMsg: "cooldown.timezone",
		},
		{
			name:    "reset hour out of range",
			mutate:  func(c *Config) { c.Cooldown.QuotaResetHour = 24 },
			wantMsg: "quota_reset_hour",
		},
		{
			name:    "threshold above pool size",
			mutate:  func(c *Config) { c.Pool.MinThreshold = 60 },
			wantMsg: "pool.min_threshold",
		},
		{
			name:    "negative retention",
			mutate:  func(c *Config) { c.Logs.ErrorRetentionDays = -1 },
			wantMsg: "logs.error_retention_days",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantMsg: "logging.level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantMsg: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}

	t.Run("collects multiple errors", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.Listen = ""
		cfg.Logging.Level = "verbose"

		err := cfg.Validate()
		require.Error(t, err)

		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Len(t, verr.Errors, 2)
	})

	t.Run("empty key list is tolerated", func(t *testing.T) {
		cfg := validConfig()
		cfg.Keys = nil
		assert.NoError(t, cfg.Validate())
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		l := LoggingConfig{Level: tt.level}
		assert.Equal(t, tt.want, l.ParseLevel(), "level %q", tt.level)
	}
}
