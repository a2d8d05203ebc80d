// Package config provides configuration loading and parsing for gem-relay.
package config

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/mo"
)

// RuntimeConfig defines the interface for accessing runtime configuration that
// supports hot-reload. Components that need to observe config changes should
// use this interface instead of holding a direct *Config pointer, which would
// become stale after hot-reload.
type RuntimeConfig interface {
	Get() *Config
}

// Log level constants.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Config represents the complete gem-relay configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Keys     []string       `yaml:"keys"`
	Retry    RetryConfig    `yaml:"retry"`
	Cooldown CooldownConfig `yaml:"cooldown"`
	Pool     PoolConfig     `yaml:"pool"`
	Verifier VerifierConfig `yaml:"verifier"`
	Logs     LogsConfig     `yaml:"logs"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig defines server-level settings.
type ServerConfig struct {
	Listen        string `yaml:"listen"`
	APIKey        string `yaml:"api_key"` // Inbound auth; empty disables authentication
	TimeoutMS     int    `yaml:"timeout_ms"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	EnableHTTP2   bool   `yaml:"enable_http2"` // Enable HTTP/2 cleartext (h2c) support
}

// GetTimeoutOption returns the timeout as an Option.
// Returns None if TimeoutMS is zero (use default).
func (s *ServerConfig) GetTimeoutOption() mo.Option[time.Duration] {
	if s.TimeoutMS <= 0 {
		return mo.None[time.Duration]()
	}
	return mo.Some(time.Duration(s.TimeoutMS) * time.Millisecond)
}

// GetMaxConcurrentOption returns the max concurrent setting as an Option.
// Returns None if MaxConcurrent is zero (unlimited).
func (s *ServerConfig) GetMaxConcurrentOption() mo.Option[int] {
	if s.MaxConcurrent <= 0 {
		return mo.None[int]()
	}
	return mo.Some(s.MaxConcurrent)
}

// UpstreamConfig defines how the gateway talks to the Gemini API.
type UpstreamConfig struct {
	BaseURL   string `yaml:"base_url"`
	TestModel string `yaml:"test_model"` // Model used for key verification probes
	TimeoutMS int    `yaml:"timeout_ms"`
}

// GetTestModel returns the verification model with default fallback.
func (u *UpstreamConfig) GetTestModel() string {
	if u.TestModel == "" {
		return "gemini-2.0-flash"
	}
	return u.TestModel
}

// GetTimeoutOption returns the upstream timeout as an Option.
// Returns None if TimeoutMS is zero (use default).
func (u *UpstreamConfig) GetTimeoutOption() mo.Option[time.Duration] {
	if u.TimeoutMS <= 0 {
		return mo.None[time.Duration]()
	}
	return mo.Some(time.Duration(u.TimeoutMS) * time.Millisecond)
}

// RetryConfig defines failure counting and retry budgets.
type RetryConfig struct {
	// MaxFailures is the per-key failure counter ceiling.
	MaxFailures int `yaml:"max_failures"`

	// MaxRetries caps how many replacement keys a single request may burn
	// through before the error is surfaced to the caller.
	MaxRetries int `yaml:"max_retries"`
}

// CooldownConfig pins model cooldowns to the upstream daily quota reset.
type CooldownConfig struct {
	// Timezone is the IANA zone of the upstream quota window.
	Timezone string `yaml:"timezone"`

	// QuotaResetHour is the local hour (0-23) at which quotas reset.
	QuotaResetHour int `yaml:"quota_reset_hour"`
}

// PoolConfig defines the valid key pool behavior.
type PoolConfig struct {
	Enabled                    bool    `yaml:"enabled"`
	Size                       int     `yaml:"size"`
	TTLHours                   float64 `yaml:"ttl_hours"`
	MinThreshold               int     `yaml:"min_threshold"`
	EmergencyRefillCount       int     `yaml:"emergency_refill_count"`
	MaintenanceIntervalMinutes int     `yaml:"maintenance_interval_minutes"`
}

// GetTTLOption returns the entry TTL as a duration Option.
// Returns None if TTLHours is zero or negative (use default).
func (p *PoolConfig) GetTTLOption() mo.Option[time.Duration] {
	if p.TTLHours <= 0 {
		return mo.None[time.Duration]()
	}
	return mo.Some(time.Duration(p.TTLHours * float64(time.Hour)))
}

// GetMaintenanceInterval returns the maintenance cadence with default
// fallback.
func (p *PoolConfig) GetMaintenanceInterval() time.Duration {
	if p.MaintenanceIntervalMinutes <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(p.MaintenanceIntervalMinutes) * time.Minute
}

// VerifierConfig defines the scheduled verification cadence.
type VerifierConfig struct {
	BatchSize          int     `yaml:"batch_size"`
	CheckIntervalHours float64 `yaml:"check_interval_hours"`
}

// GetCheckInterval returns the verification interval with default fallback.
func (v *VerifierConfig) GetCheckInterval() time.Duration {
	if v.CheckIntervalHours <= 0 {
		return time.Hour
	}
	return time.Duration(v.CheckIntervalHours * float64(time.Hour))
}

// LogsConfig defines SQLite log persistence and retention.
type LogsConfig struct {
	// Path is the SQLite database file. Empty disables persistence.
	Path                 string `yaml:"path"`
	ErrorRetentionDays   int    `yaml:"error_retention_days"`
	RequestRetentionDays int    `yaml:"request_retention_days"`
	QueueSize            int    `yaml:"queue_size"`
}

// IsEnabled returns true if log persistence is configured.
func (l *LogsConfig) IsEnabled() bool {
	return l.Path != ""
}

// LoggingConfig defines logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, stderr, or file path
	Pretty bool   `yaml:"pretty"` // enable colored console output
}

// ParseLevel converts a string log level to zerolog.Level.
// Returns zerolog.InfoLevel if the level string is invalid.
func (l *LoggingConfig) ParseLevel() zerolog.Level {
	switch strings.ToLower(l.Level) {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
