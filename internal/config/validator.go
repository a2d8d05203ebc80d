// Package config provides configuration loading, parsing, and validation for gem-relay.
package config

import (
	"net"
	"net/url"
	"strings"
	"time"
)

// Valid logging levels.
var validLogLevels = map[string]bool{
	"":      true, // Empty defaults to info
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Valid logging formats.
var validLogFormats = map[string]bool{
	"":        true, // Empty defaults to json
	"json":    true,
	"console": true,
	"text":    true, // Alias for console
	"pretty":  true,
}

// Validate checks the configuration for errors.
// It validates all required fields, valid values, and cross-field constraints.
// Returns a ValidationError containing all errors found, or nil if valid.
func (c *Config) Validate() error {
	errs := &ValidationError{}

	validateServer(c, errs)
	validateUpstream(c, errs)
	validateKeys(c, errs)
	validateRetry(c, errs)
	validateCooldown(c, errs)
	validatePool(c, errs)
	validateVerifier(c, errs)
	validateLogs(c, errs)
	validateLogging(c, errs)

	return errs.ToError()
}

// validateServer validates the server configuration section.
func validateServer(c *Config, errs *ValidationError) {
	if c.Server.Listen == "" {
		errs.Add("server.listen is required")
	} else {
		validateListenAddress(c.Server.Listen, errs)
	}

	if c.Server.TimeoutMS < 0 {
		errs.Add("server.timeout_ms must be >= 0")
	}

	if c.Server.MaxConcurrent < 0 {
		errs.Add("server.max_concurrent must be >= 0")
	}
}

// validateListenAddress validates a listen address in host:port format.
func validateListenAddress(addr string, errs *ValidationError) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		errs.Addf("server.listen must be in host:port format (got %q)", addr)
		return
	}

	// Host can be empty (listen on all interfaces) or a valid IP/hostname
	if host != "" {
		if ip := net.ParseIP(host); ip == nil {
			if strings.ContainsAny(host, " \t\n") {
				errs.Add("server.listen host contains invalid characters")
			}
		}
	}

	// Port must be present (SplitHostPort doesn't validate this)
	if port == "" {
		errs.Add("server.listen port is required")
	}
}

// validateUpstream validates the upstream configuration section.
func validateUpstream(c *Config, errs *ValidationError) {
	if c.Upstream.BaseURL != "" {
		u, err := url.Parse(c.Upstream.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs.Addf("upstream.base_url must be an absolute URL (got %q)", c.Upstream.BaseURL)
		}
	}

	if c.Upstream.TimeoutMS < 0 {
		errs.Add("upstream.timeout_ms must be >= 0")
	}
}

// validateKeys validates the key list.
func validateKeys(c *Config, errs *ValidationError) {
	seen := make(map[string]int)
	for i, key := range c.Keys {
		if key == "" {
			errs.Addf("keys[%d] must not be empty (did an environment variable fail to expand?)", i)
			continue
		}
		if prev, dup := seen[key]; dup {
			errs.Addf("keys[%d] duplicates keys[%d]", i, prev)
			continue
		}
		seen[key] = i
	}
}

// validateRetry validates the retry configuration section.
func validateRetry(c *Config, errs *ValidationError) {
	if c.Retry.MaxFailures < 0 {
		errs.Add("retry.max_failures must be >= 0")
	}
	if c.Retry.MaxRetries < 0 {
		errs.Add("retry.max_retries must be >= 0")
	}
}

// validateCooldown validates the cooldown configuration section.
func validateCooldown(c *Config, errs *ValidationError) {
	if c.Cooldown.Timezone != "" {
		if _, err := time.LoadLocation(c.Cooldown.Timezone); err != nil {
			errs.Addf("cooldown.timezone is not a valid IANA zone (got %q)", c.Cooldown.Timezone)
		}
	}

	if c.Cooldown.QuotaResetHour < 0 || c.Cooldown.QuotaResetHour > 23 {
		errs.Addf("cooldown.quota_reset_hour must be 0-23 (got %d)", c.Cooldown.QuotaResetHour)
	}
}

// validatePool validates the pool configuration section.
func validatePool(c *Config, errs *ValidationError) {
	if c.Pool.Size < 0 {
		errs.Add("pool.size must be >= 0")
	}
	if c.Pool.TTLHours < 0 {
		errs.Add("pool.ttl_hours must be >= 0")
	}
	if c.Pool.MinThreshold < 0 {
		errs.Add("pool.min_threshold must be >= 0")
	}
	if c.Pool.EmergencyRefillCount < 0 {
		errs.Add("pool.emergency_refill_count must be >= 0")
	}
	if c.Pool.MaintenanceIntervalMinutes < 0 {
		errs.Add("pool.maintenance_interval_minutes must be >= 0")
	}

	if c.Pool.Size > 0 && c.Pool.MinThreshold > c.Pool.Size {
		errs.Addf("pool.min_threshold (%d) must not exceed pool.size (%d)",
			c.Pool.MinThreshold, c.Pool.Size)
	}
}

// validateVerifier validates the verifier configuration section.
func validateVerifier(c *Config, errs *ValidationError) {
	if c.Verifier.BatchSize < 0 {
		errs.Add("verifier.batch_size must be >= 0")
	}
	if c.Verifier.CheckIntervalHours < 0 {
		errs.Add("verifier.check_interval_hours must be >= 0")
	}
}

// validateLogs validates the log persistence configuration section.
func validateLogs(c *Config, errs *ValidationError) {
	if c.Logs.ErrorRetentionDays < 0 {
		errs.Add("logs.error_retention_days must be >= 0")
	}
	if c.Logs.RequestRetentionDays < 0 {
		errs.Add("logs.request_retention_days must be >= 0")
	}
	if c.Logs.QueueSize < 0 {
		errs.Add("logs.queue_size must be >= 0")
	}
}

// validateLogging validates the logging configuration section.
func validateLogging(c *Config, errs *ValidationError) {
	if !validLogLevels[c.Logging.Level] {
		errs.Addf("logging.level is invalid (got %q, valid: debug, info, warn, error)",
			c.Logging.Level)
	}

	if !validLogFormats[c.Logging.Format] {
		errs.Addf("logging.format is invalid (got %q, valid: json, console, text, pretty)",
			c.Logging.Format)
	}
}
