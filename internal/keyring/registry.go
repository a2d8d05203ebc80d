// Package keyring implements the authoritative registry of upstream API keys.
//
// The Registry owns the ordered key list, per-key failure counters, and
// per-(key, model) cooldown deadlines. A key is generally valid while its
// failure counter is below the configured ceiling; it is model-available when
// it is generally valid and not cooling for that model. Rotation walks the
// key list cyclically, skipping keys that fail either predicate.
//
// All methods are safe for concurrent use. Mutexes are held only for brief
// map/counter updates, never across I/O.
package keyring

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Default configuration values, matching the upstream Gemini quota behavior.
const (
	DefaultMaxFailures    = 3
	DefaultMaxRetries     = 3
	DefaultTimezone       = "America/Los_Angeles"
	DefaultQuotaResetHour = 0
)

// Config defines the configuration for a Registry.
type Config struct {
	// Keys are the upstream API keys, in rotation order.
	Keys []string

	// MaxFailures is the failure counter ceiling. A key whose counter
	// reaches this value is considered failed until explicitly reset.
	MaxFailures int

	// MaxRetries caps how many times HandleAPIFailure hands out a
	// replacement key before giving up.
	MaxRetries int

	// Timezone is the IANA zone in which the upstream quota resets daily.
	Timezone string

	// QuotaResetHour is the local hour (0-23) of the daily quota reset.
	QuotaResetHour int
}

func (c *Config) maxFailures() int {
	if c.MaxFailures <= 0 {
		return DefaultMaxFailures
	}
	return c.MaxFailures
}

func (c *Config) maxRetries() int {
	if c.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return c.MaxRetries
}

// Registry tracks key health and drives rotation.
type Registry struct {
	keys        []string
	maxFailures int
	maxRetries  int

	resetHour int
	loc       *time.Location
	now       func() time.Time

	failureMu  sync.Mutex
	failCounts map[string]int
	cooldowns  map[string]map[string]time.Time

	cursorMu sync.Mutex
	cursor   int
}

// Option configures a Registry.
type Option func(*Registry)

// WithNow overrides the clock. Used by tests to pin cooldown deadlines.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithPrevious migrates state from a snapshot of a previous Registry.
// Keys still present inherit their failure counter; the cursor is advanced
// so that the preserved next key is the next to be returned, if it survived
// the reload.
func WithPrevious(snap Snapshot) Option {
	return func(r *Registry) {
		r.inherit(snap)
	}
}

// NewRegistry creates a Registry from the given configuration.
// An empty key list is tolerated: the registry logs a warning and all
// rotation queries return an empty key, leaving the caller's upstream error
// to surface naturally.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		if cfg.Timezone != "" {
			log.Error().Str("timezone", cfg.Timezone).Err(err).Msg("unknown timezone, falling back to UTC")
		}
		loc = time.UTC
	}

	resetHour := cfg.QuotaResetHour
	if resetHour < 0 || resetHour > 23 {
		resetHour = DefaultQuotaResetHour
	}

	r := &Registry{
		keys:        append([]string(nil), cfg.Keys...),
		maxFailures: cfg.maxFailures(),
		maxRetries:  cfg.maxRetries(),
		resetHour:   resetHour,
		loc:         loc,
		now:         time.Now,
		failCounts:  make(map[string]int, len(cfg.Keys)),
		cooldowns:   make(map[string]map[string]time.Time),
	}

	for _, key := range r.keys {
		r.failCounts[key] = 0
	}

	if len(r.keys) == 0 {
		log.Warn().Msg("initializing key registry with an empty key list")
	}

	for _, opt := range opts {
		opt(r)
	}

	log.Info().
		Int("num_keys", len(r.keys)).
		Int("max_failures", r.maxFailures).
		Str("timezone", loc.String()).
		Int("quota_reset_hour", resetHour).
		Msg("key registry created")

	return r
}

// Keys returns a copy of the key list in rotation order.
func (r *Registry) Keys() []string {
	return append([]string(nil), r.keys...)
}

// Len returns the number of registered keys.
func (r *Registry) Len() int {
	return len(r.keys)
}

// MaxFailures returns the failure counter ceiling.
func (r *Registry) MaxFailures() int {
	return r.maxFailures
}

// MaxRetries returns the retry attempt cap used by HandleAPIFailure.
func (r *Registry) MaxRetries() int {
	return r.maxRetries
}

// NextRaw advances the rotation cursor and returns the key at the new
// position. It does not check validity. Returns "" when no keys are
// registered.
func (r *Registry) NextRaw() string {
	if len(r.keys) == 0 {
		return ""
	}

	r.cursorMu.Lock()
	defer r.cursorMu.Unlock()

	key := r.keys[r.cursor%len(r.keys)]
	r.cursor = (r.cursor + 1) % len(r.keys)
	return key
}

// peekNext returns the key the next NextRaw call would return, without
// advancing the cursor. Used when snapshotting for hot-reload.
func (r *Registry) peekNext() string {
	if len(r.keys) == 0 {
		return ""
	}

	r.cursorMu.Lock()
	defer r.cursorMu.Unlock()

	return r.keys[r.cursor%len(r.keys)]
}

// IsValid reports whether the key's failure counter is below the ceiling.
// Unknown keys are invalid.
func (r *Registry) IsValid(key string) bool {
	r.failureMu.Lock()
	defer r.failureMu.Unlock()

	count, ok := r.failCounts[key]
	return ok && count < r.maxFailures
}

// IsModelAvailable reports whether the key is generally valid and not in a
// live cooldown for the given model. Expired cooldown entries are removed
// lazily on read.
func (r *Registry) IsModelAvailable(key, model string) bool {
	if !r.IsValid(key) {
		return false
	}
	if model == "" {
		return true
	}

	r.failureMu.Lock()
	defer r.failureMu.Unlock()

	deadline, ok := r.cooldowns[key][model]
	if !ok {
		return true
	}
	if r.now().Before(deadline) {
		return false
	}
	delete(r.cooldowns[key], model)
	return true
}

// FailCount returns the current failure counter for the key.
func (r *Registry) FailCount(key string) int {
	r.failureMu.Lock()
	defer r.failureMu.Unlock()

	return r.failCounts[key]
}

// MarkFailed sets the key's failure counter to the ceiling immediately.
// Used for fatal upstream errors (auth failures, permanent client errors).
func (r *Registry) MarkFailed(key string) {
	r.failureMu.Lock()
	defer r.failureMu.Unlock()

	if _, ok := r.failCounts[key]; !ok {
		return
	}
	r.failCounts[key] = r.maxFailures
	log.Warn().Str("key", Redact(key)).Msg("key marked as failed due to a fatal error")
}

// IncrementFailure adds one to the key's failure counter, clamped to the
// ceiling. Emits a warning when the counter reaches the ceiling.
func (r *Registry) IncrementFailure(key string) {
	r.failureMu.Lock()
	defer r.failureMu.Unlock()

	count, ok := r.failCounts[key]
	if !ok {
		return
	}
	if count >= r.maxFailures {
		return
	}
	r.failCounts[key] = count + 1
	if count+1 >= r.maxFailures {
		log.Warn().
			Str("key", Redact(key)).
			Int("failures", r.maxFailures).
			Msg("key reached the failure ceiling")
	}
}

// ResetFailure sets the key's failure counter back to zero.
// Returns false if the key is not registered.
func (r *Registry) ResetFailure(key string) bool {
	r.failureMu.Lock()
	defer r.failureMu.Unlock()

	if _, ok := r.failCounts[key]; !ok {
		log.Warn().Str("key", Redact(key)).Msg("attempt to reset failure count for unknown key")
		return false
	}
	r.failCounts[key] = 0
	log.Info().Str("key", Redact(key)).Msg("reset failure count")
	return true
}

// ResetAllFailures sets every key's failure counter back to zero.
func (r *Registry) ResetAllFailures() {
	r.failureMu.Lock()
	defer r.failureMu.Unlock()

	for key := range r.failCounts {
		r.failCounts[key] = 0
	}
}

// MarkModelCooling puts the (key, model) pair into cooldown until the next
// daily quota reset. The deadline is a fixed wall-clock instant in the
// configured timezone, stored as UTC: the upstream per-model quota resets at
// a daily boundary, not on a rolling window.
func (r *Registry) MarkModelCooling(key, model string) {
	deadline := r.nextQuotaReset()

	r.failureMu.Lock()
	defer r.failureMu.Unlock()

	if r.cooldowns[key] == nil {
		r.cooldowns[key] = make(map[string]time.Time)
	}
	r.cooldowns[key][model] = deadline

	log.Info().
		Str("key", Redact(key)).
		Str("model", model).
		Time("until", deadline).
		Msg("key put into model cooldown")
}

// nextQuotaReset computes the next daily reset instant: today at the reset
// hour in the configured zone if that is still ahead, otherwise tomorrow.
func (r *Registry) nextQuotaReset() time.Time {
	now := r.now().In(r.loc)
	reset := time.Date(now.Year(), now.Month(), now.Day(), r.resetHour, 0, 0, 0, r.loc)
	if !now.Before(reset) {
		reset = reset.AddDate(0, 0, 1)
	}
	return reset.UTC()
}

// GetNextWorking scans at most len(keys)+1 positions from the cursor and
// returns the first key that is generally valid and, when model is given,
// not cooling for that model. If the entire ring is skipped, the last
// candidate examined is returned as a best effort: the caller's upstream
// request will then fail and cascade to the error classifier.
func (r *Registry) GetNextWorking(model string) string {
	if len(r.keys) == 0 {
		return ""
	}

	current := r.NextRaw()
	for i := 0; i <= len(r.keys); i++ {
		if !r.IsValid(current) {
			current = r.NextRaw()
			continue
		}
		if model != "" && !r.IsModelAvailable(current, model) {
			log.Info().
				Str("key", Redact(current)).
				Str("model", model).
				Msg("key in cooldown for model, skipping")
			current = r.NextRaw()
			continue
		}
		return current
	}

	log.Warn().Str("model", model).Msg("no working key found after a full rotation")
	return current
}

// HandleAPIFailure increments the key's failure counter and, while the
// attempt index is below the retry cap, returns a replacement key via
// GetNextWorking. Past the cap it returns "".
func (r *Registry) HandleAPIFailure(key string, attempt int, model string) string {
	r.IncrementFailure(key)
	if attempt < r.maxRetries {
		return r.GetNextWorking(model)
	}
	return ""
}

// FirstValid returns the first generally-valid key in rotation order,
// falling back to the first registered key when none is valid.
func (r *Registry) FirstValid() string {
	r.failureMu.Lock()
	for _, key := range r.keys {
		if r.failCounts[key] < r.maxFailures {
			r.failureMu.Unlock()
			return key
		}
	}
	r.failureMu.Unlock()

	if len(r.keys) == 0 {
		log.Warn().Msg("key list is empty, cannot get first valid key")
		return ""
	}
	return r.keys[0]
}

// RandomValid returns a uniformly random generally-valid key, falling back
// to the first registered key when none is valid.
func (r *Registry) RandomValid() string {
	valid := r.ValidKeys()
	if len(valid) > 0 {
		return valid[randIntn(len(valid))]
	}

	if len(r.keys) == 0 {
		log.Warn().Msg("key list is empty, cannot get random valid key")
		return ""
	}
	log.Warn().Msg("no valid keys available, returning first key as fallback")
	return r.keys[0]
}

// ValidKeys returns every generally-valid key in rotation order.
func (r *Registry) ValidKeys() []string {
	r.failureMu.Lock()
	defer r.failureMu.Unlock()

	valid := make([]string, 0, len(r.keys))
	for _, key := range r.keys {
		if r.failCounts[key] < r.maxFailures {
			valid = append(valid, key)
		}
	}
	return valid
}

// StatusSnapshot partitions keys by validity, mapping each key to its
// failure counter. Exposed on the admin stats surface.
type StatusSnapshot struct {
	Valid   map[string]int `json:"valid_keys"`
	Invalid map[string]int `json:"invalid_keys"`
}

// KeysByStatus returns the current valid/invalid partition of the registry.
func (r *Registry) KeysByStatus() StatusSnapshot {
	r.failureMu.Lock()
	defer r.failureMu.Unlock()

	snap := StatusSnapshot{
		Valid:   make(map[string]int),
		Invalid: make(map[string]int),
	}
	for _, key := range r.keys {
		count := r.failCounts[key]
		if count < r.maxFailures {
			snap.Valid[key] = count
		} else {
			snap.Invalid[key] = count
		}
	}
	return snap
}

// ModelCooldown returns the cooldown deadline for (key, model) and whether
// one is currently stored. The deadline may already be in the past.
func (r *Registry) ModelCooldown(key, model string) (time.Time, bool) {
	r.failureMu.Lock()
	defer r.failureMu.Unlock()

	deadline, ok := r.cooldowns[key][model]
	return deadline, ok
}
