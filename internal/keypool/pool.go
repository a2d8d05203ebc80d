// Package keypool implements a TTL'd ready-queue of pre-verified API keys.
//
// The pool sits in front of the key registry on the hot path: a request asks
// the pool for a key that was recently observed working instead of paying for
// a fresh verification. Entries expire after a TTL, the pool refills itself
// asynchronously with an aggressiveness that scales with how empty it is, and
// a miss triggers a synchronous emergency refill that verifies several keys
// concurrently and returns the first success.
package keypool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/gem-relay/gem-relay/internal/keyring"
)

// Default configuration values.
const (
	DefaultPoolSize             = 50
	DefaultTTL                  = 2 * time.Hour
	DefaultMinThreshold         = 10
	DefaultEmergencyRefillCount = 5
)

// softRefillRatio is the fill fraction above which refills become
// probabilistic rather than guaranteed.
const softRefillRatio = 0.8

// topUpSpacing is the pause between consecutive maintenance refill attempts,
// so a single maintenance run does not burst verifications.
const topUpSpacing = 100 * time.Millisecond

// maintenanceTopUpMax caps how many keys one maintenance run adds.
const maintenanceTopUpMax = 10

// validateSampleSize is how many pool entries one maintenance run re-verifies.
const validateSampleSize = 5

// preloadBatchSize is how many keys Preload verifies concurrently per round.
const preloadBatchSize = 10

// Verifier probes whether the upstream accepts a key. A nil return means the
// key produced a successful response against the given model.
type Verifier func(ctx context.Context, model, apiKey string) error

// FailureHandler receives verification failures from the normal refill path
// so the error classifier can cool or fail the key. Emergency and preload
// verification bypass it: mass verification routed back through the
// classifier would re-enter rotation while rotation is already degraded.
type FailureHandler func(ctx context.Context, key string, err error)

// Config defines the pool's sizing and refill behavior.
type Config struct {
	// Size is the pool capacity.
	Size int

	// TTL is how long a verified key stays trusted.
	TTL time.Duration

	// MinThreshold is the size below which refill turns aggressive.
	MinThreshold int

	// EmergencyRefillCount is how many keys an emergency refill verifies
	// concurrently.
	EmergencyRefillCount int

	// TestModel is the model used for verification probes.
	TestModel string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Size <= 0 {
		out.Size = DefaultPoolSize
	}
	if out.TTL <= 0 {
		out.TTL = DefaultTTL
	}
	if out.MinThreshold <= 0 {
		out.MinThreshold = DefaultMinThreshold
	}
	if out.EmergencyRefillCount <= 0 {
		out.EmergencyRefillCount = DefaultEmergencyRefillCount
	}
	return out
}

// Pool is a bounded FIFO of verified keys. All methods are safe for
// concurrent use.
type Pool struct {
	size           int
	ttl            time.Duration
	minThreshold   int
	emergencyCount int
	testModel      string

	registry  *keyring.Registry
	verify    Verifier
	onFailure FailureHandler

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	queue []Entry

	// verifyMu single-holds the normal and async-emergency refill paths so
	// two verifiers cannot race into the queue's last slot.
	verifyMu sync.Mutex

	// emergencyMu is separate: the synchronous emergency refill runs on the
	// request hot path and must not wait behind a slow background verify.
	emergencyMu sync.Mutex

	stats counters
}

// Option configures a Pool.
type Option func(*Pool)

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

// WithSleep overrides the pause between maintenance refill attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pool) {
		p.sleep = sleep
	}
}

// WithFailureHandler routes normal-refill verification failures to the
// error classifier.
func WithFailureHandler(h FailureHandler) Option {
	return func(p *Pool) {
		p.onFailure = h
	}
}

// WithEntries seeds the pool with entries preserved across a hot reload.
// Entries are kept only if their key is still registered and their TTL has
// not elapsed; capacity and uniqueness invariants are enforced.
func WithEntries(entries []Entry) Option {
	return func(p *Pool) {
		now := p.now()
		kept := 0
		for _, entry := range entries {
			if entry.Expired(now) || !p.registry.IsValid(entry.Key) {
				continue
			}
			if len(p.queue) >= p.size || p.contains(entry.Key) {
				continue
			}
			p.queue = append(p.queue, entry)
			kept++
		}
		if kept > 0 {
			log.Info().Int("entries", kept).Msg("restored pool entries from previous instance")
		}
	}
}

// NewPool creates a Pool backed by the given registry and verifier.
func NewPool(cfg Config, registry *keyring.Registry, verify Verifier, opts ...Option) *Pool {
	cfg = cfg.withDefaults()

	p := &Pool{
		size:           cfg.Size,
		ttl:            cfg.TTL,
		minThreshold:   cfg.MinThreshold,
		emergencyCount: cfg.EmergencyRefillCount,
		testModel:      cfg.TestModel,
		registry:       registry,
		verify:         verify,
		now:            time.Now,
		sleep:          sleepCtx,
	}

	for _, opt := range opts {
		opt(p)
	}

	log.Info().
		Int("pool_size", p.size).
		Dur("ttl", p.ttl).
		Int("min_threshold", p.minThreshold).
		Msg("valid key pool created")

	return p
}

// Len returns the number of entries currently in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Entries returns a copy of the live (unexpired) entries, oldest first.
// Used to preserve the pool across a hot reload.
func (p *Pool) Entries() []Entry {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	live := make([]Entry, 0, len(p.queue))
	for _, entry := range p.queue {
		if !entry.Expired(now) {
			live = append(live, entry)
		}
	}
	return live
}

// GetValid returns a usable key. Pool hits pop the oldest live entry and may
// schedule background refill depending on the remaining size; a miss records
// itself and falls through to a synchronous emergency refill.
func (p *Pool) GetValid(ctx context.Context, model string) string {
	p.stats.mu.Lock()
	p.stats.getCalls++
	p.stats.mu.Unlock()

	for {
		now := p.now()

		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			break
		}
		entry := p.queue[0]
		p.queue = p.queue[1:]
		remaining := len(p.queue)
		p.mu.Unlock()

		if entry.Expired(now) {
			p.stats.recordExpired(1)
			log.Debug().Str("key", keyring.Redact(entry.Key)).Msg("dropped expired pool entry")
			continue
		}

		p.stats.recordHit(now)
		log.Debug().
			Str("key", keyring.Redact(entry.Key)).
			Int("pool_size", remaining).
			Msg("pool hit")

		p.scheduleRefill(context.WithoutCancel(ctx), remaining)
		return entry.Key
	}

	p.stats.recordMiss(p.now())
	log.Warn().Msg("pool miss, entering emergency refill")
	return p.EmergencyRefill(ctx, model)
}

// refillAction is what the size-dependent policy decided to do after a hit.
type refillAction struct {
	emergency bool
	verifies  int
}

// refillDecision implements the size-dependent refill policy. The roll is a
// uniform [0,1) value used for the probabilistic tiers; thresholds bias
// harder toward refill as the pool approaches empty.
func refillDecision(size, poolSize, minThreshold int, roll float64) refillAction {
	belowSoft := float64(size) < float64(poolSize)*softRefillRatio

	switch {
	case size < minThreshold/2:
		return refillAction{emergency: true}
	case size < minThreshold:
		return refillAction{verifies: 2}
	case belowSoft && float64(size) < float64(minThreshold)*1.5:
		return refillAction{verifies: 2}
	case belowSoft && size < minThreshold*2:
		return refillAction{verifies: 1}
	case belowSoft && float64(size) < float64(minThreshold)*2.5:
		if roll < 0.8 {
			return refillAction{verifies: 1}
		}
	case belowSoft:
		if roll < 0.3 {
			return refillAction{verifies: 1}
		}
	case size < poolSize:
		if roll < 0.1 {
			return refillAction{verifies: 1}
		}
	}
	return refillAction{}
}

func (p *Pool) scheduleRefill(ctx context.Context, size int) {
	action := refillDecision(size, p.size, p.minThreshold, randFloat())
	if action.emergency {
		log.Warn().
			Int("pool_size", size).
			Int("min_threshold", p.minThreshold).
			Msg("pool critically low, scheduling emergency refill")
		go p.EmergencyRefillAsync(ctx)
		return
	}
	for i := 0; i < action.verifies; i++ {
		go p.VerifyAndAdd(ctx)
	}
}

// VerifyAndAdd verifies one random candidate key and appends it to the pool.
// Only one verification runs at a time: if another holder has the lock the
// call returns immediately. Failures are routed to the failure handler.
func (p *Pool) VerifyAndAdd(ctx context.Context) {
	if !p.verifyMu.TryLock() {
		log.Debug().Msg("verification already in progress, skipping")
		return
	}
	defer p.verifyMu.Unlock()

	p.mu.Lock()
	full := len(p.queue) >= p.size
	p.mu.Unlock()
	if full {
		return
	}

	candidates := p.candidates()
	if len(candidates) == 0 {
		log.Warn().Msg("no valid keys available for pool verification")
		return
	}
	key := candidates[randIntn(len(candidates))]

	if !p.verifyKey(ctx, key, true) {
		return
	}

	// Verification suspended; re-check capacity and uniqueness before insert.
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) >= p.size || p.containsLocked(key) {
		return
	}
	p.queue = append(p.queue, NewEntry(key, p.ttl, p.now()))
	log.Debug().
		Str("key", keyring.Redact(key)).
		Int("pool_size", len(p.queue)).
		Msg("verified key added to pool")
}

// EmergencyRefill concurrently verifies several random candidate keys,
// inserts every success, and returns the first key that verified. When
// nothing verifies it falls back to plain registry rotation so the caller
// still gets a best-effort key.
func (p *Pool) EmergencyRefill(ctx context.Context, model string) string {
	p.emergencyMu.Lock()
	defer p.emergencyMu.Unlock()

	p.stats.mu.Lock()
	p.stats.emergencyRefills++
	p.stats.mu.Unlock()

	candidates := p.registry.ValidKeys()
	if len(candidates) == 0 {
		log.Error().Msg("no valid keys available for emergency refill")
		p.recordFallback()
		return p.registry.GetNextWorking(model)
	}

	selected := sampleKeys(candidates, p.emergencyCount)
	log.Info().
		Int("selected", len(selected)).
		Int("candidates", len(candidates)).
		Msg("emergency refill started")

	verified := p.verifyConcurrently(ctx, selected)

	first := ""
	for i, ok := range verified {
		if !ok {
			continue
		}
		if first == "" {
			first = selected[i]
		}
		p.insert(selected[i])
	}

	if first == "" {
		log.Error().
			Int("attempted", len(selected)).
			Msg("emergency refill found no working key, falling back to rotation")
		p.recordFallback()
		return p.registry.GetNextWorking(model)
	}

	log.Info().
		Str("key", keyring.Redact(first)).
		Int("pool_size", p.Len()).
		Msg("emergency refill succeeded")
	return first
}

// EmergencyRefillAsync refills toward the minimum threshold without
// returning a key. It shares verifyMu with VerifyAndAdd so the two refill
// paths cannot both race into the queue's remaining capacity.
func (p *Pool) EmergencyRefillAsync(ctx context.Context) {
	p.verifyMu.Lock()
	defer p.verifyMu.Unlock()

	p.mu.Lock()
	needed := p.minThreshold - len(p.queue)
	p.mu.Unlock()
	if needed <= 0 {
		return
	}

	candidates := p.candidates()
	if len(candidates) == 0 {
		log.Warn().Msg("no valid keys available for emergency async refill")
		return
	}

	count := min(p.emergencyCount, needed)
	selected := sampleKeys(candidates, count)

	verified := p.verifyConcurrently(ctx, selected)

	added := 0
	for i, ok := range verified {
		if ok && p.insert(selected[i]) {
			added++
		}
	}
	log.Info().
		Int("added", added).
		Int("pool_size", p.Len()).
		Msg("emergency async refill completed")
}

// Maintenance evicts expired entries, tops the pool up, and re-validates a
// sample of pooled keys. Called periodically by the scheduler.
func (p *Pool) Maintenance(ctx context.Context) {
	p.stats.mu.Lock()
	p.stats.maintenanceRuns++
	p.stats.lastMaintenance = p.now()
	p.stats.mu.Unlock()

	expired := p.evictExpired()
	added := p.topUp(ctx)
	evicted := p.validatePoolKeys(ctx)

	log.Info().
		Int("expired_removed", expired).
		Int("refilled", added).
		Int("evicted_invalid", evicted).
		Int("pool_size", p.Len()).
		Msg("pool maintenance completed")
}

// evictExpired removes every expired entry from the queue.
func (p *Pool) evictExpired() int {
	now := p.now()

	p.mu.Lock()
	live := p.queue[:0]
	expired := 0
	for _, entry := range p.queue {
		if entry.Expired(now) {
			expired++
			continue
		}
		live = append(live, entry)
	}
	p.queue = live
	p.mu.Unlock()

	if expired > 0 {
		p.stats.recordExpired(int64(expired))
		log.Info().Int("expired", expired).Msg("evicted expired pool entries")
	}
	return expired
}

// topUp adds up to maintenanceTopUpMax keys, pacing attempts and tolerating
// verification failures with up to twice the target number of attempts.
func (p *Pool) topUp(ctx context.Context) int {
	target := min(p.size-p.Len(), maintenanceTopUpMax)
	if target <= 0 {
		return 0
	}

	added := 0
	for attempt := 0; attempt < target*2 && added < target; attempt++ {
		before := p.Len()
		p.VerifyAndAdd(ctx)
		if p.Len() > before {
			added++
		}
		if err := p.sleep(ctx, topUpSpacing); err != nil {
			log.Info().Int("attempt", attempt).Msg("pool top-up cancelled")
			break
		}
	}
	return added
}

// validatePoolKeys re-verifies a sample of pooled keys and evicts failures.
// A key that went bad inside its TTL would otherwise keep being served until
// expiry.
func (p *Pool) validatePoolKeys(ctx context.Context) int {
	p.mu.Lock()
	pooled := lo.Map(p.queue, func(e Entry, _ int) string { return e.Key })
	p.mu.Unlock()

	sample := sampleKeys(pooled, validateSampleSize)
	evicted := 0
	for _, key := range sample {
		if ctx.Err() != nil {
			break
		}
		if p.verifyKey(ctx, key, true) {
			continue
		}
		if p.remove(key) {
			evicted++
			log.Warn().Str("key", keyring.Redact(key)).Msg("evicted pool key that failed re-validation")
		}
	}
	return evicted
}

// Preload fills the pool to the target size by verifying candidate keys in
// concurrent batches. A non-positive target defaults to half the capacity.
// Returns the number of entries in the pool when preloading stopped.
func (p *Pool) Preload(ctx context.Context, target int) int {
	if target <= 0 {
		target = max(1, p.size/2)
	}
	if target > p.size {
		target = p.size
	}

	p.stats.mu.Lock()
	p.stats.preloads++
	p.stats.mu.Unlock()

	log.Info().Int("target", target).Msg("pool preload started")

	attempts := 0
	for p.Len() < target && attempts < target*2 {
		if ctx.Err() != nil {
			break
		}
		candidates := p.candidates()
		if len(candidates) == 0 {
			break
		}

		batch := sampleKeys(candidates, min(preloadBatchSize, target-p.Len()))
		attempts += len(batch)

		verified := p.verifyConcurrently(ctx, batch)
		for i, ok := range verified {
			if ok {
				p.insert(batch[i])
			}
		}
	}

	loaded := p.Len()
	log.Info().Int("loaded", loaded).Int("target", target).Msg("pool preload completed")
	return loaded
}

// Clear empties the pool and returns the number of removed entries.
func (p *Pool) Clear() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cleared := len(p.queue)
	p.queue = nil
	log.Info().Int("cleared", cleared).Msg("pool cleared")
	return cleared
}

// verifyKey probes one key. Success resets the key's failure counter.
// Cancellation is not a verification outcome: it records nothing and is not
// routed to the failure handler. When classify is false the failure handler
// is bypassed and the failure only lands in the local stats.
func (p *Pool) verifyKey(ctx context.Context, key string, classify bool) bool {
	start := time.Now()
	err := p.verify(ctx, p.testModel, key)
	took := time.Since(start)

	if err == nil {
		p.stats.recordVerification(true, took)
		p.registry.ResetFailure(key)
		return true
	}

	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		log.Debug().Str("key", keyring.Redact(key)).Msg("key verification cancelled")
		return false
	}

	p.stats.recordVerification(false, took)
	log.Debug().Str("key", keyring.Redact(key)).Err(err).Msg("key verification failed")
	if classify && p.onFailure != nil {
		p.onFailure(ctx, key, err)
	}
	return false
}

// verifyConcurrently runs the simplified (no classifier) verification for
// every key and reports per-key success.
func (p *Pool) verifyConcurrently(ctx context.Context, keys []string) []bool {
	results := make([]bool, len(keys))

	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			results[i] = p.verifyKey(ctx, key, false)
		}(i, key)
	}
	wg.Wait()

	return results
}

// insert appends a verified key, re-checking capacity and uniqueness under
// the queue lock. Returns whether the key was added.
func (p *Pool) insert(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) >= p.size || p.containsLocked(key) {
		return false
	}
	p.queue = append(p.queue, NewEntry(key, p.ttl, p.now()))
	return true
}

// remove deletes the entry for key, if present.
func (p *Pool) remove(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, entry := range p.queue {
		if entry.Key == key {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return true
		}
	}
	return false
}

// candidates returns every generally-valid key not already pooled.
func (p *Pool) candidates() []string {
	p.mu.Lock()
	pooled := make(map[string]struct{}, len(p.queue))
	for _, entry := range p.queue {
		pooled[entry.Key] = struct{}{}
	}
	p.mu.Unlock()

	return lo.Filter(p.registry.ValidKeys(), func(key string, _ int) bool {
		_, ok := pooled[key]
		return !ok
	})
}

func (p *Pool) contains(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.containsLocked(key)
}

func (p *Pool) containsLocked(key string) bool {
	for _, entry := range p.queue {
		if entry.Key == key {
			return true
		}
	}
	return false
}

func (p *Pool) recordFallback() {
	p.stats.mu.Lock()
	p.stats.fallbacks++
	p.stats.mu.Unlock()
}

// sleepCtx pauses for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
