// Package verifier implements the background health probe over the full key
// set.
//
// Each pass verifies every candidate key once, in batches spread uniformly
// across the check interval. Bursting thousands of verifications at once
// would itself trip the upstream per-minute limits, so the stagger keeps the
// probe under the cap while still covering the whole registry every
// interval.
package verifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/gem-relay/gem-relay/internal/classify"
	"github.com/gem-relay/gem-relay/internal/keyring"
)

// Default configuration values.
const (
	DefaultBatchSize = 20
	DefaultInterval  = time.Hour
)

// VerifyFunc probes whether the upstream accepts a key.
type VerifyFunc func(ctx context.Context, model, apiKey string) error

// Config defines a Verifier's cadence.
type Config struct {
	// BatchSize is how many keys are verified concurrently per batch.
	BatchSize int

	// Interval is the total span one pass is spread across. It is also the
	// cadence at which the scheduler triggers passes.
	Interval time.Duration

	// TestModel is the model used for verification probes.
	TestModel string
}

// Verifier batches and staggers health checks across the registry.
type Verifier struct {
	registry  *keyring.Registry
	verify    VerifyFunc
	handler   *classify.Handler
	batchSize int
	interval  time.Duration
	testModel string

	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithSleep overrides the inter-batch pause. Used by tests with a fake
// clock.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(v *Verifier) {
		v.sleep = sleep
	}
}

// New creates a Verifier. Verification failures are routed through the
// classifier so a dead key discovered by the probe is cooled or failed the
// same way a request failure would.
func New(cfg Config, registry *keyring.Registry, verify VerifyFunc, handler *classify.Handler, opts ...Option) *Verifier {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	v := &Verifier{
		registry:  registry,
		verify:    verify,
		handler:   handler,
		batchSize: cfg.BatchSize,
		interval:  cfg.Interval,
		testModel: cfg.TestModel,
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Run performs one staggered verification pass. It returns early when the
// context is cancelled.
func (v *Verifier) Run(ctx context.Context) {
	candidates := v.candidates()

	total := len(v.registry.Keys())
	log.Info().
		Int("total_keys", total).
		Int("to_check", len(candidates)).
		Msg("starting scheduled key verification")

	if len(candidates) == 0 {
		log.Info().Msg("no keys need verification")
		return
	}

	batches := lo.Chunk(candidates, v.batchSize)
	stagger := time.Duration(0)
	if len(batches) > 1 {
		stagger = v.interval / time.Duration(len(batches))
	}

	for i, batch := range batches {
		log.Info().
			Int("batch", i+1).
			Int("batches", len(batches)).
			Int("keys", len(batch)).
			Msg("verifying key batch")

		v.verifyBatch(ctx, batch)

		if i == len(batches)-1 || stagger == 0 {
			continue
		}
		if err := v.sleep(ctx, stagger); err != nil {
			log.Info().Int("batch", i+1).Msg("scheduled verification cancelled")
			return
		}
	}

	log.Info().Int("batches", len(batches)).Msg("scheduled key verification completed")
}

// candidates selects every key worth probing: generally valid and not in
// cooldown for the test model. Keys at the failure ceiling stay out until an
// operator resets them; cooling keys would just burn quota on a known 429.
func (v *Verifier) candidates() []string {
	return lo.Filter(v.registry.Keys(), func(key string, _ int) bool {
		return v.registry.IsValid(key) && v.registry.IsModelAvailable(key, v.testModel)
	})
}

func (v *Verifier) verifyBatch(ctx context.Context, batch []string) {
	var wg sync.WaitGroup
	for _, key := range batch {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			v.verifyOne(ctx, key)
		}(key)
	}
	wg.Wait()
}

func (v *Verifier) verifyOne(ctx context.Context, key string) {
	err := v.verify(ctx, v.testModel, key)
	if err == nil {
		log.Debug().Str("key", keyring.Redact(key)).Msg("key verification successful")
		v.registry.ResetFailure(key)
		return
	}

	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return
	}

	log.Warn().Str("key", keyring.Redact(key)).Err(err).Msg("key verification failed")
	if v.handler != nil {
		v.handler.HandleVerificationFailure(ctx, err, key, v.testModel)
	}
}

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
