package classify_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gem-relay/gem-relay/internal/classify"
	"github.com/gem-relay/gem-relay/internal/keyring"
)

const (
	keyA = "key-aaaaaaaaaaaa"
	keyB = "key-bbbbbbbbbbbb"
	keyC = "key-cccccccccccc"
)

// captureSink records every error record it receives.
type captureSink struct {
	mu      sync.Mutex
	records []classify.ErrorRecord
}

func (s *captureSink) Record(rec classify.ErrorRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *captureSink) all() []classify.ErrorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]classify.ErrorRecord(nil), s.records...)
}

func newHandlerRegistry(t *testing.T, keys ...string) *keyring.Registry {
	t.Helper()
	return keyring.NewRegistry(keyring.Config{
		Keys:        keys,
		MaxFailures: 3,
		MaxRetries:  3,
		Timezone:    "UTC",
	})
}

func TestHandleError(t *testing.T) {
	ctx := context.Background()

	t.Run("429 with model cools the key for that model only", func(t *testing.T) {
		registry := newHandlerRegistry(t, keyA, keyB, keyC)
		sink := &captureSink{}
		handler := classify.NewHandler(registry, sink)

		next := handler.HandleError(ctx, errors.New("status code 429"), keyA, "gemini-x", 1)

		assert.Equal(t, keyB, next)
		assert.Zero(t, registry.FailCount(keyA))
		assert.True(t, registry.IsValid(keyA))
		assert.False(t, registry.IsModelAvailable(keyA, "gemini-x"))
		assert.True(t, registry.IsModelAvailable(keyA, "gemini-y"))

		// Second 429 on the replacement rotates past both cooling keys.
		next = handler.HandleError(ctx, errors.New("status code 429"), keyB, "gemini-x", 1)
		assert.Equal(t, keyC, next)

		records := sink.all()
		require.Len(t, records, 2)
		assert.Equal(t, "rate_limit", records[0].Category)
		assert.Equal(t, 429, records[0].Code)
		assert.Equal(t, keyA, records[0].Key)
		assert.Equal(t, "gemini-x", records[0].Model)
	})

	t.Run("429 without model fails the key", func(t *testing.T) {
		registry := newHandlerRegistry(t, keyA, keyB)
		handler := classify.NewHandler(registry, nil)

		next := handler.HandleError(ctx, errors.New("status code 429"), keyA, "", 1)

		assert.Equal(t, keyB, next)
		assert.False(t, registry.IsValid(keyA))
	})

	t.Run("auth error fails the key permanently", func(t *testing.T) {
		registry := newHandlerRegistry(t, keyA, keyB)
		handler := classify.NewHandler(registry, nil)

		next := handler.HandleError(ctx, errors.New("status code 403"), keyA, "gemini-x", 1)

		assert.Equal(t, keyB, next)
		assert.Equal(t, registry.MaxFailures(), registry.FailCount(keyA))
		assert.False(t, registry.IsValid(keyA))

		// Rotation keeps returning the surviving key.
		assert.Equal(t, keyB, registry.GetNextWorking(""))
		assert.Equal(t, keyB, registry.GetNextWorking(""))
	})

	t.Run("transient errors switch keys without penalty", func(t *testing.T) {
		for _, raw := range []string{"status code 503", "status code 408"} {
			registry := newHandlerRegistry(t, keyA, keyB)
			handler := classify.NewHandler(registry, nil)

			next := handler.HandleError(ctx, errors.New(raw), keyA, "gemini-x", 1)

			assert.NotEmpty(t, next)
			assert.Zero(t, registry.FailCount(keyA))
			assert.True(t, registry.IsValid(keyA))
		}
	})

	t.Run("unknown errors count up to the ceiling", func(t *testing.T) {
		registry := newHandlerRegistry(t, keyA, keyB)
		handler := classify.NewHandler(registry, nil)

		for attempt := 1; attempt <= 3; attempt++ {
			handler.HandleError(ctx, errors.New("connection reset"), keyA, "", attempt)
		}

		assert.Equal(t, 3, registry.FailCount(keyA))
		assert.False(t, registry.IsValid(keyA))
	})

	t.Run("unknown error past the retry cap returns no key", func(t *testing.T) {
		registry := newHandlerRegistry(t, keyA)
		handler := classify.NewHandler(registry, nil)

		next := handler.HandleError(ctx, errors.New("connection reset"), keyA, "", 3)
		assert.Empty(t, next)
	})
}

func TestHandleVerificationFailure(t *testing.T) {
	registry := newHandlerRegistry(t, keyA, keyB)
	sink := &captureSink{}
	handler := classify.NewHandler(registry, sink)

	handler.HandleVerificationFailure(context.Background(), errors.New("status code 403"), keyA, "gemini-test")

	assert.False(t, registry.IsValid(keyA))
	require.Len(t, sink.all(), 1)
	assert.Equal(t, "auth", sink.all()[0].Category)
}
