package keyring

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, keys []string, maxFailures int, opts ...Option) *Registry {
	t.Helper()
	return NewRegistry(Config{
		Keys:           keys,
		MaxFailures:    maxFailures,
		MaxRetries:     3,
		Timezone:       "UTC",
		QuotaResetHour: 0,
	}, opts...)
}

func TestNewRegistry(t *testing.T) {
	t.Run("initializes all counters at zero", func(t *testing.T) {
		r := newTestRegistry(t, []string{"key-a", "key-b"}, 3)

		assert.Equal(t, 0, r.FailCount("key-a"))
		assert.Equal(t, 0, r.FailCount("key-b"))
		assert.True(t, r.IsValid("key-a"))
	})

	t.Run("tolerates empty key list", func(t *testing.T) {
		r := newTestRegistry(t, nil, 3)

		assert.Equal(t, "", r.NextRaw())
		assert.Equal(t, "", r.GetNextWorking(""))
		assert.Equal(t, "", r.FirstValid())
		assert.Equal(t, "", r.RandomValid())
	})

	t.Run("falls back to UTC for unknown timezone", func(t *testing.T) {
		r := NewRegistry(Config{Keys: []string{"key-a"}, Timezone: "Not/AZone"})

		assert.Equal(t, "UTC", r.loc.String())
	})

	t.Run("unknown key is invalid", func(t *testing.T) {
		r := newTestRegistry(t, []string{"key-a"}, 3)

		assert.False(t, r.IsValid("key-z"))
	})
}

func TestNextRaw(t *testing.T) {
	t.Run("one full cycle returns each key exactly once", func(t *testing.T) {
		keys := []string{"key-a", "key-b", "key-c"}
		r := newTestRegistry(t, keys, 3)

		seen := make(map[string]int)
		for i := 0; i < len(keys); i++ {
			seen[r.NextRaw()]++
		}

		for _, key := range keys {
			assert.Equal(t, 1, seen[key])
		}
	})

	t.Run("wraps around after a full cycle", func(t *testing.T) {
		r := newTestRegistry(t, []string{"key-a", "key-b"}, 3)

		first := r.NextRaw()
		r.NextRaw()
		assert.Equal(t, first, r.NextRaw())
	})
}

func TestFailureCounting(t *testing.T) {
	t.Run("mark failed invalidates immediately", func(t *testing.T) {
		r := newTestRegistry(t, []string{"key-a", "key-b"}, 3)

		r.MarkFailed("key-a")

		assert.False(t, r.IsValid("key-a"))
		assert.Equal(t, 3, r.FailCount("key-a"))
		assert.True(t, r.IsValid("key-b"))
	})

	t.Run("increment clamps at the ceiling", func(t *testing.T) {
		r := newTestRegistry(t, []string{"key-a"}, 3)

		for i := 0; i < 10; i++ {
			r.IncrementFailure("key-a")
		}

		assert.Equal(t, 3, r.FailCount("key-a"))
		assert.False(t, r.IsValid("key-a"))
	})

	t.Run("reset restores validity", func(t *testing.T) {
		r := newTestRegistry(t, []string{"key-a"}, 3)

		r.MarkFailed("key-a")
		ok := r.ResetFailure("key-a")

		assert.True(t, ok)
		assert.True(t, r.IsValid("key-a"))
		assert.Equal(t, 0, r.FailCount("key-a"))
	})

	t.Run("reset unknown key returns false", func(t *testing.T) {
		r := newTestRegistry(t, []string{"key-a"}, 3)

		assert.False(t, r.ResetFailure("key-z"))
	})

	t.Run("reset all clears every counter", func(t *testing.T) {
		r := newTestRegistry(t, []string{"key-a", "key-b"}, 3)
		r.MarkFailed("key-a")
		r.IncrementFailure("key-b")

		r.ResetAllFailures()

		assert.Equal(t, 0, r.FailCount("key-a"))
		assert.Equal(t, 0, r.FailCount("key-b"))
	})

	t.Run("mark failed ignores unknown keys", func(t *testing.T) {
		r := newTestRegistry(t, []string{"key-a"}, 3)

		r.MarkFailed("key-z")
		r.IncrementFailure("key-z")

		assert.Equal(t, 0, r.FailCount("key-z"))
	})
}

func TestModelCooldown(t *testing.T) {
	fixed := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	clock := func() time.Time { return fixed }

	t.Run("cooling key is unavailable for the model until the deadline", func(t *testing.T) {
		r := newTestRegistry(t, []string{"key-a"}, 3, WithNow(clock))

		r.MarkModelCooling("key-a", "gemini-x")

		assert.False(t, r.IsModelAvailable("key-a", "gemini-x"))
		assert.True(t, r.IsModelAvailable("key-a", "gemini-y"))
		assert.True(t, r.IsValid("key-a"))
	})

	t.Run("deadline is the next daily reset", func(t *testing.T) {
		r := newTestRegistry(t, []string{"key-a"}, 3, WithNow(clock))

		r.MarkModelCooling("key-a", "gemini-x")

		deadline, ok := r.ModelCooldown("key-a", "gemini-x")
		require.True(t, ok)
		// Reset hour 0 UTC already passed today, so the deadline is tomorrow.
		assert.Equal(t, time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), deadline)
	})

	t.Run("today's reset is used when still ahead", func(t *testing.T) {
		r := NewRegistry(Config{
			Keys:           []string{"key-a"},
			MaxFailures:    3,
			Timezone:       "UTC",
			QuotaResetHour: 18,
		}, WithNow(clock))

		r.MarkModelCooling("key-a", "gemini-x")

		deadline, ok := r.ModelCooldown("key-a", "gemini-x")
		require.True(t, ok)
		assert.Equal(t, time.Date(2026, 8, 24, 18, 0, 0, 0, time.UTC), deadline)
	})

	t.Run("two cooldowns the same day share a deadline", func(t *testing.T) {
		r := newTestRegistry(t, []string{"key-a"}, 3, WithNow(clock))

		r.MarkModelCooling("key-a", "gemini-x")
		first, _ := r.ModelCooldown("key-a", "gemini-x")
		r.MarkModelCooling("key-a", "gemini-x")
		second, _ := r.ModelCooldown("key-a", "gemini-x")

		assert.Equal(t, first, second)
	})

	t.Run("expired cooldown is cleared lazily", func(t *testing.T) {
		now := fixed
		r := newTestRegistry(t, []string{"key-a"}, 3, WithNow(func() time.Time { return now }))

		r.MarkModelCooling("key-a", "gemini-x")
		assert.False(t, r.IsModelAvailable("key-a", "gemini-x"))

		now = fixed.Add(48 * time.Hour)
		assert.True(t, r.IsModelAvailable("key-a", "gemini-x"))

		_, still := r.ModelCooldown("key-a", "gemini-x")
		assert.False(t, still)
	})
}

func TestGetNextWorking(t *testing.T) {
	t.Run("skips failed keys", func(t *testing.T) {
		r := newTestRegistry(t, []string{"key-a", "key-b"}, 3)

		r.MarkFailed("key-a")

		for i := 0; i < 5; i++ {
			assert.Equal(t, "key-b", r.GetNextWorking(""))
		}
	})

	t.Run("skips keys cooling for the requested model", func(t *testing.T) {
		fixed := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
		r := newTestRegistry(t, []string{"key-a", "key-b", "key-c"}, 3,
			WithNow(func() time.Time { return fixed }))

		r.MarkModelCooling("key-a", "gemini-x")
		r.MarkModelCooling("key-b", "gemini-x")

		assert.Equal(t, "key-c", r.GetNextWorking("gemini-x"))
	})

	t.Run("returns last examined key when nothing passes", func(t *testing.T) {
		r := newTestRegistry(t, []string{"key-a", "key-b"}, 3)

		r.MarkFailed("key-a")
		r.MarkFailed("key-b")

		got := r.GetNextWorking("")
		assert.Contains(t, []string{"key-a", "key-b"}, got)
	})
}

func TestHandleAPIFailure(t *testing.T) {
	t.Run("increments and returns a replacement below the retry cap", func(t *testing.T) {
		r := newTestRegistry(t, []string{"key-a", "key-b"}, 3)

		next := r.HandleAPIFailure("key-a", 1, "")

		assert.Equal(t, 1, r.FailCount("key-a"))
		assert.NotEmpty(t, next)
	})

	t.Run("returns empty at the retry cap", func(t *testing.T) {
		r := newTestRegistry(t, []string{"key-a", "key-b"}, 3)

		next := r.HandleAPIFailure("key-a", 3, "")

		assert.Equal(t, "", next)
		assert.Equal(t, 1, r.FailCount("key-a"))
	})

	t.Run("three unknown failures invalidate the key", func(t *testing.T) {
		r := newTestRegistry(t, []string{"key-a", "key-b"}, 3)

		for attempt := 1; attempt <= 3; attempt++ {
			r.HandleAPIFailure("key-a", attempt, "")
		}

		assert.Equal(t, 3, r.FailCount("key-a"))
		assert.False(t, r.IsValid("key-a"))
	})
}

func TestConvenienceQueries(t *testing.T) {
	t.Run("first valid skips failed keys", func(t *testing.T) {
		r := newTestRegistry(t, []string{"key-a", "key-b"}, 3)

		r.MarkFailed("key-a")

		assert.Equal(t, "key-b", r.FirstValid())
	})

	t.Run("first valid falls back to first key when all failed", func(t *testing.T) {
		r := newTestRegistry(t, []string{"key-a", "key-b"}, 3)

		r.MarkFailed("key-a")
		r.MarkFailed("key-b")

		assert.Equal(t, "key-a", r.FirstValid())
	})

	t.Run("random valid only returns valid keys", func(t *testing.T) {
		r := newTestRegistry(t, []string{"key-a", "key-b", "key-c"}, 3)

		r.MarkFailed("key-b")

		for i := 0; i < 20; i++ {
			assert.NotEqual(t, "key-b", r.RandomValid())
		}
	})

	t.Run("keys by status partitions correctly", func(t *testing.T) {
		r := newTestRegistry(t, []string{"key-a", "key-b", "key-c"}, 3)

		r.MarkFailed("key-b")
		r.IncrementFailure("key-c")

		snap := r.KeysByStatus()

		assert.Equal(t, map[string]int{"key-a": 0, "key-c": 1}, snap.Valid)
		assert.Equal(t, map[string]int{"key-b": 3}, snap.Invalid)
	})
}

func TestSnapshotRestore(t *testing.T) {
	t.Run("same key list round-trips counters and cursor", func(t *testing.T) {
		keys := []string{"key-a", "key-b", "key-c"}
		old := newTestRegistry(t, keys, 3)

		old.IncrementFailure("key-b")
		old.NextRaw() // cursor now points at key-b

		snap := old.Snapshot()
		fresh := newTestRegistry(t, keys, 3, WithPrevious(snap))

		assert.Equal(t, 1, fresh.FailCount("key-b"))
		assert.Equal(t, "key-b", fresh.NextRaw())
	})

	t.Run("new keys start at zero, removed keys are dropped", func(t *testing.T) {
		old := newTestRegistry(t, []string{"key-a", "key-b"}, 3)
		old.MarkFailed("key-b")

		snap := old.Snapshot()
		fresh := newTestRegistry(t, []string{"key-a", "key-d"}, 3, WithPrevious(snap))

		assert.Equal(t, 0, fresh.FailCount("key-d"))
		assert.True(t, fresh.IsValid("key-d"))
		assert.False(t, fresh.IsValid("key-b"))
	})

	t.Run("cursor falls forward when the preserved next key is gone", func(t *testing.T) {
		old := newTestRegistry(t, []string{"key-a", "key-b", "key-c"}, 3)
		old.NextRaw() // next would be key-b

		snap := old.Snapshot()
		require.Equal(t, "key-b", snap.NextKey)

		// key-b was removed; key-c is the first survivor after it in the old
		// rotation order.
		fresh := newTestRegistry(t, []string{"key-a", "key-c"}, 3, WithPrevious(snap))

		assert.Equal(t, "key-c", fresh.NextRaw())
	})

	t.Run("cursor restarts when nothing survives", func(t *testing.T) {
		old := newTestRegistry(t, []string{"key-a", "key-b"}, 3)
		old.NextRaw()

		snap := old.Snapshot()
		fresh := newTestRegistry(t, []string{"key-x", "key-y"}, 3, WithPrevious(snap))

		assert.Equal(t, "key-x", fresh.NextRaw())
	})
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "AIzaSyAB...", Redact("AIzaSyABCDEFGHIJKLMNOP"))
	assert.Equal(t, "***", Redact("short"))
	assert.Equal(t, "***", Redact(""))
}

func TestConcurrentMutation(t *testing.T) {
	r := newTestRegistry(t, []string{"key-a", "key-b", "key-c"}, 5)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("key-%c", 'a'+byte(n%3))
				r.IncrementFailure(key)
				r.IsValid(key)
				r.NextRaw()
				r.GetNextWorking("")
				r.ResetFailure(key)
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	for _, key := range r.Keys() {
		count := r.FailCount(key)
		assert.GreaterOrEqual(t, count, 0)
		assert.LessOrEqual(t, count, 5)
	}
}
