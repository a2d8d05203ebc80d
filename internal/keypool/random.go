package keypool

import (
	"crypto/rand"
	"math/big"
	"time"
)

// randIntn returns a non-negative integer in [0, n). If n <= 0 it returns 0.
// Uses crypto/rand with a time-based fallback, so key selection cannot be
// steered by a predictable PRNG state.
func randIntn(n int) int {
	if n <= 0 {
		return 0
	}
	maxVal := big.NewInt(int64(n))
	if v, err := rand.Int(rand.Reader, maxVal); err == nil {
		return int(v.Int64())
	}
	return int(time.Now().UnixNano() % int64(n))
}

// randFloat returns a uniform float64 in [0, 1).
func randFloat() float64 {
	const resolution = 1 << 30
	return float64(randIntn(resolution)) / float64(resolution)
}

// sampleKeys returns n keys drawn uniformly without replacement.
// The input slice is not modified.
func sampleKeys(keys []string, n int) []string {
	if n > len(keys) {
		n = len(keys)
	}
	if n <= 0 {
		return nil
	}

	shuffled := append([]string(nil), keys...)
	for i := 0; i < n; i++ {
		j := i + randIntn(len(shuffled)-i)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	return shuffled[:n]
}
