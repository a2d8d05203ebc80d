package keyring

import (
	"crypto/rand"
	"math/big"
	"time"
)

// redactPrefixLen is how many leading characters of a key survive redaction.
const redactPrefixLen = 8

// Redact returns a log-safe form of an API key: the first few characters
// followed by an ellipsis. Keys shorter than the prefix are fully masked.
func Redact(key string) string {
	if len(key) <= redactPrefixLen {
		return "***"
	}
	return key[:redactPrefixLen] + "..."
}

// randIntn returns a non-negative integer in [0, n). If n <= 0 it returns 0.
// It uses crypto/rand to produce a secure random value and falls back to a
// time-based source if crypto randomness fails.
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
