package proxy

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// AuthMiddleware creates middleware that validates the x-goog-api-key header
// (with X-Api-Key accepted as a fallback). Uses constant-time comparison to
// prevent timing attacks.
//
// Security note: SHA-256 is appropriate for API key hashing because:
// - API keys are high-entropy secrets, not passwords
// - Pre-hashing at middleware creation prevents per-request hash computation
// - Constant-time comparison (subtle.ConstantTimeCompare) prevents timing attacks.
func AuthMiddleware(expectedAPIKey string) func(http.Handler) http.Handler {
	// Pre-hash expected key at creation time (not per-request)
	expectedHash := sha256.Sum256([]byte(expectedAPIKey))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			providedKey := request.Header.Get("x-goog-api-key")
			if providedKey == "" {
				providedKey = request.Header.Get("x-api-key")
			}

			if providedKey == "" {
				failAuth(writer, request, "missing x-goog-api-key header")
				return
			}

			providedHash := sha256.Sum256([]byte(providedKey))

			if subtle.ConstantTimeCompare(providedHash[:], expectedHash[:]) != 1 {
				failAuth(writer, request, "invalid api key")
				return
			}

			zerolog.Ctx(request.Context()).Debug().Msg("authentication succeeded")
			next.ServeHTTP(writer, request)
		})
	}
}

func failAuth(writer http.ResponseWriter, request *http.Request, reason string) {
	zerolog.Ctx(request.Context()).Warn().Msg("authentication failed: " + reason)
	WriteError(writer, http.StatusUnauthorized, reason)
}

// RequestIDMiddleware adds X-Request-ID header and logger with request ID to context.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			// Extract or generate request ID
			requestID := request.Header.Get("X-Request-ID")
			ctx := AddRequestID(request.Context(), requestID)

			if requestID == "" {
				requestID = GetRequestID(ctx)
			}

			writer.Header().Set("X-Request-ID", requestID)

			request = request.WithContext(ctx)
			next.ServeHTTP(writer, request)
		})
	}
}

// LoggingMiddleware logs each request with method, path, status, and duration.
func LoggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			start := time.Now()

			requestID := GetRequestID(request.Context())
			shortID := requestID
			if len(shortID) > 8 {
				shortID = shortID[:8]
			}

			logger := zerolog.Ctx(request.Context()).With().
				Str("method", request.Method).
				Str("path", request.URL.Path).
				Str("req_id", shortID).
				Logger()

			logger.Info().Msgf("%s %s", request.Method, request.URL.Path)

			wrapped := &responseWriter{ResponseWriter: writer, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, request)

			duration := time.Since(start)
			completion := logger.With().
				Int("status", wrapped.statusCode).
				Str("duration", formatDuration(duration)).
				Logger()

			msg := http.StatusText(wrapped.statusCode)
			switch {
			case wrapped.statusCode >= 500:
				completion.Error().Msg(msg)
			case wrapped.statusCode >= 400:
				completion.Warn().Msg(msg)
			default:
				completion.Info().Msg(msg)
			}
		})
	}
}

// formatDuration formats duration in a human-readable form with microsecond precision.
// Uses dynamic units so very fast requests show in µs while longer ones show in ms/s.
func formatDuration(duration time.Duration) string {
	if duration <= 0 {
		return "0s"
	}
	duration = duration.Round(time.Microsecond)
	switch {
	case duration < time.Millisecond:
		return fmt.Sprintf("%dµs", duration.Microseconds())
	case duration < time.Second:
		return fmt.Sprintf("%.2fms", float64(duration)/float64(time.Millisecond))
	case duration < time.Minute:
		return fmt.Sprintf("%.2fs", duration.Seconds())
	default:
		return duration.Truncate(time.Second).String()
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// ConcurrencyLimiter enforces a global maximum number of concurrent requests.
// It uses an atomic counter with a configurable limit that supports hot-reload.
// When the limit is reached, new requests receive 503 Service Unavailable.
type ConcurrencyLimiter struct {
	limit   atomic.Int64
	current atomic.Int64
}

// NewConcurrencyLimiter creates a new concurrency limiter with the given max limit.
// A limit of 0 or negative means unlimited.
func NewConcurrencyLimiter(maxLimit int64) *ConcurrencyLimiter {
	limiter := &ConcurrencyLimiter{}
	limiter.limit.Store(maxLimit)
	return limiter
}

// SetLimit updates the concurrency limit for hot-reload support.
// A limit of 0 or negative means unlimited.
func (l *ConcurrencyLimiter) SetLimit(maxLimit int64) {
	l.limit.Store(maxLimit)
}

// GetLimit returns the current configured limit.
func (l *ConcurrencyLimiter) GetLimit() int64 {
	return l.limit.Load()
}

// CurrentInFlight returns the current number of in-flight requests.
func (l *ConcurrencyLimiter) CurrentInFlight() int64 {
	return l.current.Load()
}

// TryAcquire attempts to acquire a slot for a request.
// Returns true if the request can proceed, false if the limit is reached.
// If limit is 0 or negative, always returns true (unlimited).
func (l *ConcurrencyLimiter) TryAcquire() bool {
	limit := l.limit.Load()
	if limit <= 0 {
		// Unlimited - always succeed but still track count
		l.current.Add(1)
		return true
	}

	// Try to increment if below limit using compare-and-swap loop
	for {
		current := l.current.Load()
		if current >= limit {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
		// CAS failed, retry
	}
}

// Release releases a slot after request completion.
// Must be called after a successful TryAcquire.
func (l *ConcurrencyLimiter) Release() {
	l.current.Add(-1)
}

// ConcurrencyMiddleware creates middleware that enforces a global concurrency limit.
// Uses the provided ConcurrencyLimiter which supports hot-reload via SetLimit.
func ConcurrencyMiddleware(limiter *ConcurrencyLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			if !limiter.TryAcquire() {
				zerolog.Ctx(request.Context()).Warn().
					Int64("limit", limiter.GetLimit()).
					Int64("current", limiter.CurrentInFlight()).
					Msg("request rejected: concurrency limit reached")
				WriteError(writer, http.StatusServiceUnavailable,
					"server is at maximum capacity, please retry later")
				return
			}
			defer limiter.Release()
			next.ServeHTTP(writer, request)
		})
	}
}
