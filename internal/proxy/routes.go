package proxy

import (
	"net/http"

	"github.com/gem-relay/gem-relay/internal/keyring"
)

// SetupRoutes creates the HTTP handler with all routes configured.
// Routes:
//   - POST /v1beta/models/{model}:generateContent - proxy to the upstream (with auth if configured)
//   - GET /health - health check endpoint (no auth required)
//   - GET /stats/pool - valid key pool statistics (no auth required)
//   - GET /stats/keys - registry key status, redacted (no auth required)
//
// The returned ConcurrencyLimiter supports hot-reload via SetLimit.
func SetupRoutes(cores *CoreProvider, sink RequestSink, apiKey string, maxConcurrent int64) (http.Handler, *ConcurrencyLimiter) {
	mux := http.NewServeMux()
	limiter := NewConcurrencyLimiter(maxConcurrent)

	// Middleware order: request ID first so every later log carries it, then
	// request logging, concurrency limiting, and finally auth.
	var generate http.Handler = NewGenerateHandler(cores, sink)
	if apiKey != "" {
		generate = AuthMiddleware(apiKey)(generate)
	}
	generate = ConcurrencyMiddleware(limiter)(generate)
	generate = LoggingMiddleware()(generate)
	generate = RequestIDMiddleware()(generate)

	mux.Handle("POST /v1beta/models/{model}", generate)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck // Health check write error is non-critical
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.Handle("GET /stats/pool", NewPoolStatsHandler(cores))
	mux.Handle("GET /stats/keys", NewKeyStatsHandler(cores))

	return mux, limiter
}

// PoolStatsHandler serves valid key pool statistics.
type PoolStatsHandler struct {
	cores *CoreProvider
}

// NewPoolStatsHandler creates the pool stats endpoint handler.
func NewPoolStatsHandler(cores *CoreProvider) *PoolStatsHandler {
	return &PoolStatsHandler{cores: cores}
}

func (h *PoolStatsHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	core := h.cores.Get()
	if core.Pool == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, core.Pool.Stats())
}

// KeyStatsHandler serves the registry's valid/invalid key partition with
// keys redacted.
type KeyStatsHandler struct {
	cores *CoreProvider
}

// NewKeyStatsHandler creates the key stats endpoint handler.
func NewKeyStatsHandler(cores *CoreProvider) *KeyStatsHandler {
	return &KeyStatsHandler{cores: cores}
}

// keyStatusResponse is the /stats/keys payload.
type keyStatusResponse struct {
	Valid       map[string]int `json:"valid_keys"`
	Invalid     map[string]int `json:"invalid_keys"`
	TotalKeys   int            `json:"total_keys"`
	MaxFailures int            `json:"max_failures"`
}

func (h *KeyStatsHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	core := h.cores.Get()
	snap := core.Registry.KeysByStatus()

	resp := keyStatusResponse{
		Valid:       redactKeyMap(snap.Valid),
		Invalid:     redactKeyMap(snap.Invalid),
		TotalKeys:   core.Registry.Len(),
		MaxFailures: core.Registry.MaxFailures(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func redactKeyMap(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for key, count := range in {
		out[keyring.Redact(key)] = count
	}
	return out
}
