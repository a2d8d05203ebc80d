package proxy

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gem-relay/gem-relay/internal/classify"
	"github.com/gem-relay/gem-relay/internal/keyring"
	"github.com/gem-relay/gem-relay/internal/logstore"
)

// maxRequestBody caps inbound generate payloads at 10 MiB.
const maxRequestBody = 10 << 20

// RequestSink records per-request outcomes. Implementations must not block.
type RequestSink interface {
	RecordRequest(rec logstore.RequestLog)
}

// GenerateHandler serves the generateContent endpoint. Each request draws a
// key from the pool (or the registry when the pool is disabled), forwards the
// body unchanged, and retries with replacement keys on classified failures.
type GenerateHandler struct {
	cores *CoreProvider
	sink  RequestSink
}

// NewGenerateHandler creates the generate endpoint handler. A nil sink
// disables request logging.
func NewGenerateHandler(cores *CoreProvider, sink RequestSink) *GenerateHandler {
	return &GenerateHandler{cores: cores, sink: sink}
}

// ServeHTTP handles POST /v1beta/models/{model}:generateContent.
func (h *GenerateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	model, action, ok := splitModelAction(r.PathValue("model"))
	if !ok || action != "generateContent" {
		WriteError(w, http.StatusNotFound, "unsupported method; only generateContent is available")
		return
	}
	if model == "" {
		WriteError(w, http.StatusBadRequest, "model name is required")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	ctx := r.Context()
	logger := zerolog.Ctx(ctx)
	core := h.cores.Get()

	key := h.pickKey(ctx, core, model)
	if key == "" {
		logger.Error().Str("model", model).Msg("no usable key for request")
		WriteError(w, http.StatusServiceUnavailable, "no API keys are currently available")
		return
	}

	start := time.Now()
	result, err := classify.Retry(ctx, core.Classifier, core.MaxRetries, key, model,
		func(ctx context.Context, apiKey string) ([]byte, error) {
			return core.Client.GenerateRaw(ctx, model, body, apiKey)
		})
	latency := time.Since(start)

	statusCode := http.StatusOK
	if err != nil {
		if code, found := classify.ExtractStatusCode(err); found {
			statusCode = code
		} else {
			statusCode = http.StatusBadGateway
		}
	}

	h.recordRequest(model, key, err == nil, statusCode, latency)

	if err != nil {
		logger.Error().
			Str("model", model).
			Int("status", statusCode).
			Err(err).
			Msg("generate request failed")
		WriteError(w, statusCode, err.Error())
		return
	}

	logger.Debug().
		Str("model", model).
		Dur("latency", latency).
		Msg("generate request succeeded")

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(result); err != nil {
		logger.Error().Err(err).Msg("failed to write response body")
	}
}

// pickKey draws the key for the first attempt: the pool's hot path when
// enabled, straight registry rotation otherwise.
func (h *GenerateHandler) pickKey(ctx context.Context, core *Core, model string) string {
	if core.Pool != nil {
		if key := core.Pool.GetValid(ctx, model); key != "" {
			return key
		}
	}
	return core.Registry.GetNextWorking(model)
}

func (h *GenerateHandler) recordRequest(model, key string, success bool, statusCode int, latency time.Duration) {
	if h.sink == nil {
		return
	}
	h.sink.RecordRequest(logstore.RequestLog{
		Model:      model,
		Key:        keyring.Redact(key),
		Success:    success,
		StatusCode: statusCode,
		LatencyMs:  latency.Milliseconds(),
	})
}

// splitModelAction splits the "{model}:{action}" path segment.
func splitModelAction(segment string) (model, action string, ok bool) {
	idx := strings.LastIndex(segment, ":")
	if idx < 0 {
		return segment, "", false
	}
	return segment[:idx], segment[idx+1:], true
}
