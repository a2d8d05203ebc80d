package classify

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/gem-relay/gem-relay/internal/keyring"
)

// ErrorRecord is the best-effort record emitted to the error log sink for
// every classified failure.
type ErrorRecord struct {
	Key      string
	Model    string
	Category string
	Code     int
	RawError string
	Attempt  int
}

// ErrorSink accepts error records. Implementations must not block: records
// are fire-and-forget and a full or broken sink must never slow down or
// fail the request path.
type ErrorSink interface {
	Record(rec ErrorRecord)
}

// Handler turns classified upstream failures into registry mutations and
// picks the next key to try.
type Handler struct {
	registry *keyring.Registry
	sink     ErrorSink
}

// NewHandler creates a Handler. A nil sink disables error log records.
func NewHandler(registry *keyring.Registry, sink ErrorSink) *Handler {
	return &Handler{registry: registry, sink: sink}
}

// HandleError classifies err observed on key, applies the category's
// registry action, and returns the next key to try. An empty return means
// the retry budget is spent and the caller should give up.
func (h *Handler) HandleError(_ context.Context, err error, key, model string, attempt int) string {
	category, code := Classify(err)

	h.record(ErrorRecord{
		Key:      key,
		Model:    model,
		Category: category.String(),
		Code:     code,
		RawError: err.Error(),
		Attempt:  attempt,
	})

	switch {
	case category == CategoryRateLimit && model != "":
		log.Info().
			Str("key", keyring.Redact(key)).
			Str("model", model).
			Msg("rate limited, cooling key for model")
		h.registry.MarkModelCooling(key, model)
		return h.registry.GetNextWorking(model)

	case category == CategoryRateLimit:
		// No model context to scope the cooldown to, so the whole key is
		// taken out of rotation.
		log.Warn().Str("key", keyring.Redact(key)).Msg("rate limited without model context, failing key")
		h.registry.MarkFailed(key)
		return h.registry.GetNextWorking("")

	case category.Fatal():
		log.Warn().
			Str("key", keyring.Redact(key)).
			Str("category", category.String()).
			Int("code", code).
			Msg("fatal upstream error, failing key")
		h.registry.MarkFailed(key)
		return h.registry.GetNextWorking(model)

	case category == CategoryServiceUnavailable || category == CategoryTimeout:
		log.Warn().
			Str("key", keyring.Redact(key)).
			Int("code", code).
			Msg("transient upstream error, switching key without penalty")
		return h.registry.GetNextWorking(model)

	default:
		return h.registry.HandleAPIFailure(key, attempt, model)
	}
}

// HandleVerificationFailure routes a verification failure through the
// classifier without asking for a replacement key. The attempt index is
// pinned past the retry cap so unknown errors only increment the counter.
func (h *Handler) HandleVerificationFailure(ctx context.Context, err error, key, model string) {
	h.HandleError(ctx, err, key, model, h.registry.MaxRetries())
}

func (h *Handler) record(rec ErrorRecord) {
	if h.sink == nil {
		return
	}
	h.sink.Record(rec)
}
