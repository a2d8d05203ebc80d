package classify

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/gem-relay/gem-relay/internal/keyring"
)

// Attempt is one upstream call made with a specific key.
type Attempt[T any] func(ctx context.Context, apiKey string) (T, error)

// Retry drives fn for up to maxRetries attempts, classifying each failure
// and substituting the key the classifier hands back. There is no sleep
// between attempts: cooling or failing the key is the back-off. The last
// error is returned once the budget is spent or the classifier runs out of
// keys.
func Retry[T any](ctx context.Context, h *Handler, maxRetries int, apiKey, model string, fn Attempt[T]) (T, error) {
	var zero T
	var lastErr error

	current := apiKey
	for attempt := 1; attempt <= maxRetries; attempt++ {
		result, err := fn(ctx, current)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return zero, err
		}
		lastErr = err

		log.Warn().
			Str("key", keyring.Redact(current)).
			Int("attempt", attempt).
			Int("max_retries", maxRetries).
			Err(err).
			Msg("upstream call failed")

		next := h.HandleError(ctx, err, current, model, attempt)
		if next == "" {
			log.Error().Int("attempts", attempt).Msg("no replacement key available, giving up")
			break
		}
		if next != current {
			log.Info().
				Str("from", keyring.Redact(current)).
				Str("to", keyring.Redact(next)).
				Msg("switched to replacement key")
			current = next
		}
	}

	log.Error().Err(lastErr).Msg("all retry attempts failed")
	return zero, lastErr
}
