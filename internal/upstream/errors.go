package upstream

import (
	"errors"
	"fmt"
)

// StatusError is returned when the upstream responds with a non-2xx status.
// The textual form embeds the status code so that downstream string-based
// extraction (the last-resort path for wrapped transport errors) still works.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: API call failed with status code %d, %s", e.Code, e.Message)
}

// StatusCode extracts the HTTP status code from an error chain.
// Returns 0 and false when no StatusError is present.
func StatusCode(err error) (int, bool) {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code, true
	}
	return 0, false
}
