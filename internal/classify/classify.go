// Package classify maps upstream failures to key-state transitions.
//
// An upstream error is reduced to an HTTP status code, the code to a
// category, and the category to an action on the key registry: cool the key
// for one model, fail it outright, switch keys without penalty, or count the
// failure toward the key's ceiling. The retry driver in this package applies
// the classifier between attempts, substituting keys until the retry budget
// runs out.
package classify

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/gem-relay/gem-relay/internal/upstream"
)

// Category is the classification of an upstream failure.
type Category int

const (
	// CategoryUnknown covers errors with no recognizable status code.
	// Counted against the key's failure ceiling.
	CategoryUnknown Category = iota

	// CategoryRateLimit is a 429: the key's daily quota for the model ran
	// out. The key cools until the next quota reset.
	CategoryRateLimit

	// CategoryAuth is a 401 or 403: the credential is rejected. Fatal.
	CategoryAuth

	// CategoryClient is a 400, 404, or 422: the upstream permanently
	// rejects what this key sends. Fatal.
	CategoryClient

	// CategoryServer is a 500, 502, or 504 upstream failure. Fatal for the
	// key so rotation moves past it.
	CategoryServer

	// CategoryServiceUnavailable is a 503: transient, switch keys without
	// penalty.
	CategoryServiceUnavailable

	// CategoryTimeout is a 408: transient, switch keys without penalty.
	CategoryTimeout
)

// String returns the category name used in error log records.
func (c Category) String() string {
	switch c {
	case CategoryRateLimit:
		return "rate_limit"
	case CategoryAuth:
		return "auth"
	case CategoryClient:
		return "client_error"
	case CategoryServer:
		return "server_error"
	case CategoryServiceUnavailable:
		return "service_unavailable"
	case CategoryTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Fatal reports whether the category permanently fails the key.
func (c Category) Fatal() bool {
	switch c {
	case CategoryAuth, CategoryClient, CategoryServer:
		return true
	default:
		return false
	}
}

// statusCodePattern matches the textual form upstream errors embed.
var statusCodePattern = regexp.MustCompile(`status code (\d+)`)

// bareCodeProbes are checked in priority order when no structured or
// "status code N" form is present. 429 first: a rate limit mislabeled as a
// fatal error would burn the key for the whole day.
var bareCodeProbes = []struct {
	substr string
	code   int
}{
	{"429", 429},
	{"401", 401},
	{"403", 403},
	{"400", 400},
	{"404", 404},
	{"422", 422},
	{"500", 500},
	{"502", 502},
	{"504", 504},
	{"503", 503},
	{"408", 408},
}

// ExtractStatusCode pulls an HTTP status code out of an error. A structured
// *upstream.StatusError anywhere in the chain wins; the textual probes are
// the last resort for wrapped transport errors.
func ExtractStatusCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}

	if code, ok := upstream.StatusCode(err); ok {
		return code, true
	}

	text := err.Error()
	if m := statusCodePattern.FindStringSubmatch(text); m != nil {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil {
			return code, true
		}
	}

	for _, probe := range bareCodeProbes {
		if strings.Contains(text, probe.substr) {
			return probe.code, true
		}
	}
	return 0, false
}

// Classify maps an upstream error to its category and the status code it
// was derived from (0 when none was found).
func Classify(err error) (Category, int) {
	code, ok := ExtractStatusCode(err)
	if !ok {
		return CategoryUnknown, 0
	}

	switch code {
	case 429:
		return CategoryRateLimit, code
	case 401, 403:
		return CategoryAuth, code
	case 400, 404, 422:
		return CategoryClient, code
	case 500, 502, 504:
		return CategoryServer, code
	case 503:
		return CategoryServiceUnavailable, code
	case 408:
		return CategoryTimeout, code
	default:
		return CategoryUnknown, code
	}
}
