package dispatcher

import (
	"strings"

	"github.com/mbertolucci/relay/internal/domain"
)

// ClassifyFailure buckets a delivery error message into the dead-letter
// taxonomy. Keyword matching over the sink's error text; first match
// wins, anything unrecognized is unknown.
func ClassifyFailure(message string) domain.FailureReason {
	m := strings.ToLower(message)
	switch {
	case containsAny(m, "auth", "token", "permission"):
		return domain.ReasonAuthError
	case containsAny(m, "rate", "limit", "throttl"):
		return domain.ReasonRateLimit
	case containsAny(m, "payload", "invalid", "required"):
		return domain.ReasonPayloadError
	default:
		return domain.ReasonUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
