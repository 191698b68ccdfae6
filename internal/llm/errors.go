package llm

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Error message prefixes used by every provider client in this package.
// The scheduler and pipeline classify failures by scanning for these plus the
// raw markers upstream APIs embed in their bodies.
const (
	ErrPrefixRateLimit    = "RATE_LIMIT:"
	ErrPrefixQuota        = "QUOTA_EXCEEDED:"
	ErrPrefixForbidden    = "FORBIDDEN:"
	ErrPrefixUnauthorized = "UNAUTHORIZED:"
	ErrPrefixService      = "SERVICE_ERROR:"
	ErrPrefixAPI          = "API_ERROR:"
)

// quotaMarkers are the substrings that mark an error as a quota/rate-limit
// failure. Matching is case-insensitive.
var quotaMarkers = []string{
	"429",
	"quota",
	"resource_exhausted",
	"rate limit",
	"rate_limit",
	"too many requests",
}

// IsQuotaError reports whether err represents a provider quota or rate-limit
// failure, the only class of failure the scheduler retries.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range quotaMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsRetryableServiceError reports whether err is a transient 5xx-style
// provider failure. These are not retried by the scheduler (only quota
// failures are) but fallback providers may still be tried.
func IsRetryableServiceError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, ErrPrefixService) ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504")
}

var (
	// "retryDelay": "23s" (Google RetryInfo detail embedded in 429 bodies)
	retryDelayPattern = regexp.MustCompile(`(?i)retrydelay"?\s*:?\s*"?(\d+(?:\.\d+)?)s`)
	// "retry after 30" / "Retry-After: 30"
	retryAfterPattern = regexp.MustCompile(`(?i)retry[- ]after:?\s*(\d+)`)
)

// ParseRetryAfter extracts a provider-suggested wait from an error's text.
// Returns false when the error carries no usable delay hint.
func ParseRetryAfter(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	msg := err.Error()

	if m := retryDelayPattern.FindStringSubmatch(msg); len(m) == 2 {
		if secs, perr := strconv.ParseFloat(m[1], 64); perr == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second)), true
		}
	}
	if m := retryAfterPattern.FindStringSubmatch(msg); len(m) == 2 {
		if secs, perr := strconv.Atoi(m[1]); perr == nil && secs > 0 {
			return time.Duration(secs) * time.Second, true
		}
	}
	return 0, false
}
