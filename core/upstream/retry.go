package upstream

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxRetryAfter bounds absurd hints so they cannot overflow or stall callers forever.
const maxRetryAfter = 24 * time.Hour

// ParseRetryAfter interprets a Retry-After header value as a delay from now.
// Both delta-seconds ("3", "1.5") and HTTP-date forms are accepted. The
// result is rounded to milliseconds and clamped to [0, 24h]. The boolean is
// false when the value is empty or unparseable.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, false
		}
		if secs > maxRetryAfter.Seconds() {
			return maxRetryAfter, true
		}
		return clampRetry(time.Duration(math.Round(secs*1000)) * time.Millisecond), true
	}
	when, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	return clampRetry(when.Sub(now).Round(time.Millisecond)), true
}

func clampRetry(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}
