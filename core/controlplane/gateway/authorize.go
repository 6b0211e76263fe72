package gateway

import (
	"net/http"
	"strings"
)

const (
	headerTier  = "X-SK-Tier"
	defaultTier = "free"
)

// callerTier resolves the tier used for capability access checks: the API
// key's tier, else free. X-SK-Tier is read only when trustHeader is set and
// the key carries no tier.
func callerTier(r *http.Request, trustHeader bool) string {
	if auth := authFromRequest(r); auth != nil && auth.Tier != "" {
		return auth.Tier
	}
	if !trustHeader {
		return defaultTier
	}
	if tier := strings.ToLower(headerValue(r, headerTier)); tier != "" {
		return tier
	}
	return defaultTier
}
