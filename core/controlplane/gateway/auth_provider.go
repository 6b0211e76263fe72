package gateway

import (
	"context"
	"net/http"
)

// AuthContext captures the caller identity established by the auth layer.
type AuthContext struct {
	APIKey string
	// Tier is the key's configured tier; empty defers to X-SK-Tier.
	Tier string
}

type authContextKey struct{}

// AuthProvider authenticates inbound HTTP requests.
type AuthProvider interface {
	AuthenticateHTTP(r *http.Request) (*AuthContext, error)
}

func authFromContext(ctx context.Context) *AuthContext {
	if ctx == nil {
		return nil
	}
	if raw := ctx.Value(authContextKey{}); raw != nil {
		if auth, ok := raw.(*AuthContext); ok {
			return auth
		}
	}
	return nil
}

func authFromRequest(r *http.Request) *AuthContext {
	if r == nil {
		return nil
	}
	return authFromContext(r.Context())
}
