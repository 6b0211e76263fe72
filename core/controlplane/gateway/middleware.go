package gateway

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/soullab/kernel-gateway/core/apierr"
	"github.com/soullab/kernel-gateway/core/infra/logging"
)

// scopeForPath picks the error-code scope for failures raised before a
// handler runs: "memory" for memory routes, the capability name for
// capability routes, "gateway" otherwise.
func scopeForPath(path string) string {
	rest, ok := strings.CutPrefix(path, "/v1/")
	if !ok {
		return "gateway"
	}
	name, _, _ := strings.Cut(rest, "/")
	if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
		return name
	}
	return "gateway"
}

func isAPIPath(path string) bool {
	return strings.HasPrefix(path, "/v1/")
}

func corsMiddleware(origins *originPolicy, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !origins.allowed(r) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Behavior-Version, X-SK-Trace-Id, X-SK-Tier")
		w.Header().Set("Access-Control-Expose-Headers", "X-Behavior-Version, X-SK-Trace-Id, Retry-After")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originPolicy decides which browser origins may call the gateway.
type originPolicy struct {
	allowAll bool
	origins  map[string]struct{}
}

func newOriginPolicy(list []string) *originPolicy {
	p := &originPolicy{origins: map[string]struct{}{}}
	for _, origin := range list {
		origin = strings.TrimSpace(origin)
		switch origin {
		case "":
		case "*":
			p.allowAll = true
		default:
			p.origins[strings.TrimRight(origin, "/")] = struct{}{}
		}
	}
	return p
}

func (p *originPolicy) allowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients omit Origin.
		return true
	}
	if p == nil {
		p = newOriginPolicy(nil)
	}
	if p.allowAll {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	if len(p.origins) == 0 {
		host := strings.ToLower(u.Hostname())
		switch host {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		reqHost := strings.ToLower(requestHostname(r.Host))
		return reqHost != "" && host == reqHost
	}
	_, ok := p.origins[strings.TrimRight(origin, "/")]
	return ok
}

func requestHostname(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil && host != "" {
		return host
	}
	return hostport
}

// newLimiter returns nil when rps is not positive.
func newLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// rateLimitMiddleware rejects API calls that would have to wait for a token
// and reports the wait as the retry hint.
func rateLimitMiddleware(limiter *rate.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAPIPath(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		res := limiter.Reserve()
		if !res.OK() {
			apierr.Write(w, scopeForPath(r.URL.Path), apierr.RateLimited(scopeForPath(r.URL.Path), time.Second))
			return
		}
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			apierr.Write(w, scopeForPath(r.URL.Path), apierr.RateLimited(scopeForPath(r.URL.Path), delay))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// apiKeyMiddleware enforces API key auth on API routes and injects the auth
// context.
func apiKeyMiddleware(auth AuthProvider, next http.Handler) http.Handler {
	if auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAPIPath(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		authCtx, err := auth.AuthenticateHTTP(r)
		if err != nil {
			logging.Warn("gateway", "authentication failed", "path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
			apierr.Write(w, scopeForPath(r.URL.Path), apierr.Unauthorized(scopeForPath(r.URL.Path)))
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, authCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
