// Package gateway is the HTTP entry point: it authenticates and rate limits
// callers, resolves the behavior version and trace id for every request,
// proxies capability actions to their backend services and serves the
// tenant-scoped memory API.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/soullab/kernel-gateway/core/apierr"
	"github.com/soullab/kernel-gateway/core/infra/bus"
	"github.com/soullab/kernel-gateway/core/infra/buildinfo"
	"github.com/soullab/kernel-gateway/core/infra/config"
	"github.com/soullab/kernel-gateway/core/infra/logging"
	infraMetrics "github.com/soullab/kernel-gateway/core/infra/metrics"
	"github.com/soullab/kernel-gateway/core/infra/schema"
	"github.com/soullab/kernel-gateway/core/memory"
	"github.com/soullab/kernel-gateway/core/upstream"
)

const (
	serviceName = "kernel-gateway"

	maxBodyBytes = 1 << 20 // 1 MiB limit for request bodies
)

var behaviorVersionPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

type server struct {
	cfg      *config.Config
	store    memory.Store
	upstream *upstream.Client
	schemas  *schema.Registry
	metrics  infraMetrics.GatewayMetrics
	auth     AuthProvider
	limiter  *rate.Limiter
	origins  *originPolicy
	hub      *streamHub
	started  time.Time
}

// serverDeps are the collaborators a server is composed from. Nil fields get
// working defaults except Store, which is required.
type serverDeps struct {
	Store    memory.Store
	Upstream *upstream.Client
	Hub      *streamHub
	Auth     AuthProvider
	Metrics  infraMetrics.GatewayMetrics
}

func newServer(cfg *config.Config, deps serverDeps) (*server, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if deps.Store == nil {
		return nil, errors.New("memory store required")
	}
	registry, err := schema.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("load request schemas: %w", err)
	}
	s := &server{
		cfg:      cfg,
		store:    deps.Store,
		upstream: deps.Upstream,
		schemas:  registry,
		metrics:  deps.Metrics,
		auth:     deps.Auth,
		limiter:  newLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		origins:  newOriginPolicy(cfg.AllowedOrigins),
		hub:      deps.Hub,
		started:  time.Now().UTC(),
	}
	if s.upstream == nil {
		s.upstream = upstream.NewClient()
	}
	if s.metrics == nil {
		s.metrics = infraMetrics.Noop{}
	}
	if s.hub == nil {
		s.hub = newStreamHub()
	}
	return s, nil
}

// Run wires the gateway from cfg and serves until the HTTP server stops.
func Run(cfg *config.Config) error {
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			logging.Warn("gateway", "capabilities config not loaded, using built-ins", "error", err)
		}
		cfg = loaded
	}

	prom := infraMetrics.NewProm("kernel_gateway")
	auth, err := NewAPIKeyAuthFromEnv()
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	if !auth.Enabled() {
		logging.Warn("gateway", "no api keys configured, api routes are unauthenticated")
	}

	backend, err := memory.OpenBackend(memory.BackendOptions{
		Kind:       cfg.StoreBackend,
		RedisURL:   cfg.RedisURL,
		SQLitePath: cfg.SQLitePath,
	})
	if err != nil {
		return fmt.Errorf("open memory backend: %w", err)
	}

	hub := newStreamHub()
	defer hub.Close()
	var notifier memory.Notifier = hub
	if cfg.NatsURL != "" {
		natsBus, err := bus.NewNatsBus(cfg.NatsURL)
		if err != nil {
			_ = backend.Close()
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsBus.Close()
		// Events fan out through NATS so every replica's stream sees them.
		notifier = newBusNotifier(natsBus)
		if err := subscribeMemoryEvents(natsBus, hub); err != nil {
			_ = backend.Close()
			return fmt.Errorf("subscribe memory events: %w", err)
		}
	}

	store := memory.NewService(backend, memory.WithNotifier(notifier), memory.WithMetrics(prom))
	defer store.Close()

	s, err := newServer(cfg, serverDeps{
		Store:    store,
		Upstream: upstream.NewClient(upstream.WithMetrics(prom)),
		Hub:      hub,
		Auth:     auth,
		Metrics:  prom,
	})
	if err != nil {
		return err
	}
	logging.Info("gateway", "memory store ready", "backend", backend.Kind(), "capabilities", len(cfg.Capabilities))
	return startHTTPServer(s, cfg.HTTPAddr, cfg.MetricsAddr)
}

func startHTTPServer(s *server, httpAddr, metricsAddr string) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", infraMetrics.Handler())
	go func() {
		srv := &http.Server{
			Addr:         metricsAddr,
			Handler:      metricsMux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		logging.Info("gateway", "metrics listening", "addr", metricsAddr+"/metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("gateway", "metrics server error", "error", err)
		}
	}()

	logging.Info("gateway", "http listening", "addr", httpAddr)
	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           s.handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Error("gateway", "http server error", "error", err)
		return err
	}
	return nil
}

// handler builds the routed mux wrapped in the middleware chain.
func (s *server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Memory
	mux.HandleFunc("POST /v1/memory/write", s.instrumented("/v1/memory/write", s.handleMemoryWrite))
	mux.HandleFunc("POST /v1/memory/retrieve", s.instrumented("/v1/memory/retrieve", s.handleMemoryRetrieve))
	mux.HandleFunc("GET /v1/memory/patterns/{user_id}", s.instrumented("/v1/memory/patterns/{user_id}", s.handleMemoryPatterns))
	mux.HandleFunc("DELETE /v1/memory/{id}", s.instrumented("/v1/memory/{id}", s.handleMemoryDelete))
	mux.HandleFunc("GET /v1/memory/health", s.instrumented("/v1/memory/health", s.handleMemoryHealth))
	mux.HandleFunc("GET /v1/memory/stream", s.instrumented("/v1/memory/stream", s.handleMemoryStream))

	// Capabilities
	mux.HandleFunc("GET /v1/capabilities", s.instrumented("/v1/capabilities", s.handleListCapabilities))
	mux.HandleFunc("GET /v1/{capability}/health", s.instrumented("/v1/{capability}/health", s.handleCapabilityHealth))
	mux.HandleFunc("POST /v1/{capability}/{action}", s.instrumented("/v1/{capability}/{action}", s.handleCapability))

	return corsMiddleware(s.origins, s.traceMiddleware(rateLimitMiddleware(s.limiter, apiKeyMiddleware(s.auth, mux))))
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"service":        serviceName,
		"build":          buildinfo.Fields(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

// requestMeta is resolved once per API request by traceMiddleware.
type requestMeta struct {
	TraceID         string
	BehaviorVersion string
}

type requestMetaKey struct{}

func metaFromRequest(r *http.Request) requestMeta {
	if meta, ok := r.Context().Value(requestMetaKey{}).(requestMeta); ok {
		return meta
	}
	return requestMeta{}
}

// traceMiddleware assigns the trace id, resolves the behavior version and
// stamps both on the response before anything else can fail.
func (s *server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAPIPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		meta := requestMeta{
			TraceID:         traceIDFrom(r),
			BehaviorVersion: s.cfg.DefaultBehaviorVersion,
		}
		w.Header().Set(upstream.HeaderTraceID, meta.TraceID)
		requested := headerValue(r, upstream.HeaderBehaviorVersion)
		if requested != "" && !behaviorVersionPattern.MatchString(requested) {
			w.Header().Set(upstream.HeaderBehaviorVersion, meta.BehaviorVersion)
			scope := scopeForPath(r.URL.Path)
			apierr.Write(w, scope, apierr.BadInput(scope, "X-Behavior-Version must match [A-Za-z0-9._-]{1,64}"))
			return
		}
		if requested != "" {
			meta.BehaviorVersion = requested
		}
		w.Header().Set(upstream.HeaderBehaviorVersion, meta.BehaviorVersion)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestMetaKey{}, meta)))
	})
}

// traceIDFrom keeps a caller-supplied UUID trace id and mints a fresh one
// otherwise.
func traceIDFrom(r *http.Request) string {
	if raw := headerValue(r, upstream.HeaderTraceID); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			return id.String()
		}
	}
	return uuid.NewString()
}

// readBody reads a bounded request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
		}
		return nil, errors.New("body could not be read")
	}
	return data, nil
}

// decodeValidated checks body against the schema id and decodes it into out.
func (s *server) decodeValidated(body []byte, schemaID string, out any) error {
	if len(body) == 0 {
		return errors.New("body is required")
	}
	if err := s.schemas.Validate(schemaID, json.RawMessage(body)); err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			return verr
		}
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.New("body does not match the expected shape")
	}
	return nil
}

// fail writes the error envelope and logs it without request content.
func (s *server) fail(w http.ResponseWriter, r *http.Request, scope string, err error) {
	apiErr := apierr.Write(w, scope, err)
	meta := metaFromRequest(r)
	kv := []any{"code", apiErr.Code, "trace_id", meta.TraceID, "route", r.URL.Path}
	switch status := apiErr.HTTPStatus(); {
	case status >= http.StatusInternalServerError:
		logging.Error("gateway", "request failed", append(kv, "status", status, "error", err)...)
	case status == http.StatusTooManyRequests || status == http.StatusForbidden:
		logging.Warn("gateway", "request rejected", append(kv, "status", status)...)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking support to the underlying writer when available.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

// Flush preserves streaming support if the wrapped writer implements it.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record metrics.
func (s *server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
		}
	}
}
