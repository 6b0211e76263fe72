package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/soullab/kernel-gateway/core/infra/config"
	"github.com/soullab/kernel-gateway/core/memory"
)

// recordingNotifier captures events delivered by the hub or the bus bridge.
type recordingNotifier struct {
	mu     sync.Mutex
	events []memory.Event
}

func (n *recordingNotifier) Notify(evt memory.Event) {
	n.mu.Lock()
	n.events = append(n.events, evt)
	n.mu.Unlock()
}

func (n *recordingNotifier) snapshot() []memory.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]memory.Event(nil), n.events...)
}

// loopbackBus delivers published messages synchronously to subscribers whose
// subject matches, the way NATS would across replicas.
type loopbackBus struct {
	mu        sync.Mutex
	published []string
	handlers  map[string][]func(string, []byte) error
	failWith  error
}

func newLoopbackBus() *loopbackBus {
	return &loopbackBus{handlers: map[string][]func(string, []byte) error{}}
}

func (b *loopbackBus) PublishJSON(subject string, v any) error {
	if b.failWith != nil {
		return b.failWith
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.published = append(b.published, subject)
	var targets []func(string, []byte) error
	for pattern, hs := range b.handlers {
		if subjectMatches(pattern, subject) {
			targets = append(targets, hs...)
		}
	}
	b.mu.Unlock()
	for _, h := range targets {
		if err := h(subject, data); err != nil {
			return err
		}
	}
	return nil
}

func (b *loopbackBus) Subscribe(subject string, handler func(string, []byte) error) error {
	if handler == nil {
		return errors.New("nil handler")
	}
	b.mu.Lock()
	b.handlers[subject] = append(b.handlers[subject], handler)
	b.mu.Unlock()
	return nil
}

func (b *loopbackBus) subjects() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.published...)
}

func subjectMatches(pattern, subject string) bool {
	if prefix, ok := strings.CutSuffix(pattern, ">"); ok {
		return strings.HasPrefix(subject, prefix)
	}
	return pattern == subject
}

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// steppingClock returns start on the first call and advances by step on each
// call after that.
func steppingClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := next
		next = next.Add(step)
		return now
	}
}

type testGateway struct {
	*server
	store    *memory.Service
	handler  http.Handler
	upstream *httptest.Server
}

type gatewayOption func(*config.Config, *serverDeps)

func withCapability(c config.Capability) gatewayOption {
	return func(cfg *config.Config, _ *serverDeps) {
		cfg.Capabilities[c.Name] = c
	}
}

func withAuth(a AuthProvider) gatewayOption {
	return func(_ *config.Config, deps *serverDeps) {
		deps.Auth = a
	}
}

func withRateLimit(rps float64, burst int) gatewayOption {
	return func(cfg *config.Config, _ *serverDeps) {
		cfg.RateLimitRPS = rps
		cfg.RateLimitBurst = burst
	}
}

func withOrigins(origins ...string) gatewayOption {
	return func(cfg *config.Config, _ *serverDeps) {
		cfg.AllowedOrigins = origins
	}
}

func withTrustedTierHeader() gatewayOption {
	return func(cfg *config.Config, _ *serverDeps) {
		cfg.TrustTierHeader = true
	}
}

func withHealthTimeout(d time.Duration) gatewayOption {
	return func(cfg *config.Config, _ *serverDeps) {
		cfg.HealthTimeout = d
	}
}

// newTestGateway builds a server whose facet, deliberation and practices
// capabilities all point at upstreamHandler, backed by an in-process store.
func newTestGateway(t *testing.T, upstreamHandler http.Handler, opts ...gatewayOption) *testGateway {
	t.Helper()
	return newTestGatewayWithBackend(t, memory.NewMemoryBackend(), upstreamHandler, opts...)
}

func newTestGatewayWithBackend(t *testing.T, backend memory.Backend, upstreamHandler http.Handler, opts ...gatewayOption) *testGateway {
	t.Helper()
	if upstreamHandler == nil {
		upstreamHandler = http.NotFoundHandler()
	}
	up := httptest.NewServer(upstreamHandler)
	t.Cleanup(up.Close)

	cfg := &config.Config{
		DefaultBehaviorVersion: "2026-01",
		UpstreamTimeout:        2 * time.Second,
		HealthTimeout:          time.Second,
		Capabilities: map[string]config.Capability{
			"facet":        {Name: "facet", BaseURL: up.URL, Actions: []string{"detect"}},
			"deliberation": {Name: "deliberation", BaseURL: up.URL, Actions: []string{"deliberate", "review"}},
			"practices":    {Name: "practices", BaseURL: up.URL, Actions: []string{"generate"}},
		},
	}
	hub := newStreamHub()
	t.Cleanup(hub.Close)
	deps := serverDeps{Hub: hub}
	for _, opt := range opts {
		opt(cfg, &deps)
	}
	store := memory.NewService(backend, memory.WithNotifier(hub), memory.WithClock(steppingClock(testEpoch, time.Second)))
	t.Cleanup(func() { _ = store.Close() })
	deps.Store = store

	s, err := newServer(cfg, deps)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testGateway{server: s, store: store, handler: s.handler(), upstream: up}
}

func (g *testGateway) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

// errorCode extracts error.code from an envelope response.
func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	envelope, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error envelope, got %s", rec.Body.String())
	}
	code, _ := envelope["code"].(string)
	return code
}

func tenantBody(extra map[string]any) map[string]any {
	body := map[string]any{"org_id": "o1", "space_id": "s1", "user_id": "u1"}
	for k, v := range extra {
		body[k] = v
	}
	return body
}

func newIPv4Server(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping: unable to listen on ipv4 loopback (%v)", err)
	}
	srv := httptest.NewUnstartedServer(handler)
	srv.Listener = ln
	srv.Start()
	return srv
}
