// Package upstream calls backend capability services over HTTP with a hard
// per-call timeout and classifies every outcome. It never retries.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/soullab/kernel-gateway/core/infra/metrics"
)

const (
	// DefaultTimeout bounds a capability call when the caller sets none.
	DefaultTimeout = 8000 * time.Millisecond
	// DefaultHealthTimeout bounds health checks.
	DefaultHealthTimeout = 3000 * time.Millisecond

	HeaderTraceID         = "X-SK-Trace-Id"
	HeaderBehaviorVersion = "X-Behavior-Version"

	maxResponseBytes = 4 << 20
	maxRawBodyChars  = 2048
)

// Kind classifies a failed upstream call.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindUnavailable Kind = "upstream_unavailable"
)

// Error is the typed failure returned by Call and Health.
type Error struct {
	Kind Kind
	// Status is the upstream HTTP status, or 0 when no response arrived.
	Status int
	// Body holds the decoded JSON error body, or the raw text when it is not JSON.
	Body          any
	RetryAfter    time.Duration
	HasRetryAfter bool
	Err           error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Kind == KindTimeout:
		return "upstream timeout"
	case e.Status > 0:
		return fmt.Sprintf("upstream returned status %d", e.Status)
	case e.Err != nil:
		return fmt.Sprintf("upstream unavailable: %v", e.Err)
	default:
		return "upstream unavailable"
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RetryHint returns the upstream-supplied retry delay, if any.
func (e *Error) RetryHint() (time.Duration, bool) {
	if e == nil || !e.HasRetryAfter {
		return 0, false
	}
	return e.RetryAfter, true
}

// Request describes one call to a capability service.
type Request struct {
	// Capability labels metrics and logs; it is not sent upstream.
	Capability string
	Method     string
	URL        string
	Payload    any
	Timeout    time.Duration
	Headers    map[string]string
}

// Client issues timeout-bounded calls to capability services.
type Client struct {
	httpClient *http.Client
	metrics    metrics.UpstreamMetrics
	now        func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client. Its Timeout is ignored in
// favor of the per-call context deadline.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithMetrics records call outcomes.
func WithMetrics(m metrics.UpstreamMetrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithClock overrides the clock used to resolve HTTP-date retry hints.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient constructs a Client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		metrics:    metrics.Noop{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call issues the request and returns the decoded JSON body on a 2xx
// response (an empty object when the body is empty). Failures are *Error.
func (c *Client) Call(ctx context.Context, req Request) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if req.Payload != nil {
		data, err := json.Marshal(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode upstream payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	out, err := c.do(callCtx, httpReq)
	c.metrics.ObserveUpstream(req.Capability, outcomeLabel(err), time.Since(start).Seconds())
	return out, err
}

// Health calls GET <baseURL>/health with a short fixed timeout.
func (c *Client) Health(ctx context.Context, capability, url string, timeout time.Duration, headers map[string]string) (any, error) {
	if timeout <= 0 {
		timeout = DefaultHealthTimeout
	}
	return c.Call(ctx, Request{
		Capability: capability,
		Method:     http.MethodGet,
		URL:        url,
		Timeout:    timeout,
		Headers:    headers,
	})
}

func (c *Client) do(ctx context.Context, httpReq *http.Request) (any, error) {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		// A deadline firing mid-body still counts as a timeout; partial bodies are discarded.
		return nil, classifyTransport(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upErr := &Error{
			Kind:   KindUnavailable,
			Status: resp.StatusCode,
			Body:   decodeErrorBody(data),
		}
		if delay, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), c.now()); ok {
			upErr.RetryAfter = delay
			upErr.HasRetryAfter = true
		}
		return nil, upErr
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return map[string]any{}, nil
	}
	var out any
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, &Error{
			Kind:   KindUnavailable,
			Status: resp.StatusCode,
			Body:   truncate(string(trimmed)),
			Err:    fmt.Errorf("decode upstream body: %w", err),
		}
	}
	return out, nil
}

func classifyTransport(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindUnavailable, Err: err}
}

func decodeErrorBody(data []byte) any {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(trimmed, &parsed); err == nil {
		return parsed
	}
	return truncate(string(trimmed))
}

func truncate(s string) string {
	if len(s) <= maxRawBodyChars {
		return s
	}
	return s[:maxRawBodyChars]
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var upErr *Error
	if !errors.As(err, &upErr) {
		return "error"
	}
	switch {
	case upErr.Kind == KindTimeout:
		return "timeout"
	case upErr.Status > 0:
		return "error_status"
	default:
		return "unreachable"
	}
}
