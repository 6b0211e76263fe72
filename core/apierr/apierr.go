// Package apierr maps internal failures to the uniform error envelope
// `{"error": {"code", "message", "retry_after_ms"?}}` served to API callers.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/soullab/kernel-gateway/core/upstream"
)

// Class is a failure class in the error taxonomy.
type Class string

const (
	ClassBadInput              Class = "bad_input"
	ClassTimeout               Class = "timeout"
	ClassUpstreamUnavailable   Class = "upstream_unavailable"
	ClassInsufficientPrivilege Class = "insufficient_privilege"
	ClassNotFound              Class = "not_found"
	ClassInternalStoreFailure  Class = "internal_store_failure"
	ClassUnauthorized          Class = "unauthorized"
	ClassRateLimited           Class = "rate_limited"
	ClassInternal              Class = "internal"
)

const (
	// TimeoutBackoff is the fixed retry hint attached to timeouts.
	TimeoutBackoff = 2000 * time.Millisecond
	// UnavailableBackoff is used when an unavailable upstream sent no hint.
	UnavailableBackoff = 5000 * time.Millisecond
)

// Error is a classified failure ready to be rendered as an envelope.
type Error struct {
	Class   Class
	Code    string
	Message string
	// Status overrides the class status when non-zero (health check codes).
	Status     int
	RetryAfter time.Duration
	HasRetry   bool
	// Err is kept for logs only and never rendered.
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RetryDelay reports the retry hint, matching the retry-delay provider shape
// used by the bus package.
func (e *Error) RetryDelay() time.Duration {
	if e == nil || !e.HasRetry {
		return 0
	}
	return e.RetryAfter
}

// HTTPStatus returns the HTTP status for the error's class.
func (e *Error) HTTPStatus() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	if e.Status != 0 {
		return e.Status
	}
	switch e.Class {
	case ClassBadInput:
		return http.StatusBadRequest
	case ClassTimeout:
		return http.StatusGatewayTimeout
	case ClassUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case ClassInsufficientPrivilege:
		return http.StatusForbidden
	case ClassNotFound:
		return http.StatusNotFound
	case ClassUnauthorized:
		return http.StatusUnauthorized
	case ClassRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func code(scope, suffix string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		scope = "gateway"
	}
	return scope + "_" + suffix
}

func BadInput(scope, reason string) *Error {
	if strings.TrimSpace(reason) == "" {
		reason = "request is invalid"
	}
	return &Error{Class: ClassBadInput, Code: code(scope, "invalid_request"), Message: reason}
}

func Timeout(scope string, err error) *Error {
	return &Error{
		Class:      ClassTimeout,
		Code:       code(scope, "timeout"),
		Message:    scope + " did not respond in time",
		RetryAfter: TimeoutBackoff,
		HasRetry:   true,
		Err:        err,
	}
}

// Unavailable builds an upstream-unavailable error. A missing hint falls back
// to UnavailableBackoff.
func Unavailable(scope string, hint time.Duration, hasHint bool, err error) *Error {
	if !hasHint {
		hint = UnavailableBackoff
	}
	if hint < 0 {
		hint = 0
	}
	return &Error{
		Class:      ClassUpstreamUnavailable,
		Code:       code(scope, "unavailable"),
		Message:    scope + " is unavailable",
		RetryAfter: hint,
		HasRetry:   true,
		Err:        err,
	}
}

func InsufficientTier(scope, tier string) *Error {
	msg := "tier is not allowed to use " + scope
	if tier != "" {
		msg = fmt.Sprintf("tier %q is not allowed to use %s", tier, scope)
	}
	return &Error{Class: ClassInsufficientPrivilege, Code: code(scope, "insufficient_tier"), Message: msg}
}

func NotFound(scope, what string) *Error {
	if what == "" {
		what = "resource"
	}
	return &Error{Class: ClassNotFound, Code: code(scope, "not_found"), Message: what + " not found"}
}

func StoreFailure(scope string, err error) *Error {
	return &Error{
		Class:   ClassInternalStoreFailure,
		Code:    code(scope, "store_failure"),
		Message: "storage operation failed",
		Err:     err,
	}
}

func Unauthorized(scope string) *Error {
	return &Error{Class: ClassUnauthorized, Code: code(scope, "unauthorized"), Message: "missing or invalid api key"}
}

func RateLimited(scope string, delay time.Duration) *Error {
	if delay < 0 {
		delay = 0
	}
	return &Error{
		Class:      ClassRateLimited,
		Code:       code(scope, "rate_limited"),
		Message:    "rate limit exceeded",
		RetryAfter: delay,
		HasRetry:   true,
	}
}

func Internal(scope string, err error) *Error {
	return &Error{Class: ClassInternal, Code: code(scope, "internal_error"), Message: "internal error", Err: err}
}

// FromUpstream classifies an upstream client failure for the capability scope.
func FromUpstream(scope string, err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var upErr *upstream.Error
	if !errors.As(err, &upErr) {
		return Internal(scope, err)
	}
	if upErr.Kind == upstream.KindTimeout {
		return Timeout(scope, err)
	}
	hint, ok := upErr.RetryHint()
	return Unavailable(scope, hint, ok, err)
}

// FromHealth classifies a failed health check: no response is
// `<cap>_unreachable`, a non-2xx response is `<cap>_unhealthy`. Both are 503.
func FromHealth(capability string, err error) *Error {
	var upErr *upstream.Error
	if errors.As(err, &upErr) && upErr.Kind == upstream.KindUnavailable && upErr.Status > 0 {
		e := &Error{
			Class:   ClassUpstreamUnavailable,
			Code:    code(capability, "unhealthy"),
			Message: fmt.Sprintf("%s health check returned status %d", capability, upErr.Status),
			Status:  http.StatusServiceUnavailable,
			Err:     err,
		}
		if hint, ok := upErr.RetryHint(); ok {
			e.RetryAfter, e.HasRetry = hint, true
		}
		return e
	}
	return &Error{
		Class:   ClassUpstreamUnavailable,
		Code:    code(capability, "unreachable"),
		Message: capability + " health check did not respond",
		Status:  http.StatusServiceUnavailable,
		Err:     err,
	}
}

// Body is the inner envelope object.
type Body struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs *int64 `json:"retry_after_ms,omitempty"`
}

// Envelope is the serialized error shape.
type Envelope struct {
	Error Body `json:"error"`
}

// Envelope renders the caller-safe view of e.
func (e *Error) Envelope() Envelope {
	body := Body{Code: e.Code, Message: e.Message}
	if e.HasRetry {
		ms := e.RetryAfter.Milliseconds()
		body.RetryAfterMs = &ms
	}
	return Envelope{Error: body}
}

// From returns err as *Error, classifying unknown errors as internal.
func From(scope string, err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return apiErr
	}
	return Internal(scope, err)
}

// Write renders err as an envelope. A retry hint also sets Retry-After in
// whole seconds, rounded up.
func Write(w http.ResponseWriter, scope string, err error) *Error {
	apiErr := From(scope, err)
	if apiErr.HasRetry {
		secs := int64(math.Ceil(apiErr.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(apiErr.Envelope())
	return apiErr
}
