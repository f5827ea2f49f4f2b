// Package apierr defines the stable error codes surfaced to clients and the
// JSON envelope every non-2xx response carries.
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code is a stable, user-visible error code.
type Code string

const (
	CodeAuthRequired        Code = "auth_required"
	CodeForbidden           Code = "forbidden"
	CodeRateLimited         Code = "rate_limited"
	CodeUnknownIntent       Code = "unknown_intent"
	CodeOffByPolicy         Code = "off_by_policy"
	CodeUpstreamUnreachable Code = "upstream_unreachable"
	CodeUpstreamTimeout     Code = "upstream_timeout"
	CodeProviderUnavailable Code = "provider_unavailable"
	CodeDaughterTimeout     Code = "daughter_timeout"
	CodeBadRequest          Code = "bad_request"
	CodeConflict            Code = "conflict"
	CodeNotFound            Code = "not_found"
	CodeInternal            Code = "internal_error"
)

// DefaultRetryAfter is the hint attached to upstream_unreachable when the
// peer gave none.
const DefaultRetryAfter = time.Second

// Error is the typed failure passed between components.
type Error struct {
	Code    Code
	Reason  string
	Details map[string]any
	// Policy names the active policy mode on off_by_policy rejections.
	Policy string
	// RetryAfter is the hint surfaced as retry_after_ms. HasRetryAfter
	// distinguishes an explicit zero hint from no hint.
	RetryAfter    time.Duration
	HasRetryAfter bool
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
	}
	if e.Reason == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with a formatted reason.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that keeps err as its cause.
func Wrap(code Code, err error, reason string) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// WithRetryAfter sets the retry hint and returns e.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	if d < 0 {
		d = 0
	}
	e.RetryAfter = d
	e.HasRetryAfter = true
	return e
}

// WithDetail adds one key to Details and returns e.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// From returns err as an *Error, classifying unknown errors as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(CodeUpstreamTimeout, err, "deadline exceeded")
	}
	return Wrap(CodeInternal, err, "internal error")
}

// CodeOf returns the stable code for err ("" for nil).
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return From(err).Code
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsTransient is the single retry predicate.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodeUpstreamUnreachable, CodeUpstreamTimeout, CodeProviderUnavailable, CodeDaughterTimeout:
		return true
	}
	return false
}

// HTTPStatus maps a code to its response status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeAuthRequired:
		return http.StatusUnauthorized
	case CodeForbidden, CodeOffByPolicy:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnknownIntent, CodeNotFound:
		return http.StatusNotFound
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	case CodeUpstreamUnreachable:
		return http.StatusBadGateway
	case CodeUpstreamTimeout, CodeDaughterTimeout:
		return http.StatusGatewayTimeout
	case CodeProviderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// CodeForStatus is the inverse used when a peer answered without an envelope.
func CodeForStatus(status int) Code {
	switch {
	case status == http.StatusUnauthorized:
		return CodeAuthRequired
	case status == http.StatusForbidden:
		return CodeForbidden
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusConflict:
		return CodeConflict
	case status == http.StatusGatewayTimeout:
		return CodeUpstreamTimeout
	case status == http.StatusServiceUnavailable:
		return CodeProviderUnavailable
	case status >= 500:
		return CodeUpstreamUnreachable
	case status >= 400:
		return CodeBadRequest
	}
	return CodeInternal
}

// Envelope is the JSON body of every non-2xx response.
type Envelope struct {
	Status        string         `json:"status"`
	Code          Code           `json:"code"`
	Reason        string         `json:"reason"`
	Policy        string         `json:"policy,omitempty"`
	RetryAfterMs  *int64         `json:"retry_after_ms,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	Timestamp     string         `json:"timestamp"`
}

func statusFor(code Code) string {
	switch code {
	case CodeOffByPolicy:
		return "off_by_policy"
	case CodeRateLimited:
		return "rate_limited"
	case CodeNotFound:
		return "not_found"
	}
	return "error"
}

// EnvelopeFor renders err as an Envelope stamped at now.
func EnvelopeFor(err error, correlationID string, now time.Time) Envelope {
	ae := From(err)
	env := Envelope{
		Status:        statusFor(ae.Code),
		Code:          ae.Code,
		Reason:        ae.Reason,
		Policy:        ae.Policy,
		CorrelationID: correlationID,
		Details:       ae.Details,
		Timestamp:     now.UTC().Format(time.RFC3339Nano),
	}
	if env.Reason == "" {
		env.Reason = string(ae.Code)
	}
	if ae.HasRetryAfter {
		ms := ae.RetryAfter.Milliseconds()
		env.RetryAfterMs = &ms
	}
	return env
}

// Write sends err as a JSON envelope with its mapped status.
func Write(w http.ResponseWriter, err error, correlationID string) {
	env := EnvelopeFor(err, correlationID, time.Now())
	w.Header().Set("Content-Type", "application/json")
	if env.RetryAfterMs != nil && *env.RetryAfterMs > 0 {
		secs := (*env.RetryAfterMs + 999) / 1000
		w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
	}
	w.WriteHeader(HTTPStatus(env.Code))
	_ = json.NewEncoder(w).Encode(env)
}

// FromResponse decodes a peer's error envelope back into an *Error. Bodies
// that are not envelopes are classified by status code.
func FromResponse(status int, body []byte) *Error {
	var env Envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Code != "" {
		ae := &Error{Code: env.Code, Reason: env.Reason, Details: env.Details, Policy: env.Policy}
		if env.RetryAfterMs != nil {
			ae.WithRetryAfter(time.Duration(*env.RetryAfterMs) * time.Millisecond)
		}
		return ae
	}
	return New(CodeForStatus(status), "upstream returned HTTP %d", status)
}
