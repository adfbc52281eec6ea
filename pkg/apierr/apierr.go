// Package apierr implements the engine's closed error taxonomy and its
// mapping to HTTP status codes and wire error envelopes (C12).
package apierr

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind is one of the closed set of error kinds defined in spec.md §4.12.
type Kind string

const (
	InvalidRequest      Kind = "invalid_request_error"
	Unauthenticated     Kind = "unauthenticated_error"
	Forbidden           Kind = "forbidden_error"
	ModelNotFound       Kind = "model_not_found_error"
	RateLimited         Kind = "rate_limited_error"
	Cancelled           Kind = "cancelled_error"
	InternalError       Kind = "internal_error"
	Timeout             Kind = "timeout_error"
	InsufficientStorage Kind = "insufficient_storage_error"
)

// httpStatus maps each Kind to its HTTP status per spec.md §4.12.
var httpStatus = map[Kind]int{
	InvalidRequest:      http.StatusBadRequest,
	Unauthenticated:     http.StatusUnauthorized,
	Forbidden:           http.StatusForbidden,
	ModelNotFound:       http.StatusNotFound,
	RateLimited:         http.StatusTooManyRequests,
	Cancelled:           499,
	InternalError:       http.StatusInternalServerError,
	Timeout:             http.StatusGatewayTimeout,
	InsufficientStorage: http.StatusInsufficientStorage,
}

// RateLimitHeaders carries the six X-RateLimit-* values spec.md §6 requires
// on a rate-limited response, covering the requests and tokens buckets
// separately. A bucket whose Limit field is zero is treated as "not
// applicable" and its three headers are omitted; a zero Remaining on an
// active bucket is still written.
type RateLimitHeaders struct {
	LimitRequests     int
	RemainingRequests int
	ResetRequestsSecs int

	LimitTokens     int
	RemainingTokens int
	ResetTokensSecs int
}

// Error is the engine's single error type. It implements the error
// interface and carries enough detail to build both an HTTP response and a
// streaming Error frame.
type Error struct {
	Kind       Kind
	Message    string
	Param      string
	Code       string
	ResetAfter int // seconds; only meaningful for RateLimited
	RateLimit  *RateLimitHeaders
	cause      error
}

func (e *Error) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (param=%s)", e.Kind, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status code for this error's kind.
func (e *Error) Status() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New creates an Error of the given kind with a user-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind that carries a user-safe message while
// preserving the underlying cause for logs (never surfaced to the client).
func Wrap(kind Kind, userMessage string, cause error) *Error {
	return &Error{Kind: kind, Message: userMessage, cause: cause}
}

// WithParam returns a copy of e annotated with the offending field name.
func (e *Error) WithParam(param string) *Error {
	clone := *e
	clone.Param = param
	return &clone
}

// WithCode returns a copy of e annotated with a stable machine-readable code.
func (e *Error) WithCode(code string) *Error {
	clone := *e
	clone.Code = code
	return &clone
}

// WithResetAfter returns a copy of e annotated with a rate-limit reset hint.
func (e *Error) WithResetAfter(seconds int) *Error {
	clone := *e
	clone.ResetAfter = seconds
	return &clone
}

// WithRateLimitHeaders returns a copy of e annotated with the full set of
// requests/tokens rate-limit headers to emit alongside the response.
func (e *Error) WithRateLimitHeaders(h RateLimitHeaders) *Error {
	clone := *e
	clone.RateLimit = &h
	return &clone
}

// envelope is the wire shape: {"error": {"message", "type", "param"?, "code"?}}.
type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Message string `json:"message"`
	Type    Kind   `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Envelope returns the JSON-serializable wire error envelope for e.
func (e *Error) Envelope() any {
	return envelope{Error: envelopeBody{
		Message: e.Message,
		Type:    e.Kind,
		Param:   e.Param,
		Code:    e.Code,
	}}
}

// WriteHTTP writes the error as a JSON body with the mapped HTTP status,
// including the rate-limit reset header when applicable.
func WriteHTTP(w http.ResponseWriter, err error) {
	apiErr := From(err)
	if apiErr.Kind == RateLimited {
		writeRateLimitHeaders(w, apiErr)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status())
	_ = json.NewEncoder(w).Encode(apiErr.Envelope())
}

// writeRateLimitHeaders emits the X-RateLimit-* headers spec.md §6 defines.
// When RateLimit is set it writes the three headers of each bucket whose
// Limit is above zero;
// otherwise it falls back to the older single reset-after header.
func writeRateLimitHeaders(w http.ResponseWriter, apiErr *Error) {
	h := apiErr.RateLimit
	if h == nil {
		if apiErr.ResetAfter > 0 {
			w.Header().Set("X-RateLimit-Reset-Requests", fmt.Sprintf("%d", apiErr.ResetAfter))
		}
		return
	}
	set := func(name string, v int) { w.Header().Set(name, fmt.Sprintf("%d", v)) }
	if h.LimitRequests > 0 {
		set("X-RateLimit-Limit-Requests", h.LimitRequests)
		set("X-RateLimit-Remaining-Requests", h.RemainingRequests)
		set("X-RateLimit-Reset-Requests", h.ResetRequestsSecs)
	}
	if h.LimitTokens > 0 {
		set("X-RateLimit-Limit-Tokens", h.LimitTokens)
		set("X-RateLimit-Remaining-Tokens", h.RemainingTokens)
		set("X-RateLimit-Reset-Tokens", h.ResetTokensSecs)
	}
}

// From coerces any error into an *Error, mapping unrecognized errors to
// InternalError with an opaque message (never leaking internal detail).
func From(err error) *Error {
	if err == nil {
		return New(InternalError, "unknown error")
	}
	var apiErr *Error
	if as, ok := err.(*Error); ok {
		apiErr = as
	} else {
		apiErr = Wrap(InternalError, "an internal error occurred", err)
	}
	return apiErr
}
