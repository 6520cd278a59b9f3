// Package maitrederr defines the error kind taxonomy shared by the gateway,
// the runner, and every component between them.
//
// Kinds classify failures for propagation decisions (retry, fallback, recover
// in-loop, surface immediately) and for the HTTP status + body the gateway
// renders. Components wrap underlying causes with [New] or [Wrap]; callers
// classify with [KindOf] and [errors.Is]/[errors.As] as usual.
package maitrederr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for routing and rendering decisions.
type Kind int

const (
	// KindInternal is a bug or unrecoverable invariant violation.
	KindInternal Kind = iota

	// KindValidation is a malformed request.
	KindValidation

	// KindAuth is a missing or invalid credential.
	KindAuth

	// KindNotFound is an unknown model, server, or tool.
	KindNotFound

	// KindBudgetExceeded is a ledger denial.
	KindBudgetExceeded

	// KindUnavailable means no provider can serve: breaker open or fallback
	// exhausted.
	KindUnavailable

	// KindTimeout is a deadline exceeded.
	KindTimeout

	// KindCancelled is a client disconnect.
	KindCancelled

	// KindBreakerOpen is a short-circuited target. Internal only; the gateway
	// maps it to Unavailable before rendering.
	KindBreakerOpen

	// KindToolError is a structured tool-level error returned by an MCP
	// server. Fed back to the model as an observation, never surfaced to the
	// client as a failure.
	KindToolError
)

// String returns the wire code for the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindBudgetExceeded:
		return "budget_exceeded"
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindBreakerOpen:
		return "breaker_open"
	case KindToolError:
		return "tool_error"
	default:
		return "internal"
	}
}

// ParseKind maps a wire code back to its kind. Unknown codes parse as
// Internal, mirroring [Kind.String].
func ParseKind(code string) Kind {
	switch code {
	case "validation":
		return KindValidation
	case "auth":
		return KindAuth
	case "not_found":
		return KindNotFound
	case "budget_exceeded":
		return KindBudgetExceeded
	case "unavailable":
		return KindUnavailable
	case "timeout":
		return KindTimeout
	case "cancelled":
		return KindCancelled
	case "breaker_open":
		return KindBreakerOpen
	case "tool_error":
		return KindToolError
	}
	return KindInternal
}

// HTTPStatus maps the kind to the status code the gateway renders.
// BreakerOpen deliberately maps like Unavailable; it must not leak.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindBudgetExceeded:
		return http.StatusTooManyRequests
	case KindUnavailable, KindBreakerOpen:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		// The client is gone; the code is nominal.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a kind alongside a message and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// RetryAfterSeconds, when > 0, is rendered as the retry_after field in
	// the client-facing error body.
	RetryAfterSeconds int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error with the given kind and formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates cause with a kind and message. A nil cause yields nil.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the kind from err. Plain context errors classify as
// Timeout / Cancelled; anything unclassified is Internal.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}

// IsTransient reports whether err belongs to the transient/availability class
// that the provider fallback policy may retry: timeouts, unavailability, and
// open breakers.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindUnavailable, KindBreakerOpen:
		return true
	}
	return false
}
