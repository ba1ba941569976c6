// Package apperror defines the error taxonomy shared by every AmityVox
// subsystem. Handlers and gateway sessions map a Kind to an HTTP status or a
// WebSocket close code without needing to know which package raised it.
package apperror

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of HTTP/gateway mapping and
// retry policy. It is not a type name — many call sites share a Kind.
type Kind string

const (
	Validation           Kind = "validation"
	Unauthorized         Kind = "unauthorized"
	Forbidden            Kind = "forbidden"
	NotFound             Kind = "not_found"
	Conflict             Kind = "conflict"
	RateLimited          Kind = "rate_limited"
	DatastoreUnavailable Kind = "datastore_unavailable"
	ClockRegression      Kind = "clock_regression"
	Internal             Kind = "internal"
)

// Error is the concrete error type raised across the core. Message is safe
// to return to a client; Err, if set, carries internal detail for logging
// only and is never serialized.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter int // seconds; only meaningful for RateLimited
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error's Kind to the status code defined in the error
// handling design (§7).
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case Validation:
		return 400
	case Unauthorized:
		return 401
	case Forbidden:
		return 403
	case NotFound:
		return 404
	case Conflict:
		return 409
	case RateLimited:
		return 429
	case DatastoreUnavailable:
		return 503
	case ClockRegression:
		return 500
	default:
		return 500
	}
}

// GatewayCloseCode maps the error's Kind to a gateway close code, for errors
// raised while handling a frame within a Ready session. Not every Kind has a
// sensible gateway mapping; ok is false for those (Forbidden events are
// filtered silently rather than closing the connection, NotFound has no
// gateway meaning).
func (e *Error) GatewayCloseCode() (code int, ok bool) {
	switch e.Kind {
	case Validation:
		return 4002, true
	case Unauthorized:
		return 4003, true
	case RateLimited:
		return 4008, true
	case DatastoreUnavailable, ClockRegression, Internal:
		return 4000, true
	default:
		return 0, false
	}
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func NewValidation(format string, args ...interface{}) *Error {
	return New(Validation, fmt.Sprintf(format, args...))
}

func NewUnauthorized(message string) *Error { return New(Unauthorized, message) }
func NewForbidden(message string) *Error    { return New(Forbidden, message) }

func NewNotFound(what string) *Error {
	return New(NotFound, fmt.Sprintf("%s not found", what))
}

func NewConflict(message string) *Error { return New(Conflict, message) }

func NewRateLimited(retryAfterSeconds int) *Error {
	return &Error{Kind: RateLimited, Message: "rate limit exceeded", RetryAfter: retryAfterSeconds}
}

func NewDatastoreUnavailable(err error) *Error {
	return Wrap(DatastoreUnavailable, "datastore unavailable", err)
}

func NewClockRegression(message string) *Error {
	return New(ClockRegression, message)
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, and
// Internal otherwise — so callers can classify opaque errors from
// collaborators without a type assertion at every call site.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return Internal
}

// Is reports whether err is (or wraps) an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
