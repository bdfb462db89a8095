// Package apperr defines the stable error kinds shared by the MS and the
// worklet. Components log an error once at the nearest boundary and return it
// unchanged; handlers translate kinds into HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable string identifying an error class.
type Kind string

const (
	KindInvalidRequest       Kind = "invalid_request"
	KindNotFound             Kind = "not_found"
	KindAlreadyExists        Kind = "already_exists"
	KindUnavailable          Kind = "unavailable"
	KindTimeout              Kind = "timeout"
	KindNoCandidateBackend   Kind = "no_candidate_backend"
	KindUnsupportedOperation Kind = "unsupported_operation"
	KindInvalidConfiguration Kind = "invalid_configuration"
	KindUpstreamError        Kind = "upstream_error"
	KindNotSupported         Kind = "not_supported"
	KindInternal             Kind = "internal"
)

// Error carries a kind, a message and an optional wrapped cause.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors by kind so callers can use errors.Is with a bare kind error.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(err error, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithRetryable marks an error as retryable at the caller.
func (e *Error) WithRetryable() *Error {
	e.Retryable = true
	return e
}

// KindOf extracts the kind from an error chain; unknown errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// HTTPStatus projects an error kind onto the gateway's status codes.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindNotSupported, KindUnsupportedOperation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
