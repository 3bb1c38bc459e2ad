// Package fault defines the tagged error kinds surfaced by every public
// entry point of the broker. Errors are values at the boundary; only
// storage corruption and audit unavailability propagate as failures the
// HTTP layer must turn into a 500.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the machine-readable error code carried on every error response.
type Kind string

const (
	Validation        Kind = "validation_error"
	MissingPermission Kind = "missing_permission"
	SelfApproval      Kind = "forbidden_self_approval"
	StateConflict     Kind = "state_conflict"
	NotFound          Kind = "not_found"
	PolicyMissing     Kind = "policy_missing"
	WrapperFailure    Kind = "wrapper_failure"
	WrapperTimeout    Kind = "wrapper_timeout"
	Overloaded        Kind = "overloaded"
	Storage           Kind = "storage_error"
	Audit             Kind = "audit_failure"
)

// Error is a tagged broker error.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New creates a tagged error.
func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Message: msg}
}

// Newf creates a tagged error with a formatted message.
func Newf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error.
func Wrap(k Kind, msg string, err error) *Error {
	return &Error{Kind: k, Message: msg, wrapped: err}
}

// WithDetails attaches machine-readable details to the error.
func (e *Error) WithDetails(d map[string]any) *Error {
	e.Details = d
	return e
}

// KindOf extracts the Kind from an error chain. Untagged errors are
// reported as storage errors: anything unexpected is treated as a
// failure of the durable layer rather than silently passed through.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Storage
}

// Is reports whether err carries the given kind.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}

// HTTPStatus maps an error kind to the HTTP status the API layer reports.
func HTTPStatus(k Kind) int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case MissingPermission, SelfApproval:
		return http.StatusForbidden
	case StateConflict:
		return http.StatusConflict
	case NotFound:
		return http.StatusNotFound
	case Overloaded:
		return http.StatusTooManyRequests
	case WrapperFailure:
		return http.StatusBadGateway
	case WrapperTimeout:
		return http.StatusGatewayTimeout
	case PolicyMissing, Storage, Audit:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
