// Package apperr defines the error taxonomy surfaced by the REST API.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, string-valued error code used in API envelopes.
type Code string

const (
	CodeNotFound     Code = "NOT_FOUND"
	CodeInvalid      Code = "INVALID_INPUT"
	CodeConflict     Code = "CONFLICT"
	CodeUnavailable  Code = "UPSTREAM_UNAVAILABLE"
	CodeInternal     Code = "INTERNAL_ERROR"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeRateLimited  Code = "RATE_LIMITED"
)

// Error carries a Code alongside a user-facing message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NotFound reports a missing entity, e.g. NotFound("requirement", id).
func NotFound(kind, id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", kind, id)}
}

// Invalid reports malformed client input.
func Invalid(format string, args ...any) *Error {
	return &Error{Code: CodeInvalid, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// Unavailable wraps an upstream failure that has no fallback.
func Unavailable(msg string, err error) *Error {
	return &Error{Code: CodeUnavailable, Message: msg, Err: err}
}

func Internal(msg string, err error) *Error {
	return &Error{Code: CodeInternal, Message: msg, Err: err}
}

// CodeOf returns the Code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the user-facing message for err. Errors outside the
// taxonomy get a generic message so internal details do not leak.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// IsNotFound reports whether err carries CodeNotFound.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// HTTPStatus maps a Code to its HTTP status.
func HTTPStatus(c Code) int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalid:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
