// Package domain provides the canonical types and error taxonomy of the gateway.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of a gateway error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed config or request body.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeAuthentication indicates a missing or wrong shared secret.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypeNotFound indicates a resource was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeConflict indicates a uniqueness violation such as a taken path.
	ErrorTypeConflict ErrorType = "conflict"

	// ErrorTypeExecution indicates a filter, transform or ad-hoc query the
	// engine rejected.
	ErrorTypeExecution ErrorType = "execution"

	// ErrorTypeExtension indicates uncompilable extension source or a
	// missing callable.
	ErrorTypeExtension ErrorType = "extension"

	// ErrorTypeServer indicates an internal server error.
	ErrorTypeServer ErrorType = "server"
)

// ErrNotFound is matched by every not_found Error via errors.Is.
var ErrNotFound = errors.New("not found")

// Error is the canonical error carried from components to the HTTP surface.
type Error struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Err is the underlying cause, if any
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports not_found errors as ErrNotFound.
func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.Type == ErrorTypeNotFound
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *Error) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeInvalidRequest, ErrorTypeExecution, ErrorTypeExtension:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new error of the given type.
func NewError(errType ErrorType, message string) *Error {
	return &Error{Type: errType, Message: message}
}

// WrapError creates a new error of the given type around a cause.
func WrapError(errType ErrorType, message string, err error) *Error {
	return &Error{Type: errType, Message: message, Err: err}
}

// Invalid is shorthand for an invalid_request error.
func Invalid(format string, args ...any) *Error {
	return NewError(ErrorTypeInvalidRequest, fmt.Sprintf(format, args...))
}

// NotFound is shorthand for a not_found error.
func NotFound(format string, args ...any) *Error {
	return NewError(ErrorTypeNotFound, fmt.Sprintf(format, args...))
}

// Conflict is shorthand for a conflict error.
func Conflict(format string, args ...any) *Error {
	return NewError(ErrorTypeConflict, fmt.Sprintf(format, args...))
}

// AsError converts any error to an *Error, treating unknown errors as
// server errors.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return WrapError(ErrorTypeServer, "internal error", err)
}

// IsType reports whether err is an *Error of the given type.
func IsType(err error, errType ErrorType) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errType
}
