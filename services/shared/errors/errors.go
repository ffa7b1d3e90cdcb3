// Package errors provides custom error types with error codes for the relay.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code represents an application error code.
type Code string

// Error codes for the application.
const (
	// General errors
	CodeInternal     Code = "INTERNAL"
	CodeInvalidInput Code = "INVALID_INPUT"
	CodeNotFound     Code = "NOT_FOUND"
	CodeRateLimited  Code = "RATE_LIMITED"
	CodeUnavailable  Code = "UNAVAILABLE"

	// Relay-specific errors
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeCircuitOpen     Code = "CIRCUIT_OPEN"
)

// Parameter locations used in FieldError.
const (
	LocationQueryString = "querystring"
	LocationConfig      = "config"
)

// FieldError describes a single invalid request parameter.
type FieldError struct {
	Location    string `json:"location"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Error is the application's custom error type with code and details.
type Error struct {
	Code    Code         `json:"code"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"-"`
	Err     error        `json:"-"` // Underlying error, not serialized
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is checks if the target error has the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithField returns a copy of the error with an extra invalid field attached.
func (e *Error) WithField(location, name, description string) *Error {
	fields := make([]FieldError, 0, len(e.Fields)+1)
	fields = append(fields, e.Fields...)
	fields = append(fields, FieldError{Location: location, Name: name, Description: description})
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Fields:  fields,
		Err:     e.Err,
	}
}

// Wrap wraps an underlying error.
func (e *Error) Wrap(err error) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Fields:  e.Fields,
		Err:     err,
	}
}

// New creates a new Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common error constructors

// Internal creates an internal error.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// InternalWrap creates an internal error wrapping another error.
func InternalWrap(message string, err error) *Error {
	return Wrap(CodeInternal, message, err)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string) *Error {
	return New(CodeInvalidInput, message)
}

// Validation creates an invalid input error scoped to a single field.
// The message follows the "location.name: description" convention.
func Validation(location, name, description string) *Error {
	return New(CodeInvalidInput, fmt.Sprintf("%s.%s: %s", location, name, description)).
		WithField(location, name, description)
}

// NotFound creates a not found error.
func NotFound(message string) *Error {
	return New(CodeNotFound, message)
}

// RateLimited creates a rate limited error.
func RateLimited(message string) *Error {
	return New(CodeRateLimited, message)
}

// SessionNotFound creates an error for a missing, expired or consumed login session.
func SessionNotFound(message string) *Error {
	return New(CodeSessionNotFound, message)
}

// CircuitOpen creates an error for a dependency whose circuit breaker is open.
func CircuitOpen(message string, err error) *Error {
	return Wrap(CodeCircuitOpen, message, err)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *Error) HTTPStatusCode() int {
	switch e.Code {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeSessionNotFound:
		return http.StatusRequestTimeout
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnavailable, CodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// From converts any error into an *Error, wrapping unknown errors as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return InternalWrap("internal error", err)
}
