// Package apperr defines the user-visible error taxonomy of the service.
// Every error that reaches an HTTP client is an *Error carrying a stable
// code, a human-readable message and an HTTP status. Causes are kept for
// server-side logging and never rendered.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeRateLimit    Code = "RATE_LIMIT_EXCEEDED"
	CodeNotFound     Code = "NOT_FOUND"
	CodeProvider     Code = "PROVIDER_UNAVAILABLE"
	CodeInternal     Code = "INTERNAL_ERROR"
)

// Error is a classified, user-presentable error.
type Error struct {
	Code    Code
	Message string
	Status  int

	// Fields holds per-field validation detail.
	Fields map[string]string

	// RetryAfter is set for rate limit rejections.
	RetryAfter time.Duration

	// Err is the underlying cause. It is logged, not shown.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation reports a malformed request. fields may be nil.
func Validation(message string, fields map[string]string) *Error {
	return &Error{Code: CodeValidation, Message: message, Status: http.StatusBadRequest, Fields: fields}
}

// Unauthorized reports a missing or invalid credential.
func Unauthorized(err error) *Error {
	return &Error{Code: CodeUnauthorized, Message: "authentication required", Status: http.StatusUnauthorized, Err: err}
}

// Forbidden reports an authenticated caller without the required role.
func Forbidden(message string) *Error {
	return &Error{Code: CodeForbidden, Message: message, Status: http.StatusForbidden}
}

// RateLimited reports a principal over quota.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeRateLimit,
		Message:    "too many requests; please wait before sending another message",
		Status:     http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

// NotFound reports a missing resource, or one the principal does not own.
// The two cases are indistinguishable to the caller.
func NotFound(what string) *Error {
	return &Error{Code: CodeNotFound, Message: what + " not found", Status: http.StatusNotFound}
}

// Provider reports a fatal failure talking to the language model.
func Provider(err error) *Error {
	return &Error{
		Code:    CodeProvider,
		Message: "the assistant is temporarily unavailable; please try again",
		Status:  http.StatusBadGateway,
		Err:     err,
	}
}

// Internal wraps an unexpected failure.
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", Status: http.StatusInternalServerError, Err: err}
}

// As returns err as an *Error. Unclassified errors become Internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// Is reports whether err is an *Error with the given code.
func Is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
