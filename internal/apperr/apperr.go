// Package apperr provides the structured errors surfaced by the cache and
// the upstream adapter.
package apperr

import (
	"errors"
	"net/http"
	"time"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Upstream errors
	CodeRateLimited   Code = "RATE_LIMITED"
	CodeQuotaExceeded Code = "QUOTA_EXCEEDED"
	CodeAuth          Code = "AUTH"
	CodeTransient     Code = "TRANSIENT"

	// Local errors
	CodeStore           Code = "STORE"
	CodeRefreshPending  Code = "REFRESH_PENDING"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
)

// HTTPStatus maps the code onto the status returned by the HTTP surface.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeRateLimited, CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case CodeAuth:
		return http.StatusUnauthorized
	case CodeTransient:
		return http.StatusBadGateway
	case CodeRefreshPending:
		return http.StatusServiceUnavailable
	case CodeInvalidArgument:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Error is the domain error type.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration // zero when there is no retry hint
	Cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// RateLimited reports an upstream rate-limit signal with its retry hint.
func RateLimited(retryAfter time.Duration, cause error) *Error {
	return &Error{Code: CodeRateLimited, Message: "upstream rate limited", RetryAfter: retryAfter, Cause: cause}
}

// QuotaExceeded reports exhaustion of the upstream daily quota.
func QuotaExceeded(retryAfter time.Duration, cause error) *Error {
	return &Error{Code: CodeQuotaExceeded, Message: "upstream quota exceeded", RetryAfter: retryAfter, Cause: cause}
}

// Sentinels usable with errors.Is.
var (
	ErrRateLimited     = New(CodeRateLimited, "rate limited")
	ErrQuotaExceeded   = New(CodeQuotaExceeded, "quota exceeded")
	ErrAuth            = New(CodeAuth, "upstream credential rejected")
	ErrTransient       = New(CodeTransient, "upstream unavailable")
	ErrStore           = New(CodeStore, "store failure")
	ErrRefreshPending  = New(CodeRefreshPending, "refresh in progress")
	ErrInvalidArgument = New(CodeInvalidArgument, "invalid argument")
)

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// IsBackoff reports whether err asks the caller to back off before retrying.
func IsBackoff(err error) bool {
	code := CodeOf(err)
	return code == CodeRateLimited || code == CodeQuotaExceeded
}
