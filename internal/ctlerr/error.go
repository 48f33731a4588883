// Package ctlerr defines the error taxonomy shared by every admission and
// control-frame handler, so the websocket layer can map any failure to the
// wire error.code surface in one place.
package ctlerr

import "fmt"

// Code is one of the wire-visible error codes from the protocol's error
// taxonomy.
type Code string

const (
	Unauthorized         Code = "UNAUTHORIZED"
	InvalidInput         Code = "INVALID_INPUT"
	RateLimited          Code = "RATE_LIMITED"
	SessionNotFound      Code = "SESSION_NOT_FOUND"
	SessionFull          Code = "SESSION_FULL"
	SessionPaused        Code = "SESSION_PAUSED"
	UnsupportedLanguage  Code = "UNSUPPORTED_LANGUAGE"
	Internal             Code = "INTERNAL_ERROR"
)

// Error is the single error type returned by every component in the
// admission and control-frame path. It carries enough to populate a wire
// error frame without the caller needing to classify a raw error value.
type Error struct {
	Code       Code
	Message    string
	RetryAfter int64 // seconds; only meaningful for RateLimited
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error that wraps an underlying dependency failure, for
// logging; the wire surface never includes the cause's text.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// RateLimitedErr builds the RATE_LIMITED error with its retry hint.
func RateLimitedErr(retryAfterSec int64) *Error {
	return &Error{Code: RateLimited, Message: "rate limit exceeded", RetryAfter: retryAfterSec}
}
