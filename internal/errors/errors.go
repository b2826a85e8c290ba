// Package errors defines the error taxonomy shared by the loyalty services.
// Every failure a service returns carries one of the codes below so callers
// (and the HTTP layer) can decide between surfacing the error and retrying.
package errors

import (
	"errors"
	"fmt"
)

// Code classifies a loyalty engine failure.
type Code string

const (
	CodeValidation          Code = "VALIDATION"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeTierIneligible      Code = "TIER_INELIGIBLE"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInvalidTransition   Code = "INVALID_STATE_TRANSITION"
	CodeDuplicateRequest    Code = "DUPLICATE_REQUEST"
	CodeConflict            Code = "CONFLICT"
	CodeStoreUnavailable    Code = "STORE_UNAVAILABLE"
)

// Error is a coded loyalty engine error. It supports errors.Is/As and wraps
// an optional cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

// E constructs a coded error.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two coded errors by code, so sentinel comparisons such as
// errors.Is(err, &Error{Code: CodeNotFound}) work across wrapping.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// CodeOf extracts the taxonomy code from err, or empty when err carries none.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether the caller may safely retry the failed operation.
// Only store-level conflicts and transient infrastructure failures qualify;
// idempotency keys make such retries safe.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeConflict, CodeStoreUnavailable:
		return true
	}
	return false
}
