// Package nwcerr defines the NIP-47 error-kind taxonomy (§7) as typed
// sentinel errors, so internal errors carry a wire error.code through
// errors.Is/errors.As instead of a parallel string enum.
package nwcerr

import "errors"

// Code is a NIP-47 response error.code value.
type Code string

const (
	RateLimited        Code = "RATE_LIMITED"
	NotImplemented      Code = "NOT_IMPLEMENTED"
	InsufficientBalance Code = "INSUFFICIENT_BALANCE"
	QuotaExceeded       Code = "QUOTA_EXCEEDED"
	Restricted          Code = "RESTRICTED"
	Unauthorized        Code = "UNAUTHORIZED"
	Internal            Code = "INTERNAL"
	Other               Code = "OTHER"
	PaymentFailed       Code = "PAYMENT_FAILED"
	NotFound            Code = "NOT_FOUND"
	Timeout             Code = "TIMEOUT"
)

// Error pairs a NIP-47 error code with a human-readable message and an
// optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an *Error carrying code, attaching cause for errors.Is/As.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the NIP-47 error code from err, defaulting to INTERNAL
// for errors that did not originate from this package.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}
