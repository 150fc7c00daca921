package apperr

import (
	"errors"
	"fmt"
)

// Code identifies the category of a rejected operation. Codes are part of
// the API contract: handlers map them to HTTP statuses and callers branch
// on them.
type Code string

const (
	CodeValidation          Code = "validation_error"
	CodeInvalidTransition   Code = "invalid_state_transition"
	CodeInsufficientFunding Code = "insufficient_funding"
	CodeInsufficientBalance Code = "insufficient_balance"
	CodeAccountFrozen       Code = "account_frozen"
	CodeAlreadyReleased     Code = "already_released"
	CodeConflict            Code = "conflict"
	CodePreconditionFailed  Code = "precondition_failed"
	CodeProviderFailure     Code = "provider_failure"
	CodeNotFound            Code = "not_found"
	CodeForbidden           Code = "forbidden"
	CodeInternal            Code = "internal"
)

type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

func InvalidTransition(entity, from, to string) *Error {
	return New(CodeInvalidTransition, "%s cannot move from %s to %s", entity, from, to)
}

func Forbidden(format string, args ...any) *Error {
	return New(CodeForbidden, format, args...)
}

func NotFound(entity string) *Error {
	return New(CodeNotFound, "%s not found", entity)
}

func Internal(cause error, format string, args ...any) *Error {
	return Wrap(CodeInternal, cause, format, args...)
}

// CodeOf extracts the error code, defaulting to internal for errors that
// did not originate in the engine (driver failures, context cancellation).
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
