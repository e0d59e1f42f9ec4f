package errors

import (
	"errors"
	"fmt"
)

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a code and message. Wrap returns nil if err is nil.
//
// Example:
//
//	if err != nil {
//	    return errors.Wrap(err, errors.CodeInternalDatabase, "accounts: user lookup failed")
//	}
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// Wrapf wraps err with a code and formatted message. Wrapf returns nil if
// err is nil.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// Validation creates a CodeValidation error.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// Unauthorized creates a CodeAuthentication error.
func Unauthorized(message string) *Error {
	return New(CodeAuthentication, message)
}

// NotFound creates a CodeNotFound error.
func NotFound(message string) *Error {
	return New(CodeNotFound, message)
}

// Internal creates a CodeInternal error.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// Unavailable creates a CodeUnavailable error.
func Unavailable(message string) *Error {
	return New(CodeUnavailable, message)
}

// FromError returns err as an *Error, wrapping non-platform errors as
// CodeInternal.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, CodeInternal, "an unexpected error occurred")
}
