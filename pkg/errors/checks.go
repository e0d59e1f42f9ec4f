package errors

import (
	"errors"
)

// AsError finds the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetCode returns the code of the first *Error in err's chain, or "".
func GetCode(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether err's outermost *Error carries code.
func HasCode(err error, code Code) bool {
	return GetCode(err) == code
}

func hasCategory(err error, category string) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == category
}

// IsValidation reports whether err is a VAL error.
func IsValidation(err error) bool { return hasCategory(err, "VAL") }

// IsAuthentication reports whether err is an AUTH error.
func IsAuthentication(err error) bool { return hasCategory(err, "AUTH") }

// IsNotFound reports whether err is an NF error.
func IsNotFound(err error) bool { return hasCategory(err, "NF") }

// IsInternal reports whether err is an INT error.
func IsInternal(err error) bool { return hasCategory(err, "INT") }

// IsUnavailable reports whether err is an UNAVAIL error.
func IsUnavailable(err error) bool { return hasCategory(err, "UNAVAIL") }

// IsTimeout reports whether err is a TIMEOUT error.
func IsTimeout(err error) bool { return hasCategory(err, "TIMEOUT") }

// IsRetryable reports whether the operation that produced err may succeed
// if repeated (timeouts and unavailable dependencies).
func IsRetryable(err error) bool {
	return IsTimeout(err) || IsUnavailable(err)
}
