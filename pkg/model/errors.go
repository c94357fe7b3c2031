package model

import "errors"

// ValidationError marks failures caused by a bad request, a bad plan, or an
// illegal state transition. Transports surface these as client errors (4xx);
// every other error is infrastructural. Validation errors are never appended
// to an item journal as error events.
type ValidationError struct {
	msg string
}

// NewValidationError creates a ValidationError with the given message.
func NewValidationError(msg string) *ValidationError {
	return &ValidationError{msg: msg}
}

func (e *ValidationError) Error() string {
	return e.msg
}

// IsValidation reports whether err (or anything it wraps) is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
