package core

import (
	"errors"
	"fmt"
)

// InvalidQueryError is returned when a query cannot be built from the caller's input.
type InvalidQueryError struct {
	Message string
}

func (e *InvalidQueryError) Error() string {
	return e.Message
}

// NewInvalidQuery formats an InvalidQueryError.
func NewInvalidQuery(format string, args ...any) error {
	return &InvalidQueryError{Message: fmt.Sprintf(format, args...)}
}

// IsInvalidQuery checks if an error is, or wraps, an InvalidQueryError.
func IsInvalidQuery(err error) bool {
	var invalid *InvalidQueryError
	return errors.As(err, &invalid)
}
