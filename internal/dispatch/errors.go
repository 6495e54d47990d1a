package dispatch

import "errors"

// Domain-specific errors for message routing.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrEmptyPattern is returned when registering a callback on an empty
	// topic pattern.
	ErrEmptyPattern = errors.New("dispatch: pattern cannot be empty")

	// ErrNilCallback is returned when registering a nil callback.
	ErrNilCallback = errors.New("dispatch: callback cannot be nil")
)
