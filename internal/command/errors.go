package command

import "errors"

// Domain-specific errors for command registration.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrEmptyName is returned when registering a command with no name.
	ErrEmptyName = errors.New("command: name cannot be empty")

	// ErrNilHandler is returned when registering a nil handler.
	ErrNilHandler = errors.New("command: handler cannot be nil")

	// ErrDuplicateHandler is returned when a command name is registered twice.
	ErrDuplicateHandler = errors.New("command: handler already registered")
)
