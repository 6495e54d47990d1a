package app

import "errors"

// Domain-specific errors for application wiring.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("app: already running")

	// ErrUnknownCallback is returned when config.subscriptions names a
	// callback handler that was never registered.
	ErrUnknownCallback = errors.New("app: unknown callback handler")
)
