package schema

import "errors"

// Domain-specific errors for schema operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrInvalidSchema is returned when a schema definition cannot be parsed.
	ErrInvalidSchema = errors.New("schema: invalid schema definition")

	// ErrValidation is returned when a payload fails validation against a schema.
	ErrValidation = errors.New("schema: validation failed")

	// ErrStatusValidation is returned when a status update conflicts with the
	// declared status payload schema.
	ErrStatusValidation = errors.New("schema: status validation failed")
)
