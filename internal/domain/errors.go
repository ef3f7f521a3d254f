package domain

import "errors"

// Errors shared between the persistence layer and its consumers.
var (
	// ErrDependencyUnavailable is returned when persistence or a transport cannot be reached.
	// Callers must propagate it rather than substitute stale data.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrInvalidEvent is returned for a malformed state change event.
	ErrInvalidEvent = errors.New("invalid state change event")
)
