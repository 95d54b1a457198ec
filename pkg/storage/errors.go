package storage

import "errors"

// Sentinel errors for journal operations.
var (
	// ErrNotFound is returned when no record exists for a session.
	ErrNotFound = errors.New("session record not found")

	// ErrConflict is returned when a session has already been recorded.
	ErrConflict = errors.New("session already recorded")
)
