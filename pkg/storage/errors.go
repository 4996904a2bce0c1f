package storage

import "errors"

// Sentinel errors for storage operations.
var (
	// ErrNotFound is returned when a session or capture does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a record with the given ID already exists.
	ErrConflict = errors.New("already exists")

	// ErrVersionConflict is returned by UpdateSession when the stored
	// version no longer matches the version the caller read.
	ErrVersionConflict = errors.New("version conflict")
)
