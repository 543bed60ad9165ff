package repository

import "errors"

// Repository errors
var (
	// ErrNotFound indicates the requested entity was not found.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a transient conflict with a concurrent
	// transaction (lock timeout, serialization failure, busy database).
	// The unit of work may be retried.
	ErrConflict = errors.New("transaction conflict")

	// ErrAlreadyExists indicates a unique constraint was violated.
	ErrAlreadyExists = errors.New("already exists")
)

// IsConflict returns true if err is a retryable transaction conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
