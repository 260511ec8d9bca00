package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound               = errors.New("job not found")
	ErrConflict               = errors.New("job already exists with a different payload")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrStaleWrite             = errors.New("stale write: record changed since it was read")
	ErrConcurrentModification = errors.New("concurrent modification: compare-and-set attempts exhausted")
	ErrRetryLimit             = errors.New("retry limit exhausted")
	ErrStorageUnavailable     = errors.New("storage unavailable")
	ErrInvalidExecContext     = errors.New("invalid query execution context")
)
