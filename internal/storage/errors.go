package storage

import "errors"

// Storage errors shared by all backends.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when attempting to insert a record
	// with a key that already exists. Runs and snapshots are write-once.
	ErrDuplicateKey = errors.New("duplicate key: record already exists")

	// ErrHashMismatch is returned when a snapshot id is re-submitted with a
	// different payload hash. Snapshots are immutable; same id + same hash
	// is an idempotent no-op, same id + different hash is a conflict.
	ErrHashMismatch = errors.New("snapshot payload hash mismatch")

	// ErrLeaseLost is returned by heartbeat/succeed/fail when the caller no
	// longer holds the task's lease. The worker must abort the task body and
	// write nothing further.
	ErrLeaseLost = errors.New("task lease lost")

	// ErrRunCancelling is returned by heartbeat when the owning run has been
	// moved to CANCELLING; the worker should stop and fail the task as
	// cancelled.
	ErrRunCancelling = errors.New("run is cancelling")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)
