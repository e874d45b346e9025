package task

import "errors"

// Common task errors.
var (
	// ErrNotFound indicates the task does not exist.
	ErrNotFound = errors.New("task: not found")

	// ErrInvalidState indicates the operation is not valid for the
	// task's current status.
	ErrInvalidState = errors.New("task: invalid state for operation")

	// ErrValidation indicates the task request was rejected before any
	// state was created.
	ErrValidation = errors.New("task: validation failed")

	// ErrNothingToRetry indicates no device entry qualifies for retry.
	ErrNothingToRetry = errors.New("task: no devices eligible for retry")
)
