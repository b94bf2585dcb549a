package domain

import "errors"

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrItemNotFound = errors.New("task item not found")
	ErrJobNotFound  = errors.New("download job not found")
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")

	// ErrCapacityExceeded is returned when the admission gate refuses new work.
	ErrCapacityExceeded = errors.New("storage capacity exceeded")
	// ErrEmptyURLs is returned when a batch is submitted without any usable URL.
	ErrEmptyURLs = errors.New("no valid urls provided")
	// ErrInvalidTransition is returned when an item status change is not allowed
	// from its current state.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrFoldOverflow is returned when a delta would push completed+failed past total.
	ErrFoldOverflow = errors.New("progress fold overflow")
	// ErrInvalidStorageConfig is returned when a storage config update is out of range.
	ErrInvalidStorageConfig = errors.New("invalid storage config")
	// ErrTaskNotReady is returned when a task's files are requested before it finished.
	ErrTaskNotReady = errors.New("task is not ready for download")
)
