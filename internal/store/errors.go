package store

import "errors"

var (
	// ErrNotFound is returned when a task, agent or policy row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a task is already agent_processing.
	ErrConflict = errors.New("task is already being processed")

	// ErrStreamClosed is returned when a streaming record is no longer open.
	ErrStreamClosed = errors.New("streaming record is not open")
)
