package orchestrator

import (
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/taskrunner/internal/store"
)

// ErrShuttingDown is the cause of executions dropped by Drain.
var ErrShuttingDown = errors.New("orchestrator: shutting down")

// ErrorKind classifies orchestrator failures for the transport layer.
type ErrorKind string

const (
	KindNotFound ErrorKind = "not_found" // task or agent absent
	KindConflict ErrorKind = "conflict"  // task already processing
	KindUpstream ErrorKind = "upstream"  // store or provider failure
)

// Error is returned by Service operations.
type Error struct {
	Kind ErrorKind
	// Detail is the client-facing description.
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Detail
	}
	return fmt.Sprintf("%s: %v", e.Detail, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, KindUpstream for foreign errors.
func KindOf(err error) ErrorKind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindUpstream
}

// DetailOf returns the client-facing description of err.
func DetailOf(err error) string {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Detail
	}
	return "Internal server error"
}

func notFound(detail string, err error) *Error {
	return &Error{Kind: KindNotFound, Detail: detail, Err: err}
}

func upstream(detail string, err error) *Error {
	return &Error{Kind: KindUpstream, Detail: detail, Err: err}
}

// claimError maps a failed claim to its kind.
func claimError(err error) *Error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFound("Task not found", err)
	case errors.Is(err, store.ErrConflict):
		return &Error{Kind: KindConflict, Detail: "Task is already being processed", Err: err}
	default:
		return upstream("Error claiming task", err)
	}
}
