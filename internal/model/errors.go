package model

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleTimerFire marks a fire whose generation was superseded. Expected.
	ErrStaleTimerFire = errors.New("stale timer fire")
	// ErrTransientLookup marks a failed task status read that may succeed later.
	ErrTransientLookup = errors.New("transient task lookup failure")
	// ErrDuplicateEvent marks an event whose natural key already exists.
	ErrDuplicateEvent = errors.New("duplicate sla event suppressed")
	// ErrEscalationChainExhausted marks a level beyond the configured maximum.
	ErrEscalationChainExhausted = errors.New("escalation chain exhausted")
	// ErrPersistence marks a failed timer store or ledger write.
	ErrPersistence = errors.New("persistence failure")
	// ErrConfiguration marks invalid SLA configuration or task SLA values.
	ErrConfiguration = errors.New("configuration error")
	// ErrTaskNotFound is returned by status readers for unknown tasks.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTimerNotFound is returned by the timer store for unknown keys.
	ErrTimerNotFound = errors.New("timer not found")
)

// OpError attaches the failing operation and task to an underlying error.
type OpError struct {
	Op     string
	TaskID string
	Err    error
}

func (e *OpError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s task=%s: %v", e.Op, e.TaskID, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// NewOpError wraps err; it returns nil for a nil err.
func NewOpError(op, taskID string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, TaskID: taskID, Err: err}
}

// IsRetryable reports whether a failed fire should be retried by a later
// claim. Only configuration errors are permanent; unclassified errors are
// retried until the lease attempts run out.
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, ErrConfiguration)
}
