package saga

import (
	"errors"
	"fmt"
)

var (
	// ErrInstanceNotFound is returned when no instance exists for a correlation id.
	ErrInstanceNotFound = errors.New("saga instance not found")
	// ErrVersionConflict is returned when a conditional write loses a race.
	ErrVersionConflict = errors.New("saga instance version conflict")
	// ErrConflictRetriesExhausted is returned when optimistic retries run out.
	ErrConflictRetriesExhausted = errors.New("saga conflict retries exhausted")
	// ErrNoInstance is returned by the router for a non-start message with no instance.
	ErrNoInstance = errors.New("no saga instance for message")
	// ErrMissingCorrelation is returned for messages without a correlation id.
	ErrMissingCorrelation = errors.New("message has no correlation id")
)

// FaultError wraps an unexpected failure while executing a transition.
// It is the only execution error turned into a Failed instance.
type FaultError struct {
	Workflow      string
	CorrelationID string
	State         State
	MessageType   MessageType
	Cause         error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("saga %s/%s: transition fault in %s on %s: %v",
		e.Workflow, e.CorrelationID, e.State, e.MessageType, e.Cause)
}

func (e *FaultError) Unwrap() error {
	return e.Cause
}

// WriteOnceError reports an attempt to overwrite a populated business field.
type WriteOnceError struct {
	Field    string
	Existing string
	Proposed string
}

func (e *WriteOnceError) Error() string {
	return fmt.Sprintf("field %q is write-once (has %q, got %q)", e.Field, e.Existing, e.Proposed)
}
