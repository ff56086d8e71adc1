// Package storage provides persistent saga instance stores.
//
// Backends live in subpackages and implement saga.InstanceStore. The error
// types here unwrap to the saga sentinels so callers can match with
// errors.Is regardless of backend.
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sagaflow/sagaflow/pkg/saga"
)

// NotFoundError indicates that no record exists for the key.
type NotFoundError struct {
	Workflow      string
	CorrelationID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("saga instance not found: %s/%s", e.Workflow, e.CorrelationID)
}

func (e *NotFoundError) Unwrap() error {
	return saga.ErrInstanceNotFound
}

// DuplicateKeyError indicates that an insert found an existing record.
type DuplicateKeyError struct {
	Workflow      string
	CorrelationID string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("saga instance already exists: %s/%s", e.Workflow, e.CorrelationID)
}

func (e *DuplicateKeyError) Unwrap() error {
	return saga.ErrVersionConflict
}

// ConflictError indicates that a conditional update lost a race.
type ConflictError struct {
	Workflow      string
	CorrelationID string
	Expected      int64
	Actual        int64
}

func (e *ConflictError) Error() string {
	if e.Actual > 0 {
		return fmt.Sprintf("saga instance %s/%s: expected version %d, found %d", e.Workflow, e.CorrelationID, e.Expected, e.Actual)
	}
	return fmt.Sprintf("saga instance %s/%s: concurrent write at version %d", e.Workflow, e.CorrelationID, e.Expected)
}

func (e *ConflictError) Unwrap() error {
	return saga.ErrVersionConflict
}

// StorageUnavailableError indicates that the storage backend is unavailable.
type StorageUnavailableError struct {
	Cause error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %v", e.Cause)
}

func (e *StorageUnavailableError) Unwrap() error {
	return e.Cause
}

// SerializationError indicates a failure in data serialization/deserialization.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// EncodeInstance serializes an instance for storage.
func EncodeInstance(inst *saga.Instance) ([]byte, error) {
	data, err := json.Marshal(inst)
	if err != nil {
		return nil, &SerializationError{Operation: "marshal", Cause: err}
	}
	return data, nil
}

// DecodeInstance deserializes a stored instance.
func DecodeInstance(data []byte) (*saga.Instance, error) {
	var inst saga.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, &SerializationError{Operation: "unmarshal", Cause: err}
	}
	if inst.Fields == nil {
		inst.Fields = make(map[string]string)
	}
	if inst.Milestones == nil {
		inst.Milestones = make(map[string]time.Time)
	}
	return &inst, nil
}

// ValidateKey rejects records that cannot be addressed.
func ValidateKey(inst *saga.Instance) error {
	if inst == nil {
		return fmt.Errorf("saga instance cannot be nil")
	}
	if inst.Workflow == "" {
		return fmt.Errorf("saga instance workflow cannot be empty")
	}
	if inst.CorrelationID == "" {
		return saga.ErrMissingCorrelation
	}
	return nil
}
