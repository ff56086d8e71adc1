package engine

import "fmt"

// UnsupportedBackendError is returned for an unknown store or bus type.
type UnsupportedBackendError struct {
	Kind string
	Type string
}

func (e *UnsupportedBackendError) Error() string {
	return fmt.Sprintf("unsupported %s type %q", e.Kind, e.Type)
}

// BackendError wraps a failure to open a store, journal or transport.
type BackendError struct {
	Kind  string
	Type  string
	Cause error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("open %s %q: %v", e.Kind, e.Type, e.Cause)
}

func (e *BackendError) Unwrap() error { return e.Cause }

// EngineNotRunningError is returned when an operation requires the engine to be running.
type EngineNotRunningError struct{}

func (e *EngineNotRunningError) Error() string {
	return "engine is not running"
}
