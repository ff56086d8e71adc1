package messaging

import "github.com/sagaflow/sagaflow/pkg/saga"

// Telemetry records bus pipeline health for publishers and consumers.
type Telemetry interface {
	RecordPublish(messageType saga.MessageType, status string)
	RecordRetry(messageType saga.MessageType)
	SetDegradedMode(active bool)
	RecordOutage()
	RecordRecovery()
	RecordConsumed(messageType saga.MessageType, status string)
	RecordRedelivery(messageType saga.MessageType)
	RecordDeadLetter(messageType saga.MessageType)
}

// Consume statuses.
const (
	StatusHandled   = "handled"
	StatusDuplicate = "duplicate"
	StatusUnknown   = "unknown"
	StatusInvalid   = "invalid"
	StatusFailed    = "failed"
)

type nopTelemetry struct{}

func (nopTelemetry) RecordPublish(saga.MessageType, string)  {}
func (nopTelemetry) RecordRetry(saga.MessageType)            {}
func (nopTelemetry) SetDegradedMode(bool)                    {}
func (nopTelemetry) RecordOutage()                           {}
func (nopTelemetry) RecordRecovery()                         {}
func (nopTelemetry) RecordConsumed(saga.MessageType, string) {}
func (nopTelemetry) RecordRedelivery(saga.MessageType)       {}
func (nopTelemetry) RecordDeadLetter(saga.MessageType)       {}

// NopTelemetry discards everything.
func NopTelemetry() Telemetry { return nopTelemetry{} }
