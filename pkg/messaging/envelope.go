// Package messaging carries saga commands and events over a pub/sub
// transport: envelopes, subjects, a typed codec, a retrying publisher and a
// deduplicating consumer with bounded redelivery.
package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sagaflow/sagaflow/pkg/saga"
)

const (
	// SchemaVersionV1 is the initial envelope schema.
	SchemaVersionV1 = "v1"
)

// Envelope is the wire format of every message on the bus.
type Envelope struct {
	MessageID     string           `json:"message_id"`
	MessageType   saga.MessageType `json:"message_type"`
	CorrelationID string           `json:"correlation_id"`
	Timestamp     time.Time        `json:"timestamp"`
	SchemaVersion string           `json:"schema_version"`
	Payload       json.RawMessage  `json:"payload"`
}

// EnvelopeFromOutbox wraps a committed outbox message. The message id is
// kept so consumers can drop redeliveries of the same commit.
func EnvelopeFromOutbox(msg saga.OutboxMessage) Envelope {
	ts := msg.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Envelope{
		MessageID:     msg.MessageID,
		MessageType:   msg.MessageType,
		CorrelationID: msg.CorrelationID,
		Timestamp:     ts,
		SchemaVersion: SchemaVersionV1,
		Payload:       msg.Payload,
	}
}

// Validate checks the envelope identity fields.
func (e Envelope) Validate() error {
	if e.MessageID == "" {
		return fmt.Errorf("messaging: envelope message id is required")
	}
	if e.MessageType == "" {
		return fmt.Errorf("messaging: envelope message type is required")
	}
	if e.SchemaVersion != SchemaVersionV1 {
		return fmt.Errorf("messaging: unsupported schema version %q", e.SchemaVersion)
	}
	return nil
}

// MarshalEnvelope encodes an envelope for the transport.
func MarshalEnvelope(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("messaging: marshal envelope: %w", err)
	}
	return data, nil
}

// UnmarshalEnvelope decodes and validates transport bytes.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("messaging: invalid envelope json: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
