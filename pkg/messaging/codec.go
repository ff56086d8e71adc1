package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sagaflow/sagaflow/pkg/saga"
)

// ErrUnknownMessageType is returned for types missing from the codec.
var ErrUnknownMessageType = errors.New("messaging: unknown message type")

type codecEntry struct {
	kind   Kind
	decode func(payload json.RawMessage) (saga.Message, error)
}

// Codec maps message types to their subject kind and Go type.
type Codec struct {
	prefix string

	mu      sync.RWMutex
	entries map[saga.MessageType]codecEntry
}

// NewCodec creates an empty codec publishing under prefix.
func NewCodec(prefix string) *Codec {
	return &Codec{
		prefix:  normalizePrefix(prefix),
		entries: make(map[saga.MessageType]codecEntry),
	}
}

// Register adds T under the type name reported by its zero value.
// T must be a value type whose MessageType does not depend on its fields.
func Register[T saga.Message](c *Codec, kind Kind) error {
	var zero T
	messageType := zero.MessageType()
	if messageType == "" {
		return fmt.Errorf("messaging: %T reports an empty message type", zero)
	}
	if kind != KindCommand && kind != KindEvent {
		return fmt.Errorf("messaging: unsupported kind %q for %s", kind, messageType)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[messageType]; ok {
		return fmt.Errorf("messaging: %s already registered as %s", messageType, existing.kind)
	}
	c.entries[messageType] = codecEntry{
		kind: kind,
		decode: func(payload json.RawMessage) (saga.Message, error) {
			var msg T
			if err := json.Unmarshal(payload, &msg); err != nil {
				return nil, err
			}
			return msg, nil
		},
	}
	return nil
}

// Prefix returns the subject prefix.
func (c *Codec) Prefix() string {
	return c.prefix
}

// Kind reports the registered kind of a message type.
func (c *Codec) Kind(messageType saga.MessageType) (Kind, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[messageType]
	return entry.kind, ok
}

// Subject returns the subject a message type is published on.
func (c *Codec) Subject(messageType saga.MessageType) (string, error) {
	kind, ok := c.Kind(messageType)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownMessageType, messageType)
	}
	return Subject(c.prefix, kind, string(messageType)), nil
}

// Types returns the registered types of one kind, sorted.
func (c *Codec) Types(kind Kind) []saga.MessageType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	types := make([]saga.MessageType, 0, len(c.entries))
	for messageType, entry := range c.entries {
		if entry.kind == kind {
			types = append(types, messageType)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Encode wraps a typed message in a fresh envelope.
func (c *Codec) Encode(msg saga.Message) (Envelope, error) {
	if _, ok := c.Kind(msg.MessageType()); !ok {
		return Envelope{}, fmt.Errorf("%w: %s", ErrUnknownMessageType, msg.MessageType())
	}
	om, err := saga.NewOutboxMessage(msg, nowUTC())
	if err != nil {
		return Envelope{}, err
	}
	return EnvelopeFromOutbox(om), nil
}

// Decode turns an envelope back into its typed message.
func (c *Codec) Decode(e Envelope) (saga.Message, error) {
	c.mu.RLock()
	entry, ok := c.entries[e.MessageType]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, e.MessageType)
	}
	msg, err := entry.decode(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("messaging: decode %s %s: %w", e.MessageType, e.MessageID, err)
	}
	if msg.CorrelationID() != e.CorrelationID {
		return nil, fmt.Errorf("messaging: %s %s correlation mismatch: envelope %q, payload %q",
			e.MessageType, e.MessageID, e.CorrelationID, msg.CorrelationID())
	}
	return msg, nil
}
