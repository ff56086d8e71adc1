package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sagaflow/sagaflow/pkg/saga"
)

// MessageHandler handles one decoded message. A non-nil error asks for
// redelivery.
type MessageHandler func(ctx context.Context, msg saga.Message) error

// Mux fans a message out to every handler registered for its type.
type Mux struct {
	mu       sync.RWMutex
	handlers map[saga.MessageType][]MessageHandler
}

// NewMux creates an empty mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[saga.MessageType][]MessageHandler)}
}

// Handle registers h for a message type.
func (m *Mux) Handle(messageType saga.MessageType, h MessageHandler) {
	if h == nil {
		panic(fmt.Sprintf("messaging: nil handler for %s", messageType))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[messageType] = append(m.handlers[messageType], h)
}

// Types returns the message types with at least one handler, sorted.
func (m *Mux) Types() []saga.MessageType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	types := make([]saga.MessageType, 0, len(m.handlers))
	for t := range m.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Dispatch calls every handler for msg's type and joins their errors.
// Messages with no handler are accepted.
func (m *Mux) Dispatch(ctx context.Context, msg saga.Message) error {
	m.mu.RLock()
	handlers := m.handlers[msg.MessageType()]
	m.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
