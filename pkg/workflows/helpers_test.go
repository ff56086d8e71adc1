package workflows

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sagaflow/sagaflow/pkg/logger"
	"github.com/sagaflow/sagaflow/pkg/messaging"
	"github.com/sagaflow/sagaflow/pkg/saga"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []saga.OutboxMessage
}

func (p *recordingPublisher) Publish(_ context.Context, m saga.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, m)
	return nil
}

func (p *recordingPublisher) types() []saga.MessageType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]saga.MessageType, 0, len(p.messages))
	for _, m := range p.messages {
		out = append(out, m.MessageType)
	}
	return out
}

type harness struct {
	t     *testing.T
	o     *saga.Orchestrator
	store *saga.MemoryInstanceStore
	pub   *recordingPublisher
	codec *messaging.Codec
}

func newHarness(t *testing.T, def *saga.Definition, opts ...saga.OrchestratorOption) *harness {
	t.Helper()
	codec, err := NewCodec("test.v1")
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	h := &harness{t: t, store: saga.NewMemoryInstanceStore(), pub: &recordingPublisher{}, codec: codec}
	opts = append([]saga.OrchestratorOption{
		saga.WithLogger(logger.NewNop()),
		saga.WithConflictRetry(saga.ConflictRetry{MaxRetries: 5, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}),
	}, opts...)
	h.o, err = saga.NewOrchestrator(def, h.store, h.pub, opts...)
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	return h
}

func newRegistrationHarness(t *testing.T, opts ...saga.OrchestratorOption) *harness {
	t.Helper()
	def, err := NewRegistration()
	if err != nil {
		t.Fatalf("NewRegistration() error = %v", err)
	}
	return newHarness(t, def, opts...)
}

func newAdminHarness(t *testing.T) *harness {
	t.Helper()
	def, err := NewAdminCreation()
	if err != nil {
		t.Fatalf("NewAdminCreation() error = %v", err)
	}
	return newHarness(t, def)
}

func (h *harness) handle(msgs ...saga.Message) {
	h.t.Helper()
	for _, m := range msgs {
		if err := h.o.Handle(context.Background(), m); err != nil {
			h.t.Fatalf("Handle(%s) error = %v", m.MessageType(), err)
		}
	}
}

func (h *harness) instance(id string) *saga.Instance {
	h.t.Helper()
	inst, err := h.o.Get(context.Background(), id)
	if err != nil {
		h.t.Fatalf("Get(%s) error = %v", id, err)
	}
	return inst
}

// sent decodes every published message of type typ.
func (h *harness) sent(typ saga.MessageType) []saga.Message {
	h.t.Helper()
	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	var out []saga.Message
	for _, om := range h.pub.messages {
		if om.MessageType != typ {
			continue
		}
		msg, err := h.codec.Decode(messaging.EnvelopeFromOutbox(om))
		if err != nil {
			h.t.Fatalf("Decode(%s) error = %v", typ, err)
		}
		out = append(out, msg)
	}
	return out
}

func (h *harness) expectState(id string, want saga.State) *saga.Instance {
	h.t.Helper()
	inst := h.instance(id)
	if inst.State != want {
		h.t.Fatalf("state = %s, want %s (error: %q)", inst.State, want, inst.ErrorMessage)
	}
	return inst
}

func startRegistrationMsg(id string) RegistrationStarted {
	return RegistrationStarted{
		Correlation:       id,
		Email:             "a@x.com",
		EncryptedPassword: "$2a$10$hash",
		FirstName:         "Ada",
		LastName:          "Lovelace",
	}
}
