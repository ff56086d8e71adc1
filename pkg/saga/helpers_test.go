package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const (
	evtStart            MessageType = "Start"
	evtThingCreated     MessageType = "ThingCreated"
	evtThingFailed      MessageType = "ThingFailed"
	evtActivated        MessageType = "Activated"
	evtActivationFailed MessageType = "ActivationFailed"
	evtThingDeleted     MessageType = "ThingDeleted"
	evtThingDeleteFail  MessageType = "ThingDeleteFailed"
	evtCancel           MessageType = "Cancel"
	evtExplode          MessageType = "Explode"
	evtRewrite          MessageType = "Rewrite"
	evtExpired          MessageType = "Expired"

	cmdCreateThing   MessageType = "CreateThing"
	cmdActivateThing MessageType = "ActivateThing"
	cmdDeleteThing   MessageType = "DeleteThing"
	evtNotifyFailed  MessageType = "ProvisioningFailed"

	stCreating    State = "Creating"
	stActivating  State = "Activating"
	stDone        State = "Done"
	stFailed      State = "Failed"
	stRollingBack State = "RollingBack"
	stRolledBack  State = "RolledBack"
)

type testMessage struct {
	ID    string      `json:"correlation_id"`
	Type  MessageType `json:"type"`
	Value string      `json:"value,omitempty"`
}

func (m testMessage) CorrelationID() string { return m.ID }
func (m testMessage) MessageType() MessageType { return m.Type }

func msg(id string, typ MessageType, value string) testMessage {
	return testMessage{ID: id, Type: typ, Value: value}
}

func value(m Message) string {
	if tm, ok := m.(testMessage); ok {
		return tm.Value
	}
	return ""
}

func hasEmail(inst *Instance, _ Message) bool {
	return inst.Field("email") != ""
}

// testDefinition is a small provisioning workflow exercising every rule kind.
func testDefinition(t *testing.T) *Definition {
	t.Helper()

	def, err := Define("provisioning").
		StartedBy(evtStart, "email").
		Final(stDone).
		Failed(stFailed).
		Rollback(stRollingBack, stRolledBack).
		Undo("thing", func(inst *Instance, effect EffectRecord) Message {
			return msg(inst.CorrelationID, cmdDeleteThing, effect.Ref)
		}).
		OnEnter(stFailed, func(inst *Instance) Message {
			return msg(inst.CorrelationID, evtNotifyFailed, inst.ErrorMessage)
		}).
		During(StateInitial,
			When(evtStart).Named("start").Then(func(tx *Transition, m Message) error {
				if err := tx.Set("email", value(m)); err != nil {
					return err
				}
				tx.Send(msg(m.CorrelationID(), cmdCreateThing, value(m)))
				return nil
			}).TransitionTo(stCreating),
		).
		During(stCreating,
			When(evtStart).If(hasEmail).Named("duplicate start").Ignore(),
			When(evtThingCreated).Named("created").Then(func(tx *Transition, m Message) error {
				if err := tx.Set("thing_id", value(m)); err != nil {
					return err
				}
				tx.RecordEffect("thing", value(m))
				tx.Send(msg(m.CorrelationID(), cmdActivateThing, value(m)))
				return nil
			}).TransitionTo(stActivating),
			When(evtThingFailed).Then(func(tx *Transition, m Message) error {
				tx.AppendError(value(m))
				return nil
			}).TransitionTo(stFailed),
			When(evtCancel).Compensate(),
			When(evtExplode).Then(func(*Transition, Message) error {
				panic("kaboom")
			}).TransitionTo(stActivating),
			When(evtRewrite).Then(func(tx *Transition, m Message) error {
				return tx.Set("email", value(m))
			}).TransitionTo(stActivating),
			When(evtExpired).Then(func(tx *Transition, m Message) error {
				tx.AppendError("expired")
				return nil
			}).TransitionTo(stFailed),
		).
		During(stActivating,
			When(evtActivated).Named("activated").Finalize(),
			When(evtActivationFailed).Named("activation failed").Then(func(tx *Transition, m Message) error {
				tx.AppendError(value(m))
				return nil
			}).Compensate(),
		).
		During(stRollingBack,
			When(evtThingDeleted).Then(func(tx *Transition, m Message) error {
				tx.CompensationSucceeded()
				return nil
			}).TransitionTo(stRolledBack),
			When(evtThingDeleteFail).Then(func(tx *Transition, m Message) error {
				tx.CompensationFailed(value(m))
				return nil
			}).TransitionTo(stFailed),
		).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return def
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []OutboxMessage
	failures int
}

func (p *recordingPublisher) Publish(ctx context.Context, m OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("bus unavailable")
	}
	p.messages = append(p.messages, m)
	return nil
}

func (p *recordingPublisher) types() []MessageType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]MessageType, 0, len(p.messages))
	for _, m := range p.messages {
		out = append(out, m.MessageType)
	}
	return out
}

func (p *recordingPublisher) count(typ MessageType) int {
	n := 0
	for _, got := range p.types() {
		if got == typ {
			n++
		}
	}
	return n
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{counts: make(map[string]int)}
}

func (m *countingMetrics) inc(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
}

func (m *countingMetrics) get(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func (m *countingMetrics) RecordTransition(workflow, from, to string) {
	m.inc("transition:" + from + "->" + to)
}
func (m *countingMetrics) RecordIgnored(workflow, messageType string) { m.inc("ignored") }
func (m *countingMetrics) RecordDiscarded(workflow, messageType, reason string) {
	m.inc("discarded:" + reason)
}
func (m *countingMetrics) RecordConflict(workflow string) { m.inc("conflict") }
func (m *countingMetrics) RecordFault(workflow string) { m.inc("fault") }
func (m *countingMetrics) RecordCompensation(workflow, status string) { m.inc("compensation:" + status) }
func (m *countingMetrics) RecordOutboxPublish(workflow, status string) {
	m.inc("outbox:" + status)
}
func (m *countingMetrics) RecordHandleDuration(workflow string, d time.Duration) { m.inc("handle") }

func mustLoad(t *testing.T, store InstanceStore, workflow, id string) *Instance {
	t.Helper()
	inst, err := store.Load(context.Background(), workflow, id)
	if err != nil {
		t.Fatalf("Load(%s) error = %v", id, err)
	}
	return inst
}
