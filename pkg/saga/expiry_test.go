package saga

import (
	"context"
	"testing"
	"time"

	"github.com/sagaflow/sagaflow/pkg/logger"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func TestSchedulerFiresAndCancels(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewScheduler(pub, logger.NewNop())
	defer s.Stop()

	if err := s.Schedule("fire", 5*time.Millisecond, msg("c-1", evtExpired, "")); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if err := s.Schedule("cancel", 20*time.Millisecond, msg("c-2", evtExpired, "")); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if s.Pending() != 2 {
		t.Fatalf("Pending() = %d", s.Pending())
	}
	s.Cancel("cancel")

	if !waitFor(t, time.Second, func() bool { return pub.count(evtExpired) == 1 }) {
		t.Fatal("scheduled message was not published")
	}
	time.Sleep(40 * time.Millisecond)
	if pub.count(evtExpired) != 1 {
		t.Fatal("cancelled message was published")
	}
	if s.Pending() != 0 {
		t.Fatalf("Pending() = %d after firing", s.Pending())
	}
}

func TestSchedulerRescheduleReplaces(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewScheduler(pub, logger.NewNop())
	defer s.Stop()

	_ = s.Schedule("k", 5*time.Millisecond, msg("c-1", evtExpired, "first"))
	_ = s.Schedule("k", 10*time.Millisecond, msg("c-1", evtExpired, "second"))

	if !waitFor(t, time.Second, func() bool { return pub.count(evtExpired) > 0 }) {
		t.Fatal("nothing published")
	}
	time.Sleep(20 * time.Millisecond)
	if pub.count(evtExpired) != 1 {
		t.Fatalf("published %d times, want 1", pub.count(evtExpired))
	}
}

func TestSchedulerStop(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewScheduler(pub, logger.NewNop())

	_ = s.Schedule("k", 10*time.Millisecond, msg("c-1", evtExpired, ""))
	s.Stop()
	_ = s.Schedule("late", time.Millisecond, msg("c-2", evtExpired, ""))

	time.Sleep(30 * time.Millisecond)
	if pub.count(evtExpired) != 0 || s.Pending() != 0 {
		t.Fatal("stopped scheduler published")
	}
}

func TestExpiryListenerDrivesTimeout(t *testing.T) {
	store := NewMemoryInstanceStore()
	pub := &recordingPublisher{}
	o := newTestOrchestrator(t, store, pub)

	// Expiry messages are fed straight back into the orchestrator.
	s := NewScheduler(PublisherFunc(func(ctx context.Context, m OutboxMessage) error {
		return o.Handle(ctx, msg(m.CorrelationID, m.MessageType, ""))
	}), logger.NewNop())
	defer s.Stop()

	listener := NewExpiryListener(s, stCreating, 10*time.Millisecond, func(inst *Instance) Message {
		return msg(inst.CorrelationID, evtExpired, "")
	})
	o.listeners = append(o.listeners, listener)

	handle(t, o, msg("waits", evtStart, "a@example.com"))
	handle(t, o, msg("answers", evtStart, "b@example.com"))
	handle(t, o, msg("answers", evtThingCreated, "thing-1"))

	if !waitFor(t, time.Second, func() bool {
		return mustLoad(t, store, "provisioning", "waits").State == stFailed
	}) {
		t.Fatal("waiting instance did not expire")
	}
	time.Sleep(30 * time.Millisecond)

	waits := mustLoad(t, store, "provisioning", "waits")
	if waits.ErrorMessage != "expired" {
		t.Fatalf("ErrorMessage = %q", waits.ErrorMessage)
	}
	if answers := mustLoad(t, store, "provisioning", "answers"); answers.State != stActivating {
		t.Fatalf("answered instance state = %s, expiry should have been cancelled", answers.State)
	}
	if s.Pending() != 0 {
		t.Fatalf("Pending() = %d", s.Pending())
	}
}
