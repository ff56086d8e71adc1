package saga

import (
	"context"
	"sync"
	"time"

	"github.com/sagaflow/sagaflow/pkg/logger"
)

// Scheduler publishes delayed messages. Pending timers live in memory only,
// so a restart drops them; expiry is best effort.
type Scheduler struct {
	publisher Publisher
	logger    logger.Logger
	now       func() time.Time

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// NewScheduler creates a scheduler that publishes through publisher.
func NewScheduler(publisher Publisher, log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Global()
	}
	return &Scheduler{
		publisher: publisher,
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
		timers:    make(map[string]*time.Timer),
	}
}

// Schedule publishes msg after delay, replacing any timer under key.
func (s *Scheduler) Schedule(key string, delay time.Duration, msg Message) error {
	om, err := NewOutboxMessage(msg, s.now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	if existing, ok := s.timers[key]; ok {
		existing.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[key] == timer {
			delete(s.timers, key)
		}
		s.mu.Unlock()

		if err := s.publisher.Publish(context.Background(), om); err != nil {
			s.logger.Warn("scheduled message publish failed",
				"key", key,
				"message_type", om.MessageType,
				"error", err,
			)
		}
	})
	s.timers[key] = timer
	return nil
}

// Cancel stops the timer under key, if any.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[key]; ok {
		timer.Stop()
		delete(s.timers, key)
	}
}

// Pending returns the number of scheduled messages.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels all timers. Later Schedule calls are no-ops.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, timer := range s.timers {
		timer.Stop()
		delete(s.timers, key)
	}
}

// ExpiryListener schedules an expiry message when an instance enters a
// waiting state and cancels it when the instance leaves.
type ExpiryListener struct {
	scheduler *Scheduler
	state     State
	after     time.Duration
	build     func(inst *Instance) Message
}

// NewExpiryListener creates a listener for one waiting state.
func NewExpiryListener(scheduler *Scheduler, state State, after time.Duration, build func(inst *Instance) Message) *ExpiryListener {
	return &ExpiryListener{scheduler: scheduler, state: state, after: after, build: build}
}

// OnTransition implements TransitionListener.
func (l *ExpiryListener) OnTransition(ctx context.Context, out Outcome) {
	key := out.Instance.Workflow + "/" + out.Instance.CorrelationID + "/" + string(l.state)
	switch {
	case out.To == l.state && out.From != l.state:
		if err := l.scheduler.Schedule(key, l.after, l.build(out.Instance)); err != nil {
			l.scheduler.logger.WarnContext(ctx, "expiry schedule failed", "key", key, "error", err)
		}
	case out.From == l.state && out.To != l.state:
		l.scheduler.Cancel(key)
	}
}
