package engine

import (
	"time"

	"github.com/sagaflow/sagaflow/pkg/messaging"
	"github.com/sagaflow/sagaflow/pkg/metrics"
	"github.com/sagaflow/sagaflow/pkg/participants"
	"github.com/sagaflow/sagaflow/pkg/saga"
)

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithMetrics sets the metrics manager for the engine.
func WithMetrics(m *metrics.Manager) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithStore uses an already open instance store. The engine does not close it.
func WithStore(store saga.InstanceStore) Option {
	return func(e *Engine) {
		if store != nil {
			e.store = store
		}
	}
}

// WithJournal uses an already open journal. The engine does not close it.
func WithJournal(j saga.Journal) Option {
	return func(e *Engine) {
		if j != nil {
			e.journal = j
		}
	}
}

// WithTransport uses an already connected transport. The engine does not close it.
func WithTransport(t messaging.Transport) Option {
	return func(e *Engine) {
		if t != nil {
			e.transport = t
		}
	}
}

// WithIdentityService replaces the in-memory identity service.
func WithIdentityService(svc participants.IdentityService) Option {
	return func(e *Engine) {
		if svc != nil {
			e.identities = svc
		}
	}
}

// WithProfileService replaces the in-memory profile service.
func WithProfileService(svc participants.ProfileService) Option {
	return func(e *Engine) {
		if svc != nil {
			e.profiles = svc
		}
	}
}

// WithSampleInterval sets how often the instance gauge is refreshed.
// Zero or less disables sampling.
func WithSampleInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.sampleInterval = d
	}
}
