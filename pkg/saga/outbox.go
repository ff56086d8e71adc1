package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sagaflow/sagaflow/pkg/logger"
)

// OutboxMessage is an outbound message persisted with the transition that
// produced it.
type OutboxMessage struct {
	MessageID     string          `json:"message_id"`
	MessageType   MessageType     `json:"message_type"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewOutboxMessage encodes msg with a fresh message id.
func NewOutboxMessage(msg Message, now time.Time) (OutboxMessage, error) {
	if msg == nil {
		return OutboxMessage{}, fmt.Errorf("saga: outbox message cannot be nil")
	}
	if msg.MessageType() == "" {
		return OutboxMessage{}, fmt.Errorf("saga: outbox message type cannot be empty")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("saga: marshal %s: %w", msg.MessageType(), err)
	}
	return OutboxMessage{
		MessageID:     uuid.NewString(),
		MessageType:   msg.MessageType(),
		CorrelationID: msg.CorrelationID(),
		Payload:       payload,
		CreatedAt:     now,
	}, nil
}

func (m OutboxMessage) clone() OutboxMessage {
	m.Payload = append(json.RawMessage(nil), m.Payload...)
	return m
}

// Publisher delivers outbox messages to the bus at least once.
type Publisher interface {
	Publish(ctx context.Context, msg OutboxMessage) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg OutboxMessage) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, msg OutboxMessage) error {
	return f(ctx, msg)
}

// publishAll publishes messages in order and returns the ids that made it.
func publishAll(ctx context.Context, publisher Publisher, messages []OutboxMessage) (map[string]struct{}, error) {
	published := make(map[string]struct{}, len(messages))
	for _, msg := range messages {
		if err := publisher.Publish(ctx, msg); err != nil {
			return published, fmt.Errorf("publish %s %s: %w", msg.MessageType, msg.MessageID, err)
		}
		published[msg.MessageID] = struct{}{}
	}
	return published, nil
}

const clearOutboxAttempts = 5

// clearOutbox removes published message ids from the stored outbox,
// re-reading on conflict. Other pending messages are left for their owner
// or the relay.
func clearOutbox(ctx context.Context, store InstanceStore, workflow, correlationID string, published map[string]struct{}, now time.Time) error {
	if len(published) == 0 {
		return nil
	}
	for attempt := 0; attempt < clearOutboxAttempts; attempt++ {
		inst, err := store.Load(ctx, workflow, correlationID)
		if err != nil {
			return err
		}
		remaining := make([]OutboxMessage, 0, len(inst.Outbox))
		for _, msg := range inst.Outbox {
			if _, ok := published[msg.MessageID]; !ok {
				remaining = append(remaining, msg)
			}
		}
		if len(remaining) == len(inst.Outbox) {
			return nil
		}
		expected := inst.Version
		if len(remaining) == 0 {
			remaining = nil
		}
		inst.Outbox = remaining
		inst.UpdatedAt = now
		err = store.Update(ctx, inst, expected)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}
	return ErrConflictRetriesExhausted
}

// RelayConfig controls the outbox relay sweep.
type RelayConfig struct {
	Interval  time.Duration
	MinAge    time.Duration
	BatchSize int
}

// DefaultRelayConfig returns the default sweep settings.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Interval:  5 * time.Second,
		MinAge:    10 * time.Second,
		BatchSize: 100,
	}
}

// OutboxRelay republishes outbox messages stranded by a crash or a bus
// outage between commit and publish.
type OutboxRelay struct {
	store     InstanceStore
	publisher Publisher
	cfg       RelayConfig
	logger    logger.Logger
	metrics   MetricsRecorder
	now       func() time.Time
}

// RelayOption customizes an OutboxRelay.
type RelayOption func(*OutboxRelay)

// WithRelayLogger sets the relay logger.
func WithRelayLogger(log logger.Logger) RelayOption {
	return func(r *OutboxRelay) {
		if log != nil {
			r.logger = log
		}
	}
}

// WithRelayMetrics sets the relay metrics recorder.
func WithRelayMetrics(m MetricsRecorder) RelayOption {
	return func(r *OutboxRelay) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithRelayClock overrides the relay clock.
func WithRelayClock(now func() time.Time) RelayOption {
	return func(r *OutboxRelay) {
		if now != nil {
			r.now = now
		}
	}
}

// NewOutboxRelay creates a relay over the store.
func NewOutboxRelay(store InstanceStore, publisher Publisher, cfg RelayConfig, opts ...RelayOption) (*OutboxRelay, error) {
	if store == nil {
		return nil, fmt.Errorf("saga: relay store cannot be nil")
	}
	if publisher == nil {
		return nil, fmt.Errorf("saga: relay publisher cannot be nil")
	}
	defaults := DefaultRelayConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.MinAge < 0 {
		cfg.MinAge = 0
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	r := &OutboxRelay{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.Global(),
		metrics:   &nopMetricsRecorder{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Run sweeps on every interval until ctx is cancelled.
func (r *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
				r.logger.WarnContext(ctx, "outbox relay sweep failed", "error", err)
			}
		}
	}
}

// Flush republishes pending messages older than MinAge and returns how many
// were delivered.
func (r *OutboxRelay) Flush(ctx context.Context) (int, error) {
	ctx, span := sagaTracer().Start(ctx, spanSagaRelay)
	defer span.End()

	now := r.now()
	instances, _, err := r.store.List(ctx, InstanceFilter{
		PendingOutbox: true,
		UpdatedBefore: now.Add(-r.cfg.MinAge),
		Limit:         r.cfg.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("saga: list pending outbox: %w", err)
	}

	delivered := 0
	var errs []error
	for _, inst := range instances {
		published, pubErr := publishAll(ctx, r.publisher, inst.Outbox)
		delivered += len(published)
		if pubErr != nil {
			r.metrics.RecordOutboxPublish(inst.Workflow, "failed")
			errs = append(errs, fmt.Errorf("%s/%s: %w", inst.Workflow, inst.CorrelationID, pubErr))
		}
		if len(published) > 0 {
			r.metrics.RecordOutboxPublish(inst.Workflow, "relayed")
		}
		if err := clearOutbox(ctx, r.store, inst.Workflow, inst.CorrelationID, published, now); err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: clear outbox: %w", inst.Workflow, inst.CorrelationID, err))
		}
		if len(published) > 0 {
			r.logger.InfoContext(ctx, "outbox relayed",
				"workflow", inst.Workflow,
				"correlation_id", inst.CorrelationID,
				"messages", len(published),
			)
		}
	}
	span.SetAttributes(attribute.Int("saga.relayed", delivered))
	err = errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
	}
	return delivered, err
}
