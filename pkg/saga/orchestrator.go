package saga

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/avast/retry-go/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sagaflow/sagaflow/pkg/logger"
)

// ConflictRetry bounds the optimistic-concurrency retry loop.
type ConflictRetry struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConflictRetry returns the default policy: 3 retries from 10ms.
func DefaultConflictRetry() ConflictRetry {
	return ConflictRetry{
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
	}
}

// TransitionListener observes committed transitions.
type TransitionListener interface {
	OnTransition(ctx context.Context, out Outcome)
}

// OrchestratorOption customizes Orchestrator initialization.
type OrchestratorOption func(o *Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(log logger.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if log != nil {
			o.logger = log
		}
	}
}

// WithMetrics wires a metrics recorder.
func WithMetrics(m MetricsRecorder) OrchestratorOption {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithJournal wires the transition journal.
func WithJournal(j Journal) OrchestratorOption {
	return func(o *Orchestrator) {
		o.journal = j
	}
}

// WithConflictRetry overrides the optimistic retry policy.
func WithConflictRetry(policy ConflictRetry) OrchestratorOption {
	return func(o *Orchestrator) {
		if policy.MaxRetries >= 0 {
			o.retry.MaxRetries = policy.MaxRetries
		}
		if policy.InitialBackoff > 0 {
			o.retry.InitialBackoff = policy.InitialBackoff
		}
		if policy.MaxBackoff > 0 {
			o.retry.MaxBackoff = policy.MaxBackoff
		}
	}
}

// WithClock overrides the orchestrator clock.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithListener registers a transition listener.
func WithListener(l TransitionListener) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.listeners = append(o.listeners, l)
		}
	}
}

// Orchestrator drives instances of one definition: route, apply, persist,
// then publish the committed outbox.
type Orchestrator struct {
	def       *Definition
	store     InstanceStore
	router    *Router
	publisher Publisher
	logger    logger.Logger
	metrics   MetricsRecorder
	journal   Journal
	retry     ConflictRetry
	now       func() time.Time
	listeners []TransitionListener
}

// NewOrchestrator creates an orchestrator for def.
func NewOrchestrator(def *Definition, store InstanceStore, publisher Publisher, opts ...OrchestratorOption) (*Orchestrator, error) {
	if def == nil {
		return nil, fmt.Errorf("saga: definition cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("saga: store cannot be nil")
	}
	if publisher == nil {
		return nil, fmt.Errorf("saga: publisher cannot be nil")
	}
	o := &Orchestrator{
		def:       def,
		store:     store,
		publisher: publisher,
		logger:    logger.Global(),
		metrics:   &nopMetricsRecorder{},
		retry:     DefaultConflictRetry(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.logger = o.logger.With("workflow", def.name)
	o.router = &Router{def: def, store: store, now: o.now}
	return o, nil
}

// Definition returns the orchestrated definition.
func (o *Orchestrator) Definition() *Definition {
	return o.def
}

// Handle processes one inbound message. A nil return means the message may
// be acknowledged: it was applied, ignored or discarded. Store failures and
// exhausted conflict retries are returned for redelivery.
func (o *Orchestrator) Handle(ctx context.Context, msg Message) error {
	if msg == nil {
		return fmt.Errorf("saga: message cannot be nil")
	}
	ctx, span := sagaTracer().Start(ctx, spanSagaHandle, trace.WithAttributes(
		attribute.String("saga.workflow", o.def.name),
		attribute.String("saga.correlation_id", msg.CorrelationID()),
		attribute.String("saga.message_type", string(msg.MessageType())),
	))
	defer span.End()
	ctx = logger.WithSaga(ctx, msg.CorrelationID(), string(msg.MessageType()))

	start := time.Now()
	defer func() { o.metrics.RecordHandleDuration(o.def.name, time.Since(start)) }()

	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			err := o.handleOnce(ctx, msg)
			if errors.Is(err, ErrVersionConflict) {
				o.metrics.RecordConflict(o.def.name)
			}
			return err
		},
		retry.Attempts(uint(o.retry.MaxRetries)+1),
		retry.Delay(o.retry.InitialBackoff),
		retry.MaxDelay(o.retry.MaxBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrVersionConflict) }),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			o.logger.DebugContext(ctx, "saga version conflict, retrying", "attempt", n+1)
		}),
	)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrVersionConflict) {
		err = fmt.Errorf("%w: %s/%s after %d attempts", ErrConflictRetriesExhausted, o.def.name, msg.CorrelationID(), attempts)
		o.logger.WarnContext(ctx, "saga conflict retries exhausted", "attempts", attempts)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (o *Orchestrator) handleOnce(ctx context.Context, msg Message) error {
	msgType := string(msg.MessageType())

	inst, _, err := o.router.Route(ctx, msg)
	switch {
	case errors.Is(err, ErrNoInstance):
		o.metrics.RecordDiscarded(o.def.name, msgType, "no_instance")
		o.logger.DebugContext(ctx, "saga message discarded: no instance")
		return nil
	case errors.Is(err, ErrMissingCorrelation):
		o.metrics.RecordDiscarded(o.def.name, msgType, "missing_correlation")
		o.logger.WarnContext(ctx, "saga message discarded: missing correlation id")
		return nil
	case err != nil:
		return err
	}

	now := o.now()
	out, err := Apply(o.def, inst, msg, now)
	var fault *FaultError
	if errors.As(err, &fault) {
		o.metrics.RecordFault(o.def.name)
		o.logger.ErrorContext(ctx, "saga transition fault", "state", inst.State, "error", fault.Cause)
		out, err = failInstance(o.def, inst, fault, now), nil
	}
	if err != nil {
		return err
	}

	if out.Discarded {
		o.metrics.RecordDiscarded(o.def.name, msgType, "no_transition")
		o.logger.DebugContext(ctx, "saga message discarded: no transition", "state", inst.State)
		return nil
	}
	if out.Ignored {
		o.metrics.RecordIgnored(o.def.name, msgType)
		o.logger.DebugContext(ctx, "saga message ignored", "state", inst.State)
		return nil
	}

	fresh, err := o.buildOutbox(out.Messages, now)
	if err != nil {
		return err
	}
	next := out.Instance
	next.Outbox = append(next.Outbox, fresh...)
	next.UpdatedAt = now

	if err := o.persist(ctx, inst, next); err != nil {
		return err
	}

	o.recordCommitted(ctx, msg, out, next)
	o.flush(ctx, next, fresh)
	return nil
}

func (o *Orchestrator) buildOutbox(messages []Message, now time.Time) ([]OutboxMessage, error) {
	if len(messages) == 0 {
		return nil, nil
	}
	out := make([]OutboxMessage, 0, len(messages))
	for _, msg := range messages {
		om, err := NewOutboxMessage(msg, now)
		if err != nil {
			return nil, err
		}
		out = append(out, om)
	}
	return out, nil
}

func (o *Orchestrator) persist(ctx context.Context, base, next *Instance) error {
	ctx, span := sagaTracer().Start(ctx, spanSagaPersist)
	defer span.End()

	var err error
	if base.Version == 0 {
		err = o.store.Insert(ctx, next)
	} else {
		err = o.store.Update(ctx, next, base.Version)
	}
	if err != nil && !errors.Is(err, ErrVersionConflict) {
		span.RecordError(err)
		return fmt.Errorf("saga: persist %s/%s: %w", o.def.name, next.CorrelationID, err)
	}
	return err
}

func (o *Orchestrator) recordCommitted(ctx context.Context, msg Message, out Outcome, next *Instance) {
	o.metrics.RecordTransition(o.def.name, string(out.From), string(out.To))
	switch {
	case out.Compensating != "":
		o.metrics.RecordCompensation(o.def.name, "started")
	case out.From == o.def.rollingBack && out.To == o.def.rolledBack:
		o.metrics.RecordCompensation(o.def.name, "succeeded")
	case out.From == o.def.rollingBack && out.To == o.def.failed:
		o.metrics.RecordCompensation(o.def.name, "failed")
	}

	fields := []any{
		"from", out.From,
		"to", out.To,
		"version", next.Version,
		"commands", len(out.Messages),
	}
	switch {
	case next.NeedsAttention:
		o.logger.ErrorContext(ctx, "saga failed and needs operator attention", append(fields, "error", next.ErrorMessage)...)
	case next.IsFailed && out.From != out.To:
		o.logger.WarnContext(ctx, "saga failed", append(fields, "error", next.ErrorMessage)...)
	default:
		o.logger.InfoContext(ctx, "saga transition", fields...)
	}

	if o.journal != nil {
		commands := make([]MessageType, 0, len(out.Messages))
		for _, m := range out.Messages {
			commands = append(commands, m.MessageType())
		}
		if _, err := o.journal.Append(ctx, JournalEntry{
			Workflow:      o.def.name,
			CorrelationID: next.CorrelationID,
			Version:       next.Version,
			From:          out.From,
			To:            out.To,
			MessageType:   msg.MessageType(),
			Rule:          out.Rule,
			Commands:      commands,
			Error:         next.ErrorMessage,
			Timestamp:     next.UpdatedAt,
		}); err != nil {
			o.logger.WarnContext(ctx, "saga journal append failed", "error", err)
		}
	}

	for _, l := range o.listeners {
		l.OnTransition(ctx, out)
	}
}

// flush publishes the messages this transition committed and removes them
// from the stored outbox. Failures leave them pending for the relay.
func (o *Orchestrator) flush(ctx context.Context, inst *Instance, fresh []OutboxMessage) {
	if len(fresh) == 0 {
		return
	}
	ctx, span := sagaTracer().Start(ctx, spanSagaPublish, trace.WithAttributes(
		attribute.Int("saga.messages", len(fresh)),
	))
	defer span.End()

	published, err := publishAll(ctx, o.publisher, fresh)
	if err != nil {
		span.RecordError(err)
		o.metrics.RecordOutboxPublish(o.def.name, "failed")
		o.logger.WarnContext(ctx, "saga outbox publish failed, left for relay",
			"published", len(published),
			"pending", len(fresh)-len(published),
			"error", err,
		)
	}
	if len(published) > 0 {
		o.metrics.RecordOutboxPublish(o.def.name, "published")
	}
	if err := clearOutbox(ctx, o.store, o.def.name, inst.CorrelationID, published, o.now()); err != nil {
		o.logger.WarnContext(ctx, "saga outbox clear failed", "error", err)
	}
}

// Provision pre-creates an Initial instance carrying initiator-owned fields,
// for workflows whose initiator creates a downstream record up front.
func (o *Orchestrator) Provision(ctx context.Context, correlationID string, fields map[string]string) (*Instance, error) {
	if correlationID == "" {
		return nil, ErrMissingCorrelation
	}
	inst := NewInstance(o.def.name, correlationID, o.now())
	for key, value := range fields {
		if value == "" {
			continue
		}
		inst.Fields[key] = value
		inst.Provisioned = append(inst.Provisioned, key)
	}
	sort.Strings(inst.Provisioned)
	if err := o.store.Insert(ctx, inst); err != nil {
		return nil, fmt.Errorf("saga: provision %s/%s: %w", o.def.name, correlationID, err)
	}
	o.logger.InfoContext(logger.WithSaga(ctx, correlationID, ""), "saga instance provisioned", "fields", len(inst.Provisioned))
	return inst.Clone(), nil
}

// Get loads one instance.
func (o *Orchestrator) Get(ctx context.Context, correlationID string) (*Instance, error) {
	return o.store.Load(ctx, o.def.name, correlationID)
}

// List lists instances of this workflow.
func (o *Orchestrator) List(ctx context.Context, filter InstanceFilter) ([]*Instance, int, error) {
	filter.Workflow = o.def.name
	return o.store.List(ctx, filter)
}
