// Package engine wires the saga orchestrators, the instance store and the
// message bus into one runnable process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/sagaflow/sagaflow/config"
	"github.com/sagaflow/sagaflow/pkg/logger"
	"github.com/sagaflow/sagaflow/pkg/messaging"
	"github.com/sagaflow/sagaflow/pkg/metrics"
	"github.com/sagaflow/sagaflow/pkg/participants"
	"github.com/sagaflow/sagaflow/pkg/saga"
	"github.com/sagaflow/sagaflow/pkg/workflows"
)

const defaultSampleInterval = 15 * time.Second

// State represents the current state of the engine.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopped
	StateError
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Engine hosts one orchestrator per workflow, each fed by its own consumer,
// plus the outbox relay and, when enabled, the in-process participants.
type Engine struct {
	cfg     *config.Config
	logger  logger.Logger
	metrics *metrics.Manager

	defs  []*saga.Definition
	codec *messaging.Codec

	store         saga.InstanceStore
	journal       saga.Journal
	transport     messaging.Transport
	ownsStore     bool
	ownsJournal   bool
	ownsTransport bool

	identities participants.IdentityService
	profiles   participants.ProfileService

	sampleInterval time.Duration

	mu            sync.RWMutex
	state         State
	publisher     *messaging.Publisher
	scheduler     *saga.Scheduler
	relay         *saga.OutboxRelay
	orchestrators map[string]*saga.Orchestrator
	consumers     []*messaging.Consumer
	host          *participants.Host
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// New creates an engine for cfg. Backends are opened by Start.
func New(cfg *config.Config, log logger.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("engine config cannot be nil")
	}
	if log == nil {
		log = logger.Global()
	}

	codec, err := workflows.NewCodec(cfg.Bus.SubjectPrefix)
	if err != nil {
		return nil, fmt.Errorf("build message codec: %w", err)
	}
	registration, err := workflows.NewRegistration()
	if err != nil {
		return nil, err
	}
	adminCreation, err := workflows.NewAdminCreation()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:            cfg,
		logger:         log,
		metrics:        metrics.NoOpManager(),
		defs:           []*saga.Definition{registration, adminCreation},
		codec:          codec,
		sampleInterval: defaultSampleInterval,
		orchestrators:  make(map[string]*saga.Orchestrator),
		state:          StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.identities == nil {
		e.identities = participants.NewMemoryIdentityService()
	}
	if e.profiles == nil {
		e.profiles = participants.NewMemoryProfileService()
	}
	return e, nil
}

// Start opens the backends, subscribes every consumer and starts the relay.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateRunning:
		return fmt.Errorf("engine is already running")
	case StateStopped:
		return fmt.Errorf("engine has been stopped")
	}
	e.state = StateStarting

	ctx, span := engineTracer().Start(ctx, spanEngineStart)
	defer span.End()

	if err := e.start(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.state = StateError
		e.release()
		return err
	}
	e.state = StateRunning
	e.logger.Info("engine started",
		"workflows", e.workflowNames(),
		"store", e.storeType(),
		"bus", e.busType(),
		"participants", e.host != nil,
		"journal", e.journal != nil,
	)
	return nil
}

func (e *Engine) start(ctx context.Context) error {
	if e.store == nil {
		store, err := openStore(ctx, e.cfg.Store, e.logger)
		if err != nil {
			return err
		}
		e.store, e.ownsStore = store, true
	}
	if e.journal == nil && e.cfg.Journal.Enabled {
		j, owns, err := openJournal(e.cfg.Journal, e.store, e.logger)
		if err != nil {
			return err
		}
		e.journal, e.ownsJournal = j, owns
	}
	if e.transport == nil {
		t, err := openTransport(ctx, e.cfg.Bus, e.logger)
		if err != nil {
			return err
		}
		e.transport, e.ownsTransport = t, true
	}

	publisher, err := messaging.NewPublisher(e.transport, e.codec, publishRetry(e.cfg.Bus.Publish),
		messaging.WithPublisherLogger(e.logger.With("component", "publisher")),
		messaging.WithPublisherTelemetry(e.metrics),
	)
	if err != nil {
		return err
	}
	e.publisher = publisher
	e.scheduler = saga.NewScheduler(publisher, e.logger.With("component", "scheduler"))

	for _, def := range e.defs {
		if err := e.buildWorkflow(def); err != nil {
			return fmt.Errorf("workflow %s: %w", def.Name(), err)
		}
	}

	relay, err := saga.NewOutboxRelay(e.store, publisher, saga.RelayConfig{
		Interval:  e.cfg.Engine.OutboxRelayInterval,
		MinAge:    e.cfg.Engine.OutboxRelayAge,
		BatchSize: e.cfg.Engine.OutboxRelayBatch,
	},
		saga.WithRelayLogger(e.logger.With("component", "outbox_relay")),
		saga.WithRelayMetrics(e.metrics),
	)
	if err != nil {
		return err
	}
	e.relay = relay

	if e.cfg.Participants.Enabled {
		policy := participants.RetryPolicy{
			Attempts: e.cfg.Participants.Retry.Attempts,
			Delay:    e.cfg.Participants.Retry.Delay,
			MaxDelay: e.cfg.Participants.Retry.MaxDelay,
		}
		plog := e.logger.With("component", "participants")
		host, err := participants.NewHost(e.transport, e.codec,
			participants.All(e.identities, e.profiles, publisher, policy, plog),
			e.consumerConfig("participants", "", e.group("participants")),
			messaging.WithConsumerLogger(plog),
			messaging.WithConsumerTelemetry(e.metrics),
		)
		if err != nil {
			return err
		}
		e.host = host
	}

	// Handlers outlive the Start context; Stop cancels them.
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	// Participants subscribe first so the first commands find them.
	if e.host != nil {
		if err := e.host.Start(runCtx); err != nil {
			return err
		}
	}
	for _, c := range e.consumers {
		if err := c.Start(runCtx); err != nil {
			return err
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.relay.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("outbox relay stopped", "error", err)
		}
	}()
	if e.sampleInterval > 0 && e.metrics.Enabled() {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runSampler(runCtx)
		}()
	}
	return nil
}

func (e *Engine) buildWorkflow(def *saga.Definition) error {
	name := def.Name()
	wlog := e.logger.With("workflow", name)

	opts := []saga.OrchestratorOption{
		saga.WithLogger(wlog),
		saga.WithMetrics(e.metrics),
		saga.WithConflictRetry(saga.ConflictRetry{
			MaxRetries:     e.cfg.Engine.MaxConflictRetries,
			InitialBackoff: e.cfg.Engine.RetryBackoff,
			MaxBackoff:     e.cfg.Engine.MaxBackoff,
		}),
	}
	if e.journal != nil {
		opts = append(opts, saga.WithJournal(e.journal))
	}
	if name == workflows.WorkflowRegistration && e.cfg.Workflows.Registration.OtpExpiry > 0 {
		opts = append(opts, saga.WithListener(workflows.NewOtpExpiryListener(e.scheduler, e.cfg.Workflows.Registration.OtpExpiry)))
	}

	o, err := saga.NewOrchestrator(def, e.store, e.publisher, opts...)
	if err != nil {
		return err
	}

	mux := messaging.NewMux()
	for _, t := range def.Events() {
		mux.Handle(t, o.Handle)
	}
	consumer, err := messaging.NewConsumer(e.transport, e.codec, mux.Dispatch,
		e.consumerConfig(name, messaging.KindWildcardSubject(e.codec.Prefix(), messaging.KindEvent), e.group(name)),
		messaging.WithConsumerLogger(wlog),
		messaging.WithConsumerTelemetry(e.metrics),
	)
	if err != nil {
		return err
	}

	e.orchestrators[name] = o
	e.consumers = append(e.consumers, consumer)
	return nil
}

func (e *Engine) consumerConfig(name, pattern, group string) messaging.ConsumerConfig {
	cc := messaging.DefaultConsumerConfig(name, pattern, group)
	c := e.cfg.Bus.Consumer
	if c.MaxDeliveries > 0 {
		cc.MaxDeliveries = c.MaxDeliveries
	}
	if c.RedeliveryBackoff > 0 {
		cc.RedeliveryBackoff = c.RedeliveryBackoff
	}
	if c.Concurrency > 0 {
		cc.Concurrency = c.Concurrency
	}
	cc.DedupWindow = c.DedupWindow
	cc.RateLimit = c.RateLimit
	cc.RateBurst = c.RateBurst
	return cc
}

// group names the queue group of one consumer. Replicas of the same
// consumer share it; different workflows never do.
func (e *Engine) group(name string) string {
	queue := e.cfg.Bus.NATS.QueueGroup
	if queue == "" {
		queue = e.cfg.App.Name
	}
	if queue == "" {
		queue = "sagaflow"
	}
	return queue + "." + name
}

// Stop unsubscribes every consumer, waits for in-flight messages and closes
// the backends the engine opened.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- e.release() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	e.state = StateStopped
	e.logger.Info("engine stopped")
	return err
}

// release tears down everything start built, in reverse order.
func (e *Engine) release() error {
	var errs []error
	if e.host != nil {
		errs = append(errs, e.host.Stop())
	}
	for _, c := range e.consumers {
		errs = append(errs, c.Stop())
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	if e.ownsTransport && e.transport != nil {
		errs = append(errs, e.transport.Close())
	}
	if e.ownsJournal && e.journal != nil {
		errs = append(errs, e.journal.Close())
	}
	if e.ownsStore && e.store != nil {
		errs = append(errs, e.store.Close())
	}
	return errors.Join(errs...)
}

// State returns the current state of the engine.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Orchestrator returns the orchestrator of one workflow.
func (e *Engine) Orchestrator(workflow string) (*saga.Orchestrator, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.orchestrators[workflow]
	return o, ok
}

// Orchestrators returns every orchestrator keyed by workflow name.
func (e *Engine) Orchestrators() map[string]*saga.Orchestrator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]*saga.Orchestrator, len(e.orchestrators))
	for name, o := range e.orchestrators {
		out[name] = o
	}
	return out
}

// Journal returns the transition journal, nil when disabled.
func (e *Engine) Journal() saga.Journal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.journal
}

// Publisher returns the bus publisher. Initiators use it to send start events.
func (e *Engine) Publisher() *messaging.Publisher {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.publisher
}

// SetRateLimit changes the intake rate of every consumer.
func (e *Engine) SetRateLimit(perSecond float64, burst int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, c := range e.consumers {
		c.SetRateLimit(perSecond, burst)
	}
	if e.host != nil {
		e.host.SetRateLimit(perSecond, burst)
	}
	e.logger.Info("consumer rate limit updated", "per_second", perSecond, "burst", burst)
}

func (e *Engine) workflowNames() []string {
	names := make([]string, 0, len(e.defs))
	for _, def := range e.defs {
		names = append(names, def.Name())
	}
	sort.Strings(names)
	return names
}

func (e *Engine) storeType() string {
	if !e.ownsStore && e.store != nil {
		return "external"
	}
	if e.cfg.Store.Type == "" {
		return "memory"
	}
	return e.cfg.Store.Type
}

func (e *Engine) busType() string {
	if !e.ownsTransport && e.transport != nil {
		return "external"
	}
	if e.cfg.Bus.Type == "" {
		return "memory"
	}
	return e.cfg.Bus.Type
}
