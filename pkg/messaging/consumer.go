package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/sagaflow/sagaflow/pkg/logger"
	"github.com/sagaflow/sagaflow/pkg/saga"
)

const messagingTracerName = "sagaflow.messaging"

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth redelivering.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Name    string
	Pattern string
	Group   string
	// MaxDeliveries is the total handler attempts before dead-lettering.
	MaxDeliveries     int
	RedeliveryBackoff time.Duration
	MaxBackoff        time.Duration
	Concurrency       int
	// DedupWindow is how many recent message ids are remembered. Zero disables it.
	DedupWindow int
	// RateLimit is messages per second. Zero or less means unlimited.
	RateLimit float64
	RateBurst int
}

// DefaultConsumerConfig returns defaults for pattern and group.
func DefaultConsumerConfig(name, pattern, group string) ConsumerConfig {
	return ConsumerConfig{
		Name:              name,
		Pattern:           pattern,
		Group:             group,
		MaxDeliveries:     5,
		RedeliveryBackoff: 100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		Concurrency:       16,
		DedupWindow:       10000,
	}
}

// Consumer subscribes to a subject pattern, decodes envelopes and hands
// typed messages to a handler with bounded redelivery.
type Consumer struct {
	transport Transport
	codec     *Codec
	handler   MessageHandler
	cfg       ConsumerConfig
	telemetry Telemetry
	logger    logger.Logger

	limiter *rate.Limiter
	sem     chan struct{}
	dedup   *dedupCache

	mu      sync.Mutex
	sub     Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerTelemetry sets the telemetry sink.
func WithConsumerTelemetry(t Telemetry) ConsumerOption {
	return func(c *Consumer) {
		if t != nil {
			c.telemetry = t
		}
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(log logger.Logger) ConsumerOption {
	return func(c *Consumer) {
		if log != nil {
			c.logger = log
		}
	}
}

// NewConsumer validates cfg and builds a consumer. Call Start to subscribe.
func NewConsumer(transport Transport, codec *Codec, handler MessageHandler, cfg ConsumerConfig, opts ...ConsumerOption) (*Consumer, error) {
	if transport == nil {
		return nil, fmt.Errorf("messaging: transport cannot be nil")
	}
	if codec == nil {
		return nil, fmt.Errorf("messaging: codec cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("messaging: handler cannot be nil")
	}
	if cfg.Pattern == "" {
		return nil, fmt.Errorf("messaging: consumer pattern cannot be empty")
	}
	if cfg.MaxDeliveries < 1 {
		return nil, fmt.Errorf("messaging: max deliveries must be at least 1")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.RedeliveryBackoff <= 0 {
		cfg.RedeliveryBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.RedeliveryBackoff {
		cfg.MaxBackoff = cfg.RedeliveryBackoff
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Pattern
	}

	c := &Consumer{
		transport: transport,
		codec:     codec,
		handler:   handler,
		cfg:       cfg,
		telemetry: nopTelemetry{},
		logger:    logger.Global(),
		limiter:   rate.NewLimiter(limitOf(cfg.RateLimit), burstOf(cfg.RateBurst)),
		sem:       make(chan struct{}, cfg.Concurrency),
		dedup:     newDedupCache(cfg.DedupWindow),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("consumer", cfg.Name)
	return c, nil
}

func limitOf(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

func burstOf(burst int) int {
	if burst < 1 {
		return 1
	}
	return burst
}

// SetRateLimit changes the intake rate of a running consumer.
func (c *Consumer) SetRateLimit(perSecond float64, burst int) {
	c.limiter.SetBurst(burstOf(burst))
	c.limiter.SetLimit(limitOf(perSecond))
}

// Start subscribes. Handlers run on a context cancelled by Stop.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return fmt.Errorf("messaging: consumer %s is stopped", c.cfg.Name)
	}
	if c.sub != nil {
		return fmt.Errorf("messaging: consumer %s already started", c.cfg.Name)
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	sub, err := c.transport.Subscribe(c.cfg.Pattern, c.cfg.Group, c.onDelivery)
	if err != nil {
		c.cancel()
		return fmt.Errorf("messaging: subscribe %s: %w", c.cfg.Pattern, err)
	}
	c.sub = sub
	c.logger.Info("consumer started", "pattern", c.cfg.Pattern, "group", c.cfg.Group)
	return nil
}

// Stop unsubscribes and waits for in-flight messages to finish.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	sub := c.sub
	cancel := c.cancel
	c.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	return err
}

func (c *Consumer) onDelivery(_ context.Context, d Delivery) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.wg.Add(1)
	c.mu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		c.wg.Done()
		return
	}
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		c.wg.Done()
		return
	}

	go func() {
		defer func() {
			<-c.sem
			c.wg.Done()
		}()
		c.process(ctx, d)
	}()
}

func (c *Consumer) process(ctx context.Context, d Delivery) {
	env, err := UnmarshalEnvelope(d.Data)
	if err != nil {
		c.telemetry.RecordConsumed("", StatusInvalid)
		c.logger.WarnContext(ctx, "dropping invalid envelope", "subject", d.Subject, "error", err)
		return
	}
	msg, err := c.codec.Decode(env)
	if errors.Is(err, ErrUnknownMessageType) {
		c.telemetry.RecordConsumed(env.MessageType, StatusUnknown)
		c.logger.DebugContext(ctx, "skipping unknown message type", "subject", d.Subject, "message_type", env.MessageType)
		return
	}
	if err != nil {
		c.telemetry.RecordConsumed(env.MessageType, StatusInvalid)
		c.logger.WarnContext(ctx, "dropping undecodable message", "subject", d.Subject, "error", err)
		return
	}
	if c.dedup.seen(env.MessageID) {
		c.telemetry.RecordConsumed(env.MessageType, StatusDuplicate)
		c.logger.DebugContext(ctx, "dropping duplicate message", "message_id", env.MessageID, "message_type", env.MessageType)
		return
	}

	ctx = logger.WithSaga(ctx, env.CorrelationID, string(env.MessageType))
	ctx, span := otel.Tracer(messagingTracerName).Start(ctx, "messaging.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", d.Subject),
			attribute.String("messaging.message_id", env.MessageID),
			attribute.String("saga.correlation_id", env.CorrelationID),
		))
	defer span.End()

	backoff := c.cfg.RedeliveryBackoff
	for attempt := 1; ; attempt++ {
		err = c.invoke(ctx, msg)
		if err == nil {
			c.telemetry.RecordConsumed(env.MessageType, StatusHandled)
			return
		}
		if ctx.Err() != nil {
			// Stopped mid-flight: let a future delivery handle it.
			c.dedup.forget(env.MessageID)
			return
		}
		if IsPermanent(err) || attempt >= c.cfg.MaxDeliveries {
			break
		}
		c.telemetry.RecordRedelivery(env.MessageType)
		c.logger.DebugContext(ctx, "redelivering message", "message_id", env.MessageID, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			c.dedup.forget(env.MessageID)
			return
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, c.cfg.MaxBackoff, 2)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.telemetry.RecordConsumed(env.MessageType, StatusFailed)
	c.telemetry.RecordDeadLetter(env.MessageType)
	c.logger.ErrorContext(ctx, "message dead-lettered", "message_id", env.MessageID, "error", err)
}

func (c *Consumer) invoke(ctx context.Context, msg saga.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("messaging: handler panic: %v", r)
		}
	}()
	return c.handler(ctx, msg)
}
