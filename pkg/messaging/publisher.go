package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sagaflow/sagaflow/pkg/logger"
	"github.com/sagaflow/sagaflow/pkg/saga"
)

// RetryConfig controls retry/backoff behavior for publish attempts.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// AttemptTimeout bounds a single transport publish. Zero means no bound.
	AttemptTimeout time.Duration
}

// DefaultRetryConfig returns default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2,
		AttemptTimeout: 5 * time.Second,
	}
}

// Publisher sends outbox messages onto the transport. It implements
// saga.Publisher for orchestrators and the outbox relay.
type Publisher struct {
	transport Transport
	codec     *Codec
	retry     RetryConfig
	telemetry Telemetry
	logger    logger.Logger

	mu       sync.Mutex
	degraded bool
}

var _ saga.Publisher = (*Publisher)(nil)

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherTelemetry sets the telemetry sink.
func WithPublisherTelemetry(t Telemetry) PublisherOption {
	return func(p *Publisher) {
		if t != nil {
			p.telemetry = t
		}
	}
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(log logger.Logger) PublisherOption {
	return func(p *Publisher) {
		if log != nil {
			p.logger = log
		}
	}
}

// NewPublisher creates a publisher over transport.
func NewPublisher(transport Transport, codec *Codec, retry RetryConfig, opts ...PublisherOption) (*Publisher, error) {
	if transport == nil {
		return nil, fmt.Errorf("messaging: transport cannot be nil")
	}
	if codec == nil {
		return nil, fmt.Errorf("messaging: codec cannot be nil")
	}
	if retry.MaxRetries < 0 {
		return nil, fmt.Errorf("messaging: max retries cannot be negative")
	}
	if retry.InitialBackoff <= 0 || retry.MaxBackoff <= 0 || retry.BackoffFactor < 1 {
		return nil, fmt.Errorf("messaging: invalid retry config")
	}
	p := &Publisher{
		transport: transport,
		codec:     codec,
		retry:     retry,
		telemetry: nopTelemetry{},
		logger:    logger.Global(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Publish sends one outbox message, retrying transport failures with backoff.
func (p *Publisher) Publish(ctx context.Context, msg saga.OutboxMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject, err := p.codec.Subject(msg.MessageType)
	if err != nil {
		return err
	}
	body, err := MarshalEnvelope(EnvelopeFromOutbox(msg))
	if err != nil {
		return err
	}

	backoff := p.retry.InitialBackoff
	var publishErr error
	for attempt := 0; attempt <= p.retry.MaxRetries; attempt++ {
		publishErr = p.attempt(ctx, subject, body)
		if publishErr == nil {
			p.telemetry.RecordPublish(msg.MessageType, "success")
			p.onPublishRecovered()
			return nil
		}
		if attempt == p.retry.MaxRetries {
			break
		}
		p.telemetry.RecordRetry(msg.MessageType)
		p.onPublishOutage()
		p.logger.DebugContext(ctx, "publish attempt failed",
			"subject", subject, "message_id", msg.MessageID, "attempt", attempt+1, "error", publishErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, p.retry.MaxBackoff, p.retry.BackoffFactor)
	}

	p.telemetry.RecordPublish(msg.MessageType, "failed")
	p.onPublishOutage()
	return fmt.Errorf("messaging: publish %s %s: %w", msg.MessageType, msg.MessageID, publishErr)
}

// Send encodes a typed message and publishes it. Used for messages that do
// not originate from an instance outbox, such as start events.
func (p *Publisher) Send(ctx context.Context, msg saga.Message) error {
	env, err := p.codec.Encode(msg)
	if err != nil {
		return err
	}
	return p.Publish(ctx, saga.OutboxMessage{
		MessageID:     env.MessageID,
		MessageType:   env.MessageType,
		CorrelationID: env.CorrelationID,
		Payload:       env.Payload,
		CreatedAt:     env.Timestamp,
	})
}

func (p *Publisher) attempt(ctx context.Context, subject string, body []byte) error {
	if p.retry.AttemptTimeout <= 0 {
		return p.transport.Publish(ctx, subject, body)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.retry.AttemptTimeout)
	defer cancel()
	return p.transport.Publish(attemptCtx, subject, body)
}

// Degraded reports whether the publisher currently considers the bus degraded.
func (p *Publisher) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

func (p *Publisher) onPublishOutage() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.degraded {
		return
	}
	p.degraded = true
	p.telemetry.SetDegradedMode(true)
	p.telemetry.RecordOutage()
	p.logger.Warn("message bus degraded")
}

func (p *Publisher) onPublishRecovered() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.degraded {
		return
	}
	p.degraded = false
	p.telemetry.SetDegradedMode(false)
	p.telemetry.RecordRecovery()
	p.logger.Info("message bus recovered")
}

func nextBackoff(current, max time.Duration, factor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}
