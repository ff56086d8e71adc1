package messaging

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/sagaflow/sagaflow/pkg/logger"
)

// RedisTransport is a Redis Pub/Sub Transport.
//
// Redis has no queue groups, so the group argument is ignored and every
// subscriber sees every message. Consumers rely on optimistic saga writes to
// make the duplicate handling harmless.
type RedisTransport struct {
	client     redis.UniversalClient
	ownsClient bool
	logger     logger.Logger

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

var _ Transport = (*RedisTransport)(nil)

type redisSubscription struct {
	transport *RedisTransport
	pubsub    *redis.PubSub
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
}

// RedisConfig configures DialRedis.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// DialRedis connects and pings a Redis server. Close also closes the client.
func DialRedis(ctx context.Context, cfg RedisConfig, log logger.Logger) (*RedisTransport, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("messaging: redis address cannot be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("messaging: ping redis %s: %w", cfg.Address, err)
	}
	t := NewRedisTransport(client, log)
	t.ownsClient = true
	return t, nil
}

// NewRedisTransport wraps a Redis client. Close leaves the client open.
func NewRedisTransport(client redis.UniversalClient, log logger.Logger) *RedisTransport {
	if log == nil {
		log = logger.Global()
	}
	return &RedisTransport{
		client: client,
		logger: log.With("transport", "redis"),
		subs:   make(map[*redisSubscription]struct{}),
	}
}

// Publish sends data on subject.
func (t *RedisTransport) Publish(ctx context.Context, subject string, data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	return t.client.Publish(ctx, subject, data).Err()
}

// Subscribe pattern-subscribes and filters locally with NATS wildcard rules,
// since Redis globs are looser than NATS tokens.
func (t *RedisTransport) Subscribe(pattern, _ string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("messaging: handler cannot be nil")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	var pubsub *redis.PubSub
	if glob := redisPattern(pattern); glob != pattern {
		pubsub = t.client.PSubscribe(ctx, glob)
	} else {
		pubsub = t.client.Subscribe(ctx, pattern)
	}
	// Receive confirms the subscription before any publish can race it.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("messaging: redis subscribe %s: %w", pattern, err)
	}

	sub := &redisSubscription{
		transport: t,
		pubsub:    pubsub,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	t.subs[sub] = struct{}{}
	go sub.forward(ctx, pattern, handler)
	return sub, nil
}

func (s *redisSubscription) forward(ctx context.Context, pattern string, handler Handler) {
	defer close(s.done)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if !subjectMatches(pattern, msg.Channel) {
				continue
			}
			handler(ctx, Delivery{
				Subject:   msg.Channel,
				Data:      []byte(msg.Payload),
				Timestamp: nowUTC(),
			})
		}
	}
}

func (s *redisSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
		s.transport.mu.Lock()
		delete(s.transport.subs, s)
		s.transport.mu.Unlock()
	})
	return err
}

// redisPattern turns NATS wildcards into a Redis glob.
func redisPattern(pattern string) string {
	tokens := strings.Split(pattern, ".")
	for i, tok := range tokens {
		if tok == "*" || tok == ">" {
			tokens[i] = "*"
		}
	}
	return strings.Join(tokens, ".")
}

// Healthy pings the server.
func (t *RedisTransport) Healthy(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close unsubscribes everything. The client is left open for its owner.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*redisSubscription, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if t.ownsClient {
		return t.client.Close()
	}
	return nil
}
