package messaging

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sagaflow/sagaflow/pkg/logger"
)

func requireRedisClient(tb testing.TB) redis.UniversalClient {
	tb.Helper()

	addr := os.Getenv("SAGAFLOW_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		tb.Skipf("redis is not available at %s: %v", addr, err)
	}
	tb.Cleanup(func() { _ = client.Close() })
	return client
}

func requireNATS(tb testing.TB) *NATSTransport {
	tb.Helper()

	url := os.Getenv("SAGAFLOW_TEST_NATS_URL")
	if url == "" {
		tb.Skip("SAGAFLOW_TEST_NATS_URL not set")
	}
	transport, err := DialNATS(NATSConfig{
		URL:            url,
		Name:           "sagaflow-test",
		ConnectTimeout: time.Second,
	}, logger.NewNop())
	if err != nil {
		tb.Skipf("nats is not available at %s: %v", url, err)
	}
	tb.Cleanup(func() { _ = transport.Close() })
	return transport
}

func exerciseTransport(t *testing.T, transport Transport, prefix string) {
	t.Helper()

	got := make(chan Delivery, 4)
	sub, err := transport.Subscribe(prefix+".event.>", "", func(_ context.Context, d Delivery) { got <- d })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Unsubscribe()
	time.Sleep(50 * time.Millisecond)

	ctx := context.Background()
	if err := transport.Publish(ctx, prefix+".command.Ping", []byte("skip")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := transport.Publish(ctx, prefix+".event.Pong", []byte("hello")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case d := <-got:
		if d.Subject != prefix+".event.Pong" || string(d.Data) != "hello" {
			t.Fatalf("unexpected delivery %s %q", d.Subject, d.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}
	select {
	case d := <-got:
		t.Fatalf("unexpected extra delivery on %s", d.Subject)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisTransport_PublishSubscribe(t *testing.T) {
	client := requireRedisClient(t)
	transport := NewRedisTransport(client, logger.NewNop())
	defer transport.Close()

	if err := transport.Healthy(context.Background()); err != nil {
		t.Fatalf("Healthy() error = %v", err)
	}
	exerciseTransport(t, transport, fmt.Sprintf("sagaflow.test.%d", time.Now().UnixNano()))

	if err := transport.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := transport.Publish(context.Background(), "x", nil); err != ErrTransportClosed {
		t.Errorf("expected ErrTransportClosed, got %v", err)
	}
}

func TestNATSTransport_PublishSubscribe(t *testing.T) {
	transport := requireNATS(t)
	if err := transport.Healthy(context.Background()); err != nil {
		t.Fatalf("Healthy() error = %v", err)
	}
	exerciseTransport(t, transport, fmt.Sprintf("sagaflow.test.%d", time.Now().UnixNano()))
}

func TestDialRedis(t *testing.T) {
	if _, err := DialRedis(context.Background(), RedisConfig{}, logger.NewNop()); err == nil {
		t.Fatal("expected error for empty address")
	}

	requireRedisClient(t)
	addr := os.Getenv("SAGAFLOW_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	transport, err := DialRedis(context.Background(), RedisConfig{Address: addr}, logger.NewNop())
	if err != nil {
		t.Fatalf("DialRedis() error = %v", err)
	}
	if err := transport.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// The owned client is closed with the transport.
	if err := transport.client.Ping(context.Background()).Err(); err == nil {
		t.Error("expected ping on a closed client to fail")
	}
}
