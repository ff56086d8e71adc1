package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sagaflow/sagaflow/pkg/saga"
)

type pingCommand struct {
	Correlation string `json:"correlation_id"`
	Note        string `json:"note"`
}

func (pingCommand) MessageType() saga.MessageType { return "Ping" }
func (p pingCommand) CorrelationID() string { return p.Correlation }

type pongEvent struct {
	Correlation string `json:"correlation_id"`
}

func (pongEvent) MessageType() saga.MessageType { return "Pong" }
func (p pongEvent) CorrelationID() string { return p.Correlation }

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec := NewCodec("test.v1")
	if err := Register[pingCommand](codec, KindCommand); err != nil {
		t.Fatalf("Register(Ping) error = %v", err)
	}
	if err := Register[pongEvent](codec, KindEvent); err != nil {
		t.Fatalf("Register(Pong) error = %v", err)
	}
	return codec
}

type flakyTransport struct {
	*MemoryBus
	failCount atomic.Int32
	calls     atomic.Int32
}

func (t *flakyTransport) Publish(ctx context.Context, subject string, data []byte) error {
	t.calls.Add(1)
	if t.failCount.Load() > 0 {
		t.failCount.Add(-1)
		return errors.New("simulated bus outage")
	}
	return t.MemoryBus.Publish(ctx, subject, data)
}

type recordingTelemetry struct {
	mu          sync.Mutex
	consumed    map[string]int
	outages     atomic.Int32
	recoveries  atomic.Int32
	retries     atomic.Int32
	redelivered atomic.Int32
	deadLetters atomic.Int32
	degraded    atomic.Bool
}

func newRecordingTelemetry() *recordingTelemetry {
	return &recordingTelemetry{consumed: make(map[string]int)}
}

func (p *recordingTelemetry) RecordPublish(saga.MessageType, string) {}
func (p *recordingTelemetry) RecordRetry(saga.MessageType) { p.retries.Add(1) }
func (p *recordingTelemetry) SetDegradedMode(active bool) { p.degraded.Store(active) }
func (p *recordingTelemetry) RecordOutage() { p.outages.Add(1) }
func (p *recordingTelemetry) RecordRecovery() { p.recoveries.Add(1) }
func (p *recordingTelemetry) RecordRedelivery(saga.MessageType) { p.redelivered.Add(1) }
func (p *recordingTelemetry) RecordDeadLetter(saga.MessageType) { p.deadLetters.Add(1) }

func (p *recordingTelemetry) RecordConsumed(_ saga.MessageType, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumed[status]++
}

func (p *recordingTelemetry) consumedCount(status string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consumed[status]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
