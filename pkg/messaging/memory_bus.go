package messaging

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBus is an in-process Transport for tests and single-node runs.
//
// Unlike the fire-and-forget pub/sub it replaces, Publish blocks while a
// subscriber's buffer is full, so no delivery is dropped.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	rr     map[string]int
	closed bool
	buffer int
}

var _ Transport = (*MemoryBus)(nil)

type memorySubscription struct {
	bus     *MemoryBus
	pattern string
	group   string
	ch      chan Delivery
	done    chan struct{}
	once    sync.Once
}

// NewMemoryBus creates an in-memory bus with the given per-subscription buffer.
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryBus{rr: make(map[string]int), buffer: buffer}
}

// Publish delivers to every matching plain subscription and to one member of
// each matching group.
func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if subject == "" {
		return fmt.Errorf("messaging: subject cannot be empty")
	}

	targets, err := b.targets(subject)
	if err != nil {
		return err
	}

	d := Delivery{
		Subject:   subject,
		Data:      append([]byte(nil), data...),
		Timestamp: nowUTC(),
	}
	for _, sub := range targets {
		select {
		case sub.ch <- d:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) targets(subject string) ([]*memorySubscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrTransportClosed
	}

	var targets []*memorySubscription
	groups := make(map[string][]*memorySubscription)
	var groupOrder []string
	for _, sub := range b.subs {
		if !subjectMatches(sub.pattern, subject) {
			continue
		}
		if sub.group == "" {
			targets = append(targets, sub)
			continue
		}
		key := sub.group + "|" + sub.pattern
		if _, ok := groups[key]; !ok {
			groupOrder = append(groupOrder, key)
		}
		groups[key] = append(groups[key], sub)
	}
	for _, key := range groupOrder {
		members := groups[key]
		next := b.rr[key] % len(members)
		b.rr[key] = next + 1
		targets = append(targets, members[next])
	}
	return targets, nil
}

// Subscribe registers a handler. Each subscription runs its handler on its
// own goroutine.
func (b *MemoryBus) Subscribe(pattern, group string, handler Handler) (Subscription, error) {
	if pattern == "" {
		return nil, fmt.Errorf("messaging: subscription pattern cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("messaging: handler cannot be nil")
	}

	sub := &memorySubscription{
		bus:     b,
		pattern: pattern,
		group:   group,
		ch:      make(chan Delivery, b.buffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrTransportClosed
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go sub.run(handler)
	return sub, nil
}

func (s *memorySubscription) run(handler Handler) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.done
		cancel()
	}()
	for {
		select {
		case <-s.done:
			return
		case d := <-s.ch:
			handler(ctx, d)
		}
	}
}

// Unsubscribe stops delivery. Buffered deliveries not yet handled are dropped.
func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
	return nil
}

func (b *MemoryBus) remove(target *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	filtered := b.subs[:0]
	for _, sub := range b.subs {
		if sub != target {
			filtered = append(filtered, sub)
		}
	}
	b.subs = filtered
}

// Close unsubscribes everything. Later publishes fail.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := append([]*memorySubscription(nil), b.subs...)
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return nil
}
