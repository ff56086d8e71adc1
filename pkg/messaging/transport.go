package messaging

import (
	"context"
	"errors"
	"time"
)

// ErrTransportClosed is returned after Close.
var ErrTransportClosed = errors.New("messaging: transport is closed")

// Delivery is one message handed to a subscription.
type Delivery struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
}

// Handler processes deliveries for one subscription. Deliveries to a single
// subscription are sequential.
type Handler func(ctx context.Context, d Delivery)

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Transport moves bytes between subjects. Patterns use NATS wildcards:
// "*" matches one token and a trailing ">" matches one or more. A non-empty
// group load-balances deliveries across the group's subscribers where the
// transport supports it.
type Transport interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(pattern, group string, handler Handler) (Subscription, error)
	Close() error
}

var nowUTC = func() time.Time { return time.Now().UTC() }
