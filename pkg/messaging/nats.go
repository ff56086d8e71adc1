package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sagaflow/sagaflow/pkg/logger"
)

// NATSConfig configures the NATS transport.
type NATSConfig struct {
	URL            string
	Name           string
	ConnectTimeout time.Duration
	// MaxReconnects of -1 reconnects forever.
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATSTransport is a core NATS Transport. Delivery is at most once: a
// message published while no subscriber is connected is lost, which the
// saga outbox relay covers by republishing.
type NATSTransport struct {
	conn   *nats.Conn
	logger logger.Logger
}

var _ Transport = (*NATSTransport)(nil)

// DialNATS connects to the configured server.
func DialNATS(cfg NATSConfig, log logger.Logger) (*NATSTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("messaging: nats url cannot be empty")
	}
	if log == nil {
		log = logger.Global()
	}
	log = log.With("transport", "nats")

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("nats async error", "subject", subject, "error", err)
		}),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect nats %s: %w", cfg.URL, err)
	}
	return &NATSTransport{conn: conn, logger: log}, nil
}

// NewNATSTransport wraps an existing connection.
func NewNATSTransport(conn *nats.Conn, log logger.Logger) *NATSTransport {
	if log == nil {
		log = logger.Global()
	}
	return &NATSTransport{conn: conn, logger: log.With("transport", "nats")}
}

// Publish sends data on subject.
func (t *NATSTransport) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.conn.IsClosed() {
		return ErrTransportClosed
	}
	return t.conn.Publish(subject, data)
}

// Subscribe uses a queue subscription when group is set.
func (t *NATSTransport) Subscribe(pattern, group string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("messaging: handler cannot be nil")
	}
	cb := func(msg *nats.Msg) {
		handler(context.Background(), Delivery{
			Subject:   msg.Subject,
			Data:      msg.Data,
			Timestamp: nowUTC(),
		})
	}
	var (
		sub *nats.Subscription
		err error
	)
	if group != "" {
		sub, err = t.conn.QueueSubscribe(pattern, group, cb)
	} else {
		sub, err = t.conn.Subscribe(pattern, cb)
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Healthy reports whether the connection is up.
func (t *NATSTransport) Healthy(context.Context) error {
	if !t.conn.IsConnected() {
		return fmt.Errorf("messaging: nats not connected (status %v)", t.conn.Status())
	}
	return nil
}

// Close drains subscriptions and closes the connection.
func (t *NATSTransport) Close() error {
	if t.conn.IsClosed() {
		return nil
	}
	if err := t.conn.Drain(); err != nil {
		t.conn.Close()
		return err
	}
	return nil
}
