package participants

import (
	"context"
	"fmt"

	"github.com/sagaflow/sagaflow/pkg/messaging"
	"github.com/sagaflow/sagaflow/pkg/saga"
)

// Host subscribes participants to their command subjects.
type Host struct {
	mux      *messaging.Mux
	consumer *messaging.Consumer
}

// NewHost builds a consumer for every participant's command. An empty
// cfg.Pattern subscribes to all commands under the codec prefix.
func NewHost(transport messaging.Transport, codec *messaging.Codec, participants []Participant, cfg messaging.ConsumerConfig, opts ...messaging.ConsumerOption) (*Host, error) {
	if len(participants) == 0 {
		return nil, fmt.Errorf("participants: host needs at least one participant")
	}
	mux := messaging.NewMux()
	seen := make(map[saga.MessageType]struct{}, len(participants))
	for _, p := range participants {
		typ := p.CommandType()
		if kind, ok := codec.Kind(typ); !ok || kind != messaging.KindCommand {
			return nil, fmt.Errorf("participants: %s is not a registered command", typ)
		}
		if _, dup := seen[typ]; dup {
			return nil, fmt.Errorf("participants: two participants for %s", typ)
		}
		seen[typ] = struct{}{}
		mux.Handle(typ, p.Handle)
	}

	if cfg.Pattern == "" {
		cfg.Pattern = messaging.KindWildcardSubject(codec.Prefix(), messaging.KindCommand)
	}
	if cfg.Name == "" {
		cfg.Name = "participants"
	}
	consumer, err := messaging.NewConsumer(transport, codec, mux.Dispatch, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &Host{mux: mux, consumer: consumer}, nil
}

// Start subscribes.
func (h *Host) Start(ctx context.Context) error {
	return h.consumer.Start(ctx)
}

// Stop unsubscribes and waits for in-flight commands.
func (h *Host) Stop() error {
	return h.consumer.Stop()
}

// SetRateLimit changes the command intake rate.
func (h *Host) SetRateLimit(perSecond float64, burst int) {
	h.consumer.SetRateLimit(perSecond, burst)
}

// Commands returns the hosted command types.
func (h *Host) Commands() []saga.MessageType {
	return h.mux.Types()
}
