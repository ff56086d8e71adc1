package saga

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Router resolves the instance an inbound message belongs to.
//
// Messages correlate by id. Only the definition's start event may create an
// instance; every other type arriving for an unknown id yields ErrNoInstance.
type Router struct {
	def   *Definition
	store InstanceStore
	now   func() time.Time
}

// NewRouter creates a router for one definition.
func NewRouter(def *Definition, store InstanceStore) *Router {
	return &Router{def: def, store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Route returns the instance for msg and whether it is new (not yet stored).
func (r *Router) Route(ctx context.Context, msg Message) (*Instance, bool, error) {
	id := msg.CorrelationID()
	if id == "" {
		return nil, false, fmt.Errorf("%w: %s", ErrMissingCorrelation, msg.MessageType())
	}

	inst, err := r.store.Load(ctx, r.def.name, id)
	if errors.Is(err, ErrInstanceNotFound) {
		if msg.MessageType() != r.def.startEvent {
			return nil, false, fmt.Errorf("%w: %s %s/%s", ErrNoInstance, msg.MessageType(), r.def.name, id)
		}
		return NewInstance(r.def.name, id, r.now()), true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("saga: load %s/%s: %w", r.def.name, id, err)
	}

	// A start event for a run that advanced without its initializing field
	// is a logically new run: wipe the residue of the old one. A populated
	// field means a duplicate start, which the table ignores.
	if msg.MessageType() == r.def.startEvent &&
		inst.State != StateInitial &&
		!r.def.IsTerminal(inst.State) &&
		inst.Field(r.def.initField) == "" {
		inst.reinitialize(r.now())
	}
	return inst, false, nil
}
