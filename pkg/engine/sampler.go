package engine

import (
	"context"
	"time"

	"github.com/sagaflow/sagaflow/pkg/saga"
)

// runSampler refreshes the saga_instances gauge until ctx is cancelled.
func (e *Engine) runSampler(ctx context.Context) {
	e.sampleInstances(ctx)

	ticker := time.NewTicker(e.sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sampleInstances(ctx)
		}
	}
}

// sampleInstances counts stored instances per workflow and state. A one-row
// page is enough to read the total.
func (e *Engine) sampleInstances(ctx context.Context) {
	for _, def := range e.defs {
		for _, state := range def.States() {
			if ctx.Err() != nil {
				return
			}
			_, total, err := e.store.List(ctx, saga.InstanceFilter{
				Workflow: def.Name(),
				State:    state,
				Limit:    1,
			})
			if err != nil {
				e.logger.DebugContext(ctx, "instance sample failed", "workflow", def.Name(), "state", state, "error", err)
				continue
			}
			e.metrics.SetInstances(def.Name(), state.String(), total)
		}
	}
}
