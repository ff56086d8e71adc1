package engine

import (
	"github.com/sagaflow/sagaflow/pkg/version"
)

// IsHealthy reports whether the engine is running.
func (e *Engine) IsHealthy() bool {
	return e.State() == StateRunning
}

// IsReady reports whether the engine is running and the bus accepts
// publishes. A degraded publisher keeps instances safe in the outbox but
// callers should back off.
func (e *Engine) IsReady() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == StateRunning && e.publisher != nil && !e.publisher.Degraded()
}

// Status returns a snapshot for the status endpoint.
func (e *Engine) Status() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()

	status := map[string]any{
		"state":        e.state.String(),
		"app":          e.cfg.App.Name,
		"environment":  e.cfg.App.Environment,
		"version":      version.Info(),
		"workflows":    e.workflowNames(),
		"store":        e.storeType(),
		"bus":          e.busType(),
		"participants": e.host != nil,
		"journal":      e.journal != nil,
	}
	if e.publisher != nil {
		status["bus_degraded"] = e.publisher.Degraded()
	}
	if e.scheduler != nil {
		status["scheduled_expiries"] = e.scheduler.Pending()
	}
	return status
}
