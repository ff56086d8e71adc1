// Package handlers provides HTTP request handlers.
package handlers

import (
	"net/http"

	"github.com/sagaflow/sagaflow/pkg/api/response"
)

// StatusReporter is the part of the engine the health endpoints read.
type StatusReporter interface {
	IsHealthy() bool
	IsReady() bool
	Status() map[string]any
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	engine StatusReporter
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(eng StatusReporter) *HealthHandler {
	return &HealthHandler{
		engine: eng,
	}
}

// Health handles the /health endpoint (liveness check).
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.engine.IsHealthy() {
		response.JSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	} else {
		response.JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
		})
	}
}

// Ready handles the /ready endpoint (readiness check).
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.engine.IsReady() {
		response.JSON(w, http.StatusOK, map[string]bool{
			"ready": true,
		})
	} else {
		response.JSON(w, http.StatusServiceUnavailable, map[string]bool{
			"ready": false,
		})
	}
}

// Status handles the /status endpoint (detailed status).
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, h.engine.Status())
}
