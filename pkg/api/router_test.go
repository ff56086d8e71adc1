package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sagaflow/sagaflow/config"
	"github.com/sagaflow/sagaflow/pkg/api/handlers"
	"github.com/sagaflow/sagaflow/pkg/api/response"
	"github.com/sagaflow/sagaflow/pkg/logger"
	"github.com/sagaflow/sagaflow/pkg/saga"
	"github.com/sagaflow/sagaflow/pkg/workflows"
)

type staticStatus struct{ up bool }

func (s staticStatus) IsHealthy() bool { return s.up }
func (s staticStatus) IsReady() bool { return s.up }
func (s staticStatus) Status() map[string]any { return map[string]any{"up": s.up} }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, saga.OutboxMessage) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host: "localhost",
			Port: 8080,
			HTTP: config.HTTPConfig{
				ReadTimeout:    30 * time.Second,
				WriteTimeout:   30 * time.Second,
				IdleTimeout:    120 * time.Second,
				RequestTimeout: 5 * time.Second,
			},
			CORS: config.CORSConfig{
				Enabled: false,
			},
		},
	}
}

// createTestHandlers wires a registration orchestrator holding one saga.
func createTestHandlers(t *testing.T) *Handlers {
	t.Helper()

	def, err := workflows.NewRegistration()
	if err != nil {
		t.Fatalf("NewRegistration failed: %v", err)
	}
	journal := saga.NewMemoryJournal()
	o, err := saga.NewOrchestrator(def, saga.NewMemoryInstanceStore(), nopPublisher{},
		saga.WithLogger(logger.NewNop()), saga.WithJournal(journal))
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	if err := o.Handle(context.Background(), workflows.RegistrationStarted{
		Correlation: "reg-1",
		Email:       "a@x.com",
	}); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	return &Handlers{
		Health: handlers.NewHealthHandler(staticStatus{up: true}),
		Sagas:  handlers.NewSagaHandler(map[string]handlers.SagaReader{def.Name(): o}, journal, logger.NewNop()),
	}
}

func TestNewRouter(t *testing.T) {
	router := NewRouter(testConfig(), logger.NewNop(), &Handlers{})
	if router == nil {
		t.Fatal("NewRouter returned nil")
	}

	// No handlers means no routes.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %v, want %v", w.Code, http.StatusNotFound)
	}
}

func TestRegisterRoutes(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"health check", "/health", http.StatusOK},
		{"ready check", "/ready", http.StatusOK},
		{"status check", "/status", http.StatusOK},
		{"list workflows", "/api/v1/sagas", http.StatusOK},
		{"list sagas", "/api/v1/sagas/registration", http.StatusOK},
		{"get saga", "/api/v1/sagas/registration/reg-1", http.StatusOK},
		{"get journal", "/api/v1/sagas/registration/reg-1/journal", http.StatusOK},
		{"unknown saga", "/api/v1/sagas/registration/missing", http.StatusNotFound},
		{"unknown workflow", "/api/v1/sagas/billing", http.StatusNotFound},
		{"no swagger", "/swagger/index.html", http.StatusNotFound},
	}

	router := NewRouter(testConfig(), logger.NewNop(), createTestHandlers(t))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestRouter_SetsRequestID(t *testing.T) {
	router := NewRouter(testConfig(), logger.NewNop(), createTestHandlers(t))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRouter_ErrorsAreJSON(t *testing.T) {
	router := NewRouter(testConfig(), logger.NewNop(), createTestHandlers(t))

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantCode   string
	}{
		{"unknown route", http.MethodGet, "/swagger/index.html", http.StatusNotFound, response.ErrCodeNotFound},
		{"write method", http.MethodPost, "/api/v1/sagas/registration/reg-1", http.StatusMethodNotAllowed, response.ErrCodeMethodNotAllowed},
		{"delete", http.MethodDelete, "/api/v1/sagas/registration", http.StatusMethodNotAllowed, response.ErrCodeMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.Header.Set("X-Request-ID", "req-404")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var body response.ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("body is not JSON: %q", w.Body.String())
			}
			if body.Error.Code != tt.wantCode || body.Error.RequestID != "req-404" {
				t.Fatalf("error = %+v", body.Error)
			}
		})
	}
}
