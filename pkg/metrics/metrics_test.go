package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sagaflow/sagaflow/pkg/saga"
)

func TestNewManager(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true

	m := NewManager(cfg)
	if m == nil {
		t.Fatal("NewManager returned nil")
	}

	if !m.Enabled() {
		t.Error("Expected metrics to be enabled")
	}
	if m.Registry() == nil {
		t.Error("Expected a registry when enabled")
	}
}

func TestNewManager_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	m := NewManager(cfg)
	if m == nil {
		t.Fatal("NewManager returned nil")
	}

	if m.Enabled() {
		t.Error("Expected metrics to be disabled")
	}
}

func scrape(t *testing.T, m *Manager) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	return w.Body.String()
}

func TestMetricsHandler_SagaFamilies(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.RecordTransition("registration", "Initial", "Started")
	m.RecordIgnored("registration", "OtpSent")
	m.RecordDiscarded("registration", "IdentityCreated", "no_instance")
	m.RecordConflict("registration")
	m.RecordFault("registration")
	m.RecordCompensation("registration", "compensated")
	m.RecordOutboxPublish("registration", "success")
	m.RecordHandleDuration("registration", 3*time.Millisecond)
	m.SetInstances("registration", "Completed", 4)

	body := scrape(t, m)
	expected := []string{
		`saga_transitions_total{from="Initial",to="Started",workflow="registration"} 1`,
		`saga_messages_ignored_total{type="OtpSent",workflow="registration"} 1`,
		`saga_messages_discarded_total{reason="no_instance",type="IdentityCreated",workflow="registration"} 1`,
		"saga_version_conflicts_total",
		"saga_faults_total",
		"saga_compensations_total",
		"saga_outbox_publish_total",
		"saga_handle_duration_seconds",
		`saga_instances{state="Completed",workflow="registration"} 4`,
	}
	for _, metric := range expected {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metric %s not found in output", metric)
		}
	}
}

func TestMetricsHandler_BusFamilies(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.RecordPublish("CreateIdentity", "success")
	m.RecordRetry("CreateIdentity")
	m.SetDegradedMode(true)
	m.RecordOutage()
	m.RecordRecovery()
	m.RecordConsumed("IdentityCreated", "handled")
	m.RecordRedelivery("IdentityCreated")
	m.RecordDeadLetter("IdentityCreated")

	body := scrape(t, m)
	expected := []string{
		`bus_publish_total{status="success",type="CreateIdentity"} 1`,
		"bus_publish_retries_total",
		"bus_degraded_mode 1",
		"bus_outages_total 1",
		"bus_recoveries_total 1",
		`bus_consumed_total{status="handled",type="IdentityCreated"} 1`,
		"bus_redeliveries_total",
		"bus_dead_letters_total",
	}
	for _, metric := range expected {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metric %s not found in output", metric)
		}
	}

	m.SetDegradedMode(false)
	if body := scrape(t, m); !strings.Contains(body, "bus_degraded_mode 0") {
		t.Error("Expected degraded gauge to reset")
	}
}

func TestMetricsHandler_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	m := NewManager(cfg)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	m.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 when disabled, got %d", w.Code)
	}
}

func TestStartServer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Port = 19091 // Use different port for testing

	m := NewManager(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		err := m.StartServer(ctx, cfg.Port, cfg.Path)
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://localhost:19091/metrics")
	if err != nil {
		t.Fatalf("Failed to fetch metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	cancel()

	select {
	case err := <-errCh:
		t.Errorf("Server error: %v", err)
	case <-time.After(1 * time.Second):
	}
}

func TestNoOpManager(t *testing.T) {
	m := NoOpManager()

	if m.Enabled() {
		t.Error("NoOpManager should not be enabled")
	}

	// These should not panic
	m.RecordTransition("w", "a", "b")
	m.RecordConsumed("T", "handled")
	m.SetDegradedMode(true)
	m.RecordHTTPRequest(context.Background(), "GET", "/health", "200", time.Millisecond)
	m.IncActiveConnections()
	m.DecActiveConnections()
	if err := m.StartServer(context.Background(), 0, "/metrics"); err != nil {
		t.Errorf("disabled StartServer() error = %v", err)
	}
}

func BenchmarkRecordTransition(b *testing.B) {
	m := NewManager(DefaultConfig())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordTransition("registration", "Started", "OtpSent")
	}
}

func BenchmarkRecordHTTPRequest(b *testing.B) {
	m := NewManager(DefaultConfig())
	d := 5 * time.Millisecond
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordHTTPRequest(ctx, "GET", "/api/v1/sagas/{workflow}", "200", d)
	}
}

func BenchmarkNoOpRecording(b *testing.B) {
	m := NoOpManager()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordTransition("registration", "Started", "OtpSent")
		m.RecordConsumed("OtpSent", "handled")
	}
}

func TestMetricsCardinalityStaysBounded(t *testing.T) {
	m := NewManager(DefaultConfig())

	workflows := []string{"registration", "admin_user_creation"}
	types := []string{"IdentityCreated", "ProfileCreated", "OtpSent"}
	methods := []string{"GET", "POST"}
	paths := []string{"/api/v1/sagas/{workflow}", "/health", "/ready"}

	for i := 0; i < 100000; i++ {
		w := workflows[i%len(workflows)]
		m.RecordTransition(w, "Started", "OtpSent")
		m.RecordHandleDuration(w, time.Duration(i)*time.Microsecond)
		m.RecordConsumed(saga.MessageType(types[i%len(types)]), "handled")
		m.RecordHTTPRequest(context.Background(), methods[i%len(methods)], paths[i%len(paths)], "200", time.Duration(i)*time.Microsecond)
	}

	body := scrape(t, m)
	if len(body) > 10*1024*1024 { // 10MB sanity check
		t.Errorf("Metrics output too large: %d bytes", len(body))
	}
}
