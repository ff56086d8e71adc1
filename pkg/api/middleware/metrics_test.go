package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
)

type httpSample struct {
	method, path, status string
	traceID              trace.TraceID
}

type recordingMetrics struct {
	samples  []httpSample
	inFlight int
	peak     int
}

func (m *recordingMetrics) RecordHTTPRequest(ctx context.Context, method, path, status string, _ time.Duration) {
	m.samples = append(m.samples, httpSample{
		method:  method,
		path:    path,
		status:  status,
		traceID: trace.SpanContextFromContext(ctx).TraceID(),
	})
}

func (m *recordingMetrics) IncActiveConnections() {
	m.inFlight++
	if m.inFlight > m.peak {
		m.peak = m.inFlight
	}
}

func (m *recordingMetrics) DecActiveConnections() { m.inFlight-- }

func meteredSagaRouter(m *recordingMetrics, status int) http.Handler {
	r := chi.NewRouter()
	r.Use(Metrics(m))
	reply := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(status) }
	r.Get("/api/v1/sagas/{workflow}", reply)
	r.Get("/api/v1/sagas/{workflow}/{correlationID}", reply)
	r.Get("/metrics", reply)
	return r
}

func TestMetrics(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		status   int
		wantPath string
	}{
		{"saga read", "/api/v1/sagas/registration/reg-abc", http.StatusOK, "/api/v1/sagas/{workflow}/{correlationID}"},
		{"other saga same label", "/api/v1/sagas/admin_user_creation/adm-9", http.StatusNotFound, "/api/v1/sagas/{workflow}/{correlationID}"},
		{"workflow list", "/api/v1/sagas/registration", http.StatusOK, "/api/v1/sagas/{workflow}"},
		{"scanner noise", "/wp-admin", http.StatusNotFound, "unmatched"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &recordingMetrics{}
			meteredSagaRouter(m, tt.status).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, nil))

			if len(m.samples) != 1 {
				t.Fatalf("samples = %v", m.samples)
			}
			got := m.samples[0]
			if got.path != tt.wantPath || got.method != http.MethodGet {
				t.Fatalf("recorded %s %s, want GET %s", got.method, got.path, tt.wantPath)
			}
			if got.status != strconv.Itoa(tt.status) {
				t.Fatalf("status label = %q", got.status)
			}
			if m.inFlight != 0 || m.peak != 1 {
				t.Fatalf("in flight = %d, peak = %d", m.inFlight, m.peak)
			}
		})
	}
}

func TestMetrics_SkipsScrapes(t *testing.T) {
	m := &recordingMetrics{}
	meteredSagaRouter(m, http.StatusOK).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if len(m.samples) != 0 || m.peak != 0 {
		t.Fatalf("scrape was metered: %v", m.samples)
	}
}

func TestMetrics_PanicRecordsServerError(t *testing.T) {
	m := &recordingMetrics{}
	handler := Metrics(m)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("store exploded")
	}))

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected the panic to propagate to Recovery")
			}
		}()
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/sagas/registration/reg-1", nil))
	}()

	if len(m.samples) != 1 || m.samples[0].status != "500" || m.inFlight != 0 {
		t.Fatalf("samples = %v, in flight = %d", m.samples, m.inFlight)
	}
}

func TestMetrics_PassesTraceContext(t *testing.T) {
	m := &recordingMetrics{}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1},
		SpanID:     trace.SpanID{2, 2, 2, 2, 2, 2, 2, 2},
		TraceFlags: trace.FlagsSampled,
	})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sagas/registration/reg-1", nil).
		WithContext(trace.ContextWithSpanContext(context.Background(), sc))

	meteredSagaRouter(m, http.StatusOK).ServeHTTP(httptest.NewRecorder(), req)

	if len(m.samples) != 1 || m.samples[0].traceID != sc.TraceID() {
		t.Fatalf("samples = %v, want trace %s", m.samples, sc.TraceID())
	}
}
