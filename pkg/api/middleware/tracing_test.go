package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func setTracingTestProvider(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	prevProvider := otel.GetTracerProvider()
	prevPropagator := otel.GetTextMapPropagator()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})
	return recorder
}

// tracedSagaRouter mounts the saga routes behind RequestID and Tracing.
func tracedSagaRouter(status int) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID())
	r.Use(Tracing())
	reply := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(status) }
	r.Get("/api/v1/sagas/{workflow}", reply)
	r.Get("/api/v1/sagas/{workflow}/{correlationID}", reply)
	r.Get("/health", reply)
	return r
}

func attrMap(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func onlySpan(t *testing.T, recorder *tracetest.SpanRecorder) sdktrace.ReadOnlySpan {
	t.Helper()
	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	return spans[0]
}

func TestTracing_TagsSagaRoute(t *testing.T) {
	recorder := setTracingTestProvider(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sagas/registration/reg-42", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	tracedSagaRouter(http.StatusOK).ServeHTTP(httptest.NewRecorder(), req)

	span := onlySpan(t, recorder)
	if got, want := span.Name(), "GET /api/v1/sagas/{workflow}/{correlationID}"; got != want {
		t.Errorf("span name = %q, want %q", got, want)
	}
	if span.SpanKind() != trace.SpanKindServer {
		t.Errorf("span kind = %v, want server", span.SpanKind())
	}
	attrs := attrMap(span)
	for key, want := range map[attribute.Key]string{
		"saga.workflow":       "registration",
		"saga.correlation_id": "reg-42",
		"http.route":          "/api/v1/sagas/{workflow}/{correlationID}",
		"http.request_id":     "req-42",
	} {
		if got := attrs[key].AsString(); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
	if got := attrs["http.response.status_code"].AsInt64(); got != http.StatusOK {
		t.Errorf("status code attribute = %d", got)
	}
}

func TestTracing_WorkflowListHasNoCorrelationID(t *testing.T) {
	recorder := setTracingTestProvider(t)

	tracedSagaRouter(http.StatusOK).ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodGet, "/api/v1/sagas/admin_user_creation", nil))

	attrs := attrMap(onlySpan(t, recorder))
	if attrs["saga.workflow"].AsString() != "admin_user_creation" {
		t.Errorf("saga.workflow = %q", attrs["saga.workflow"].AsString())
	}
	if _, ok := attrs["saga.correlation_id"]; ok {
		t.Error("list route must not carry a correlation id")
	}
}

func TestTracing_ContinuesInboundTrace(t *testing.T) {
	recorder := setTracingTestProvider(t)

	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1},
		SpanID:     trace.SpanID{2, 2, 2, 2, 2, 2, 2, 2},
		TraceFlags: trace.FlagsSampled,
	})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sagas/registration/reg-1", nil)
	otel.GetTextMapPropagator().Inject(trace.ContextWithSpanContext(context.Background(), parent),
		propagation.HeaderCarrier(req.Header))

	tracedSagaRouter(http.StatusOK).ServeHTTP(httptest.NewRecorder(), req)

	span := onlySpan(t, recorder)
	if span.Parent().TraceID() != parent.TraceID() || !span.Parent().IsRemote() {
		t.Fatalf("parent = %v, want remote %s", span.Parent(), parent.TraceID())
	}
}

func TestTracing_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   otelcodes.Code
	}{
		{http.StatusOK, otelcodes.Ok},
		{http.StatusNotFound, otelcodes.Ok},
		{http.StatusBadRequest, otelcodes.Ok},
		{http.StatusInternalServerError, otelcodes.Error},
		{http.StatusGatewayTimeout, otelcodes.Error},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			recorder := setTracingTestProvider(t)

			tracedSagaRouter(tt.status).ServeHTTP(httptest.NewRecorder(),
				httptest.NewRequest(http.MethodGet, "/api/v1/sagas/registration/reg-1", nil))

			if got := onlySpan(t, recorder).Status().Code; got != tt.want {
				t.Fatalf("span status = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTracing_SkipsHealthChecks(t *testing.T) {
	recorder := setTracingTestProvider(t)

	tracedSagaRouter(http.StatusOK).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	if spans := recorder.Ended(); len(spans) != 0 {
		t.Fatalf("expected no spans for /health, got %d", len(spans))
	}
}
