package interceptors

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/sagaflow/sagaflow/pkg/logger"
)

type testServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (t *testServerStream) Context() context.Context { return t.ctx }
func (t *testServerStream) SetHeader(metadata.MD) error { return nil }

var unaryInfo = &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

func TestRecoveryUnaryInterceptor_Panic(t *testing.T) {
	interceptor := RecoveryUnaryInterceptor(logger.NewNop())
	_, err := interceptor(context.Background(), nil, unaryInfo, func(ctx context.Context, req interface{}) (interface{}, error) {
		panic("boom")
	})
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %v", status.Code(err))
	}
}

func TestRecoveryStreamInterceptor_Panic(t *testing.T) {
	interceptor := RecoveryStreamInterceptor(logger.NewNop())
	stream := &testServerStream{ctx: context.Background()}
	err := interceptor(nil, stream, &grpc.StreamServerInfo{FullMethod: "/svc/stream"}, func(srv interface{}, ss grpc.ServerStream) error {
		panic("boom")
	})
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %v", status.Code(err))
	}
}

func TestRequestIDUnaryInterceptor(t *testing.T) {
	interceptor := RequestIDUnaryInterceptor()

	t.Run("generates", func(t *testing.T) {
		var got string
		_, err := interceptor(context.Background(), nil, unaryInfo, func(ctx context.Context, req interface{}) (interface{}, error) {
			got, _ = RequestIDFromContext(ctx)
			return nil, nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got == "" {
			t.Fatal("expected a generated request id")
		}
	})

	t.Run("propagates", func(t *testing.T) {
		incoming := metadata.NewIncomingContext(context.Background(), metadata.Pairs(RequestIDKey, "req-42"))
		var got string
		_, _ = interceptor(incoming, nil, unaryInfo, func(ctx context.Context, req interface{}) (interface{}, error) {
			got, _ = RequestIDFromContext(ctx)
			return nil, nil
		})
		if got != "req-42" {
			t.Fatalf("expected req-42, got %q", got)
		}
	})
}

func TestRequestIDStreamInterceptor(t *testing.T) {
	interceptor := RequestIDStreamInterceptor()
	incoming := metadata.NewIncomingContext(context.Background(), metadata.Pairs(RequestIDKey, "req-7"))
	stream := &testServerStream{ctx: incoming}
	err := interceptor(nil, stream, &grpc.StreamServerInfo{FullMethod: "/svc/stream"}, func(srv interface{}, ss grpc.ServerStream) error {
		if id, _ := RequestIDFromContext(ss.Context()); id != "req-7" {
			return errors.New("request id not propagated")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoggingUnaryInterceptor(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, logger.DebugLevel, "json")
	interceptor := LoggingUnaryInterceptor(log)

	if _, err := interceptor(context.Background(), nil, unaryInfo, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := interceptor(context.Background(), nil, unaryInfo, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.Unavailable, "down")
	})
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable to pass through, got %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, `"grpc request"`) || !strings.Contains(out, `"grpc request failed"`) {
		t.Errorf("expected both access lines, got %s", out)
	}
	if !strings.Contains(out, `"code":"Unavailable"`) {
		t.Errorf("expected status code in log, got %s", out)
	}
}

func TestMetricsUnaryInterceptor_Records(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	interceptor := MetricsUnaryInterceptor(metrics)
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/svc/m"}, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := testutil.ToFloat64(metrics.requests.WithLabelValues("/svc/m", "unary", "OK")); got != 1 {
		t.Fatalf("expected request count 1, got %v", got)
	}
	if inflight := testutil.ToFloat64(metrics.inflight); inflight != 0 {
		t.Fatalf("expected inflight 0, got %v", inflight)
	}
}

func TestMetricsStreamInterceptor_RecordsErrors(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	interceptor := MetricsStreamInterceptor(metrics)
	stream := &testServerStream{ctx: context.Background()}
	err := interceptor(nil, stream, &grpc.StreamServerInfo{FullMethod: "/svc/stream"}, func(srv interface{}, ss grpc.ServerStream) error {
		return status.Error(codes.Canceled, "gone")
	})
	if status.Code(err) != codes.Canceled {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := testutil.ToFloat64(metrics.requests.WithLabelValues("/svc/stream", "stream", "Canceled")); got != 1 {
		t.Fatalf("expected canceled count 1, got %v", got)
	}
}

func TestNewMetrics_SharedRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := NewMetrics(registry)
	second := NewMetrics(registry)

	first.requests.WithLabelValues("/svc/m", "unary", "OK").Inc()
	if got := testutil.ToFloat64(second.requests.WithLabelValues("/svc/m", "unary", "OK")); got != 1 {
		t.Fatalf("expected second Metrics to reuse the registered counter, got %v", got)
	}
}

func setTracingTestProvider(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	prevProvider := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevProp)
	})
	return recorder
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestTracingUnaryInterceptor_TagsHealthCheck(t *testing.T) {
	recorder := setTracingTestProvider(t)

	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
	})
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(trace.ContextWithSpanContext(context.Background(), parent), carrier)
	md := metadata.Join(metadata.New(map[string]string(carrier)), metadata.Pairs(RequestIDKey, "hc-1"))
	ctx := metadata.NewIncomingContext(context.Background(), md)

	// Request id first, as the server chain orders it.
	chain := func(ctx context.Context, req interface{}, handler grpc.UnaryHandler) (interface{}, error) {
		return RequestIDUnaryInterceptor()(ctx, req, unaryInfo, func(ctx context.Context, req interface{}) (interface{}, error) {
			return TracingUnaryInterceptor()(ctx, req, unaryInfo, handler)
		})
	}

	_, err := chain(ctx, &grpc_health_v1.HealthCheckRequest{Service: "registration"}, func(ctx context.Context, req interface{}) (interface{}, error) {
		return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "/grpc.health.v1.Health/Check" || span.Parent().TraceID() != parent.TraceID() {
		t.Fatalf("span %q parent %v", span.Name(), span.Parent())
	}
	attrs := spanAttrs(span)
	for key, want := range map[attribute.Key]string{
		"rpc.service":         "grpc.health.v1.Health",
		"rpc.method":          "Check",
		"rpc.request_id":      "hc-1",
		"grpc.health.service": "registration",
		"grpc.health.status":  "NOT_SERVING",
	} {
		if got := attrs[key].AsString(); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
	if span.Status().Code != otelcodes.Ok {
		t.Errorf("span status = %v, want Ok", span.Status().Code)
	}
}

func TestTracingUnaryInterceptor_StatusMapping(t *testing.T) {
	tests := []struct {
		code codes.Code
		want otelcodes.Code
	}{
		{codes.OK, otelcodes.Ok},
		{codes.NotFound, otelcodes.Ok},
		{codes.Canceled, otelcodes.Ok},
		{codes.Internal, otelcodes.Error},
		{codes.Unavailable, otelcodes.Error},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			recorder := setTracingTestProvider(t)
			_, _ = TracingUnaryInterceptor()(context.Background(), &grpc_health_v1.HealthCheckRequest{}, unaryInfo,
				func(ctx context.Context, req interface{}) (interface{}, error) {
					if tt.code == codes.OK {
						return &grpc_health_v1.HealthCheckResponse{}, nil
					}
					return nil, status.Error(tt.code, "x")
				})

			span := recorder.Ended()[0]
			if span.Status().Code != tt.want {
				t.Fatalf("span status = %v, want %v", span.Status().Code, tt.want)
			}
			if got := spanAttrs(span)["rpc.grpc.status_code"].AsInt64(); got != int64(tt.code) {
				t.Fatalf("status code attribute = %d, want %d", got, tt.code)
			}
		})
	}
}

// watchStream hands out one Watch request.
type watchStream struct {
	testServerStream
	service string
}

func (w *watchStream) RecvMsg(m interface{}) error {
	req, ok := m.(*grpc_health_v1.HealthCheckRequest)
	if !ok {
		return errors.New("unexpected message type")
	}
	req.Service = w.service
	return nil
}

func TestTracingStreamInterceptor_TagsWatchedService(t *testing.T) {
	recorder := setTracingTestProvider(t)

	stream := &watchStream{testServerStream: testServerStream{ctx: context.Background()}, service: "admin_user_creation"}
	info := &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch", IsServerStream: true}
	err := TracingStreamInterceptor()(nil, stream, info, func(srv interface{}, ss grpc.ServerStream) error {
		if !trace.SpanContextFromContext(ss.Context()).IsValid() {
			return errors.New("span not set")
		}
		var req grpc_health_v1.HealthCheckRequest
		if err := ss.RecvMsg(&req); err != nil {
			return err
		}
		return status.Error(codes.Canceled, "watcher left")
	})
	if status.Code(err) != codes.Canceled {
		t.Fatalf("expected Canceled, got %v", err)
	}

	span := recorder.Ended()[0]
	if got := spanAttrs(span)["grpc.health.service"].AsString(); got != "admin_user_creation" {
		t.Fatalf("grpc.health.service = %q", got)
	}
	if span.Status().Code == otelcodes.Error {
		t.Fatal("a watcher hanging up is not a server error")
	}
}
