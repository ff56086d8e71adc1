package interceptors

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const tracerName = "sagaflow.grpc"

// healthServiceAttr names the service a health RPC asked about. The empty
// name is the overall engine status.
const healthServiceAttr = attribute.Key("grpc.health.service")

// TracingUnaryInterceptor traces unary RPCs. Health checks are tagged with
// the service they asked about, so a NOT_SERVING answer can be matched to
// the workflow whose readiness flipped.
func TracingUnaryInterceptor() grpc.UnaryServerInterceptor {
	tracer := otel.Tracer(tracerName)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, span := startRPCSpan(ctx, tracer, info.FullMethod)
		defer span.End()
		tagHealthService(span, req)

		resp, err := handler(ctx, req)
		if check, ok := resp.(*grpc_health_v1.HealthCheckResponse); ok {
			span.SetAttributes(attribute.String("grpc.health.status", check.GetStatus().String()))
		}
		recordSpanResult(span, err)
		return resp, err
	}
}

// TracingStreamInterceptor traces streams such as Health/Watch. The watched
// service is tagged once the request message arrives.
func TracingStreamInterceptor() grpc.StreamServerInterceptor {
	tracer := otel.Tracer(tracerName)
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, span := startRPCSpan(ss.Context(), tracer, info.FullMethod)
		defer span.End()

		err := handler(srv, &tracedStream{ServerStream: ss, ctx: ctx, span: span})
		recordSpanResult(span, err)
		return err
	}
}

func startRPCSpan(ctx context.Context, tracer trace.Tracer, fullMethod string) (context.Context, trace.Span) {
	md, _ := metadata.FromIncomingContext(ctx)
	ctx = otel.GetTextMapPropagator().Extract(ctx, metadataCarrier(md))

	service, method := splitMethod(fullMethod)
	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "grpc"),
		attribute.String("rpc.service", service),
		attribute.String("rpc.method", method),
	}
	if id, ok := RequestIDFromContext(ctx); ok {
		attrs = append(attrs, attribute.String("rpc.request_id", id))
	}
	return tracer.Start(ctx, fullMethod, trace.WithSpanKind(trace.SpanKindServer), trace.WithAttributes(attrs...))
}

func tagHealthService(span trace.Span, req interface{}) {
	if check, ok := req.(*grpc_health_v1.HealthCheckRequest); ok {
		span.SetAttributes(healthServiceAttr.String(check.GetService()))
	}
}

// recordSpanResult marks only failures of the server itself. NotFound for an
// unregistered service and Canceled when a watcher hangs up are normal
// answers.
func recordSpanResult(span trace.Span, err error) {
	code := status.Code(err)
	span.SetAttributes(attribute.Int("rpc.grpc.status_code", int(code)))
	if !serverFault(code) {
		span.SetStatus(otelcodes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, code.String())
}

func serverFault(code codes.Code) bool {
	switch code {
	case codes.Unknown, codes.DeadlineExceeded, codes.Unimplemented, codes.Internal,
		codes.Unavailable, codes.DataLoss:
		return true
	default:
		return false
	}
}

func splitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.SplitN(fullMethod, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return fullMethod, "unknown"
}

type tracedStream struct {
	grpc.ServerStream
	ctx  context.Context
	span trace.Span
}

func (s *tracedStream) Context() context.Context {
	return s.ctx
}

func (s *tracedStream) RecvMsg(m interface{}) error {
	err := s.ServerStream.RecvMsg(m)
	if err == nil {
		tagHealthService(s.span, m)
	}
	return err
}

type metadataCarrier metadata.MD

func (c metadataCarrier) Get(key string) string {
	values := metadata.MD(c).Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func (c metadataCarrier) Set(key string, value string) {
	metadata.MD(c).Set(key, value)
}

func (c metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(metadata.MD(c)))
	for k := range metadata.MD(c) {
		keys = append(keys, k)
	}
	return keys
}

var _ propagation.TextMapCarrier = metadataCarrier{}
