// Package tracing installs the process-wide OpenTelemetry provider that the
// saga, messaging, HTTP and gRPC layers record into.
package tracing

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/sagaflow/sagaflow/config"
	"github.com/sagaflow/sagaflow/pkg/logger"
)

// correlationIDAttr is set on every saga.handle and messaging.consume span.
const correlationIDAttr = attribute.Key("saga.correlation_id")

// maxReportedSagas caps the correlation ids listed when an export fails.
const maxReportedSagas = 5

// Service describes the process on every exported span.
type Service struct {
	Name        string
	Version     string
	Environment string
	// Workflows are the saga definitions this process orchestrates.
	Workflows []string
}

// ShutdownFunc flushes and stops the provider.
type ShutdownFunc func(ctx context.Context) error

// exportFailure is what a failed export lost, by saga.
type exportFailure struct {
	err            error
	endpoint       string
	spans          int
	sagaSpans      int
	correlationIDs []string
}

var reportExportFailure = func(f exportFailure) {
	logger.Global().Warn("tracing export failed",
		"error", f.err,
		"endpoint", f.endpoint,
		"span_count", f.spans,
		"saga_span_count", f.sagaSpans,
		"correlation_ids", f.correlationIDs,
	)
}

var newOTLPExporter = func(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	endpoint := collectorHost(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("tracing endpoint cannot be empty")
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithTimeout(cfg.Timeout),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent("sagaflow-otlp")),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// sagaExporter never fails the batch processor. A collector outage is logged
// with the sagas whose traces went missing instead.
type sagaExporter struct {
	next     sdktrace.SpanExporter
	endpoint string
}

func (e *sagaExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if err := e.next.ExportSpans(ctx, spans); err != nil {
		reportExportFailure(summarizeLoss(err, e.endpoint, spans))
	}
	return nil
}

func (e *sagaExporter) Shutdown(ctx context.Context) error {
	return e.next.Shutdown(ctx)
}

func summarizeLoss(err error, endpoint string, spans []sdktrace.ReadOnlySpan) exportFailure {
	f := exportFailure{err: err, endpoint: endpoint, spans: len(spans)}
	seen := make(map[string]bool)
	for _, span := range spans {
		for _, kv := range span.Attributes() {
			if kv.Key != correlationIDAttr {
				continue
			}
			f.sagaSpans++
			id := kv.Value.AsString()
			if !seen[id] && len(f.correlationIDs) < maxReportedSagas {
				seen[id] = true
				f.correlationIDs = append(f.correlationIDs, id)
			}
			break
		}
	}
	return f
}

func installPropagator() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// Init installs the global tracer provider. With tracing disabled a no-op
// provider is installed, but trace context is still propagated across the
// bus so a downstream sampler can pick it up.
func Init(ctx context.Context, cfg config.TracingConfig, svc Service) (ShutdownFunc, error) {
	installPropagator()
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	if strings.TrimSpace(cfg.Exporter) == "" {
		return nil, fmt.Errorf("tracing exporter cannot be empty")
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("tracing endpoint cannot be empty")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("tracing timeout must be > 0")
	}

	exp, err := newOTLPExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create tracing exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(serviceAttributes(svc)...))
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, fmt.Errorf("create tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(&sagaExporter{next: exp, endpoint: collectorHost(cfg.Endpoint)}),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(selectSampler(cfg)),
	)
	otel.SetTracerProvider(tp)

	return func(shutdownCtx context.Context) error {
		if err := tp.ForceFlush(shutdownCtx); err != nil {
			_ = tp.Shutdown(shutdownCtx)
			return fmt.Errorf("force flush tracing provider: %w", err)
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown tracing provider: %w", err)
		}
		return nil
	}, nil
}

func serviceAttributes(svc Service) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(svc.Name),
		semconv.ServiceVersion(svc.Version),
	}
	if svc.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment.name", svc.Environment))
	}
	if len(svc.Workflows) > 0 {
		attrs = append(attrs, attribute.StringSlice("sagaflow.workflows", svc.Workflows))
	}
	return attrs
}

// selectSampler defaults to parent-based so a saga's spans follow the
// decision made where its start event was published.
func selectSampler(cfg config.TracingConfig) sdktrace.Sampler {
	switch strings.ToLower(strings.TrimSpace(cfg.Sampler)) {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(cfg.SampleRate)
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}
}

// collectorHost accepts either host:port or a URL and returns host:port.
func collectorHost(endpoint string) string {
	raw := strings.TrimSpace(endpoint)
	if !strings.Contains(raw, "://") {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return raw
	}
	return parsed.Host
}
