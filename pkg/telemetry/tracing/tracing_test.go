package tracing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/sagaflow/sagaflow/config"
)

var testService = Service{
	Name:        "sagaflow",
	Version:     "test",
	Environment: "test",
	Workflows:   []string{"registration", "admin_user_creation"},
}

func enabledConfig() config.TracingConfig {
	return config.TracingConfig{
		Enabled:    true,
		Exporter:   "otlpgrpc",
		Endpoint:   "localhost:4317",
		Timeout:    time.Second,
		Sampler:    "always_on",
		SampleRate: 1.0,
	}
}

// stubExporter makes Init use exp instead of dialing a collector.
func stubExporter(t *testing.T, exp sdktrace.SpanExporter) *int {
	t.Helper()
	orig := newOTLPExporter
	t.Cleanup(func() { newOTLPExporter = orig })
	calls := 0
	newOTLPExporter = func(context.Context, config.TracingConfig) (sdktrace.SpanExporter, error) {
		calls++
		return exp, nil
	}
	return &calls
}

type stubSpanExporter struct {
	exported int
	shutdown bool
}

func (s *stubSpanExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	s.exported += len(spans)
	return nil
}

func (s *stubSpanExporter) Shutdown(context.Context) error {
	s.shutdown = true
	return nil
}

type failingExporter struct {
	exportCalls int
}

func (f *failingExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error {
	f.exportCalls++
	return errors.New("collector unavailable")
}

func (f *failingExporter) Shutdown(context.Context) error { return nil }

type blockingShutdownExporter struct{}

func (blockingShutdownExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error {
	return nil
}

func (blockingShutdownExporter) Shutdown(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestInit_DisabledStillPropagates(t *testing.T) {
	calls := stubExporter(t, &stubSpanExporter{})

	shutdown, err := Init(context.Background(), config.TracingConfig{}, testService)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if *calls != 0 {
		t.Fatal("disabled tracing dialed an exporter")
	}
	fields := otel.GetTextMapPropagator().Fields()
	if !strings.Contains(strings.Join(fields, ","), "traceparent") {
		t.Fatalf("propagator fields = %v, want traceparent", fields)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestInit_RejectsIncompleteConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.TracingConfig)
		want   string
	}{
		{"no exporter", func(c *config.TracingConfig) { c.Exporter = " " }, "exporter"},
		{"no endpoint", func(c *config.TracingConfig) { c.Endpoint = "" }, "endpoint"},
		{"no timeout", func(c *config.TracingConfig) { c.Timeout = 0 }, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := enabledConfig()
			tt.mutate(&cfg)
			_, err := Init(context.Background(), cfg, testService)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Init() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestInit_ExportsSagaSpans(t *testing.T) {
	exp := &stubSpanExporter{}
	stubExporter(t, exp)

	shutdown, err := Init(context.Background(), enabledConfig(), testService)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "saga.handle")
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	if exp.exported != 1 || !exp.shutdown {
		t.Fatalf("exported = %d, shutdown = %v", exp.exported, exp.shutdown)
	}
}

func TestInitEnabled_ExportFailureNamesLostSagas(t *testing.T) {
	exporter := &failingExporter{}
	stubExporter(t, exporter)
	origReporter := reportExportFailure
	t.Cleanup(func() { reportExportFailure = origReporter })
	var reports []exportFailure
	reportExportFailure = func(f exportFailure) { reports = append(reports, f) }

	shutdown, err := Init(context.Background(), config.TracingConfig{
		Enabled:    true,
		Exporter:   "otlpgrpc",
		Endpoint:   "http://collector:4317",
		Timeout:    200 * time.Millisecond,
		Sampler:    "always_on",
		SampleRate: 1.0,
	}, testService)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	tracer := otel.Tracer("test")
	for _, id := range []string{"reg-1", "reg-1", "adm-2"} {
		_, span := tracer.Start(context.Background(), "saga.handle",
			trace.WithAttributes(attribute.String("saga.correlation_id", id)))
		span.End()
	}
	_, span := tracer.Start(context.Background(), "saga.relay")
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown() should not fail on export failure: %v", err)
	}
	if exporter.exportCalls == 0 || len(reports) == 0 {
		t.Fatalf("export calls = %d, reports = %d", exporter.exportCalls, len(reports))
	}

	var spans, sagaSpans int
	ids := make(map[string]bool)
	for _, r := range reports {
		if r.err == nil || r.endpoint != "collector:4317" {
			t.Fatalf("unexpected report: %+v", r)
		}
		spans += r.spans
		sagaSpans += r.sagaSpans
		for _, id := range r.correlationIDs {
			ids[id] = true
		}
	}
	if spans != 4 || sagaSpans != 3 {
		t.Fatalf("spans = %d, saga spans = %d, want 4 and 3", spans, sagaSpans)
	}
	if !ids["reg-1"] || !ids["adm-2"] || len(ids) != 2 {
		t.Fatalf("correlation ids = %v", ids)
	}
}

func TestSummarizeLoss_CapsCorrelationIDs(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	for i := 0; i < maxReportedSagas+3; i++ {
		_, span := tp.Tracer("test").Start(context.Background(), "saga.handle",
			trace.WithAttributes(attribute.String("saga.correlation_id", fmt.Sprintf("c%d", i))))
		span.End()
	}

	f := summarizeLoss(errors.New("down"), "collector:4317", recorder.Ended())
	if f.sagaSpans != maxReportedSagas+3 || len(f.correlationIDs) != maxReportedSagas {
		t.Fatalf("saga spans = %d, ids = %v", f.sagaSpans, f.correlationIDs)
	}
}

func TestServiceAttributes(t *testing.T) {
	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range serviceAttributes(testService) {
		attrs[kv.Key] = kv.Value
	}
	if attrs["service.name"].AsString() != "sagaflow" || attrs["deployment.environment.name"].AsString() != "test" {
		t.Fatalf("unexpected attributes: %v", attrs)
	}
	if got := attrs["sagaflow.workflows"].AsStringSlice(); len(got) != 2 || got[0] != "registration" {
		t.Fatalf("sagaflow.workflows = %v", got)
	}

	for _, kv := range serviceAttributes(Service{Name: "sagaflow"}) {
		if kv.Key == "sagaflow.workflows" || kv.Key == "deployment.environment.name" {
			t.Fatalf("empty %s should be omitted", kv.Key)
		}
	}
}

func TestShutdown_TimeoutIsBounded(t *testing.T) {
	stubExporter(t, blockingShutdownExporter{})

	shutdown, err := Init(context.Background(), enabledConfig(), testService)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := shutdown(ctx); err == nil {
		t.Fatal("expected shutdown to report the timeout")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("shutdown took %v", elapsed)
	}
}

func TestSelectSampler(t *testing.T) {
	tests := []struct {
		sampler string
		want    string
	}{
		{"always_on", "AlwaysOnSampler"},
		{"always_off", "AlwaysOffSampler"},
		{"traceidratio", "TraceIDRatioBased{0.5}"},
		{"", "ParentBased{root:TraceIDRatioBased{0.5}"},
		{"parentbased_traceidratio", "ParentBased{root:TraceIDRatioBased{0.5}"},
	}
	for _, tt := range tests {
		got := selectSampler(config.TracingConfig{Sampler: tt.sampler, SampleRate: 0.5}).Description()
		if !strings.HasPrefix(got, tt.want) {
			t.Errorf("selectSampler(%q) = %s, want prefix %s", tt.sampler, got, tt.want)
		}
	}
}

func TestCollectorHost(t *testing.T) {
	for in, want := range map[string]string{
		"localhost:4317":                   "localhost:4317",
		" http://localhost:4317/v1/traces": "localhost:4317",
		"":                                 "",
	} {
		if got := collectorHost(in); got != want {
			t.Errorf("collectorHost(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewOTLPExporterRejectsEmptyEndpoint(t *testing.T) {
	if _, err := newOTLPExporter(context.Background(), config.TracingConfig{Endpoint: "  ", Insecure: true}); err == nil {
		t.Fatal("expected error for blank endpoint")
	}
}
