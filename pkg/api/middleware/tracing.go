package middleware

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const httpTracerName = "sagaflow.http"

// Tracing starts a server span per request, continuing any incoming trace.
// Once routing completes the span is renamed to the route pattern and tagged
// with the workflow and correlation id, so an inspection call lands next to
// the saga.handle spans of the same instance.
//
// Health checks are not traced.
func Tracing() func(http.Handler) http.Handler {
	tracer := otel.Tracer(httpTracerName)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isHealthCheck(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				))
			defer span.End()

			if id := GetRequestID(ctx); id != "" {
				span.SetAttributes(attribute.String("http.request_id", id))
			}

			rec := newStatusRecorder(w)
			r = r.WithContext(ctx)
			next.ServeHTTP(rec, r)

			route := resolveRoute(r)
			span.SetName(r.Method + " " + route.pattern)
			span.SetAttributes(
				attribute.String("http.route", route.pattern),
				attribute.Int("http.response.status_code", rec.status),
			)
			if route.workflow != "" {
				span.SetAttributes(attribute.String("saga.workflow", route.workflow))
			}
			if route.correlationID != "" {
				span.SetAttributes(attribute.String("saga.correlation_id", route.correlationID))
			}
			setSpanStatus(span, rec.status)
		})
	}
}

// setSpanStatus marks server errors only. A 404 for an unknown saga is a
// normal answer, not a failed span.
func setSpanStatus(span trace.Span, status int) {
	if status >= http.StatusInternalServerError {
		span.SetStatus(otelcodes.Error, http.StatusText(status))
		return
	}
	span.SetStatus(otelcodes.Ok, "")
}
