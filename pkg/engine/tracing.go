package engine

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const engineTracerName = "sagaflow.engine"

const (
	spanEngineStart = "engine.start"
	spanEngineDemo  = "engine.demo"
)

func engineTracer() trace.Tracer {
	return otel.Tracer(engineTracerName)
}
