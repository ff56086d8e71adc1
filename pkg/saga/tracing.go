package saga

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const sagaTracerName = "sagaflow.saga"

const (
	spanSagaHandle  = "saga.handle"
	spanSagaPersist = "saga.persist"
	spanSagaPublish = "saga.publish"
	spanSagaRelay   = "saga.relay"
)

func sagaTracer() trace.Tracer {
	return otel.Tracer(sagaTracerName)
}
