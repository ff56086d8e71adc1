package interceptors

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics holds the gRPC collectors.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight prometheus.Gauge
}

// NewMetrics creates gRPC metrics on registerer. Collectors already present
// on registerer are reused, so two servers can share one registry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sagaflow_grpc_requests_total",
				Help: "Total number of gRPC requests by method, kind and status code.",
			},
			[]string{"method", "kind", "code"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sagaflow_grpc_request_duration_seconds",
				Help:    "Duration of gRPC requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "kind"},
		),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sagaflow_grpc_in_flight",
			Help: "In-flight gRPC requests.",
		}),
	}
	m.requests = register(registerer, m.requests)
	m.duration = register(registerer, m.duration)
	m.inflight = register(registerer, m.inflight)
	return m
}

func (m *Metrics) observe(method, kind string, err error, start time.Time) {
	m.requests.WithLabelValues(method, kind, status.Code(err).String()).Inc()
	m.duration.WithLabelValues(method, kind).Observe(time.Since(start).Seconds())
}

// MetricsUnaryInterceptor counts and times unary RPCs.
func MetricsUnaryInterceptor(m *Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		m.inflight.Inc()
		defer m.inflight.Dec()

		resp, err := handler(ctx, req)
		m.observe(info.FullMethod, "unary", err, start)
		return resp, err
	}
}

// MetricsStreamInterceptor counts and times streams.
func MetricsStreamInterceptor(m *Metrics) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		m.inflight.Inc()
		defer m.inflight.Dec()

		err := handler(srv, ss)
		m.observe(info.FullMethod, "stream", err, start)
		return err
	}
}

func register[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
	if err := registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return collector
}
