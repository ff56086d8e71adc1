// Package grpc serves the standard grpc.health.v1 service, driven by engine
// readiness, for load balancers and orchestrators that health-check over gRPC.
package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/sagaflow/sagaflow/pkg/grpc/interceptors"
	"github.com/sagaflow/sagaflow/pkg/logger"
)

// ReadinessReporter reports whether the process can take work.
type ReadinessReporter interface {
	IsReady() bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log logger.Logger) Option {
	return func(s *Server) {
		s.logger = log
	}
}

// WithRegisterer records RPC metrics on registerer.
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(s *Server) {
		if registerer != nil {
			s.metrics = interceptors.NewMetrics(registerer)
		}
	}
}

// Server is the gRPC health endpoint.
type Server struct {
	config  *Config
	logger  logger.Logger
	metrics *interceptors.Metrics
	health  *health.Server

	mu       sync.RWMutex
	grpcSrv  *grpc.Server
	listener net.Listener
	running  bool
	done     chan struct{}
}

// New creates a server. Every service starts NOT_SERVING.
func New(cfg *Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		config: cfg,
		health: health.NewServer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Global()
	}
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return s, nil
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.listener = listener

	s.grpcSrv = grpc.NewServer(s.serverOptions()...)
	grpc_health_v1.RegisterHealthServer(s.grpcSrv, s.health)
	if s.config.EnableReflection {
		reflection.Register(s.grpcSrv)
	}

	s.running = true
	s.done = make(chan struct{})
	go func(srv *grpc.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(listener); err != nil {
			s.logger.Error("gRPC server error", "error", err)
		}
	}(s.grpcSrv, s.done)

	s.logger.Info("gRPC health endpoint listening", "address", listener.Addr().String())
	return nil
}

// Stop flips every service to NOT_SERVING and drains in-flight RPCs. When ctx
// ends first the server is stopped hard.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcSrv.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		<-s.done
		return nil
	case <-ctx.Done():
		s.grpcSrv.Stop()
		<-s.done
		return fmt.Errorf("graceful shutdown timeout, forced stop")
	}
}

// SetServing sets the status of the overall service and of each named one.
func (s *Server) SetServing(serving bool, services ...string) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	for _, service := range services {
		s.health.SetServingStatus(service, status)
	}
}

// WatchReadiness mirrors r into the health service until ctx ends.
func (s *Server) WatchReadiness(ctx context.Context, r ReadinessReporter, services ...string) {
	interval := s.config.HealthInterval
	if interval <= 0 {
		interval = DefaultConfig().HealthInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := r.IsReady()
	s.SetServing(last, services...)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ready := r.IsReady()
		if ready != last {
			s.logger.Info("gRPC health status changed", "serving", ready)
			s.SetServing(ready, services...)
			last = ready
		}
	}
}

// Address returns the bound address once started, else the configured one.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) serverOptions() []grpc.ServerOption {
	var opts []grpc.ServerOption
	if s.config.MaxConcurrentStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(s.config.MaxConcurrentStreams))
	}
	if k := s.config.Keepalive; k != nil {
		opts = append(opts,
			grpc.KeepaliveParams(keepalive.ServerParameters{
				MaxConnectionIdle: k.MaxConnectionIdle,
				Time:              k.Time,
				Timeout:           k.Timeout,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: k.MinTime}),
		)
	}

	chain := interceptors.NewChainBuilder().
		WithRecovery(s.logger).
		WithRequestID().
		WithLogging(s.logger).
		WithMetrics(s.metrics)
	if s.config.EnableTracing {
		chain = chain.WithTracing()
	}
	return append(opts, chain.Build()...)
}
