package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sagaflow/sagaflow/config"
	"github.com/sagaflow/sagaflow/pkg/logger"
)

// HTTPServer serves the inspection API and the health endpoints.
type HTTPServer struct {
	server *http.Server
	router chi.Router
	logger logger.Logger
}

// NewHTTPServer builds the server. Nothing listens until Start.
func NewHTTPServer(cfg *config.Config, log logger.Logger, handlers *Handlers) *HTTPServer {
	router := NewRouter(cfg, log, handlers)
	httpCfg := cfg.Server.HTTP

	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler: router,
		// The timeout middleware only starts once headers are read.
		ReadHeaderTimeout: httpCfg.ReadTimeout,
		ReadTimeout:       httpCfg.ReadTimeout,
		WriteTimeout:      httpCfg.WriteTimeout,
		IdleTimeout:       httpCfg.IdleTimeout,
	}
	if httpCfg.MaxHeaderBytes > 0 {
		srv.MaxHeaderBytes = httpCfg.MaxHeaderBytes
	}
	return &HTTPServer{server: srv, router: router, logger: log}
}

// Start blocks serving until Shutdown. A clean shutdown returns nil.
func (s *HTTPServer) Start() error {
	s.logger.Info("Serving HTTP",
		"addr", s.server.Addr,
		"read_timeout", s.server.ReadTimeout,
		"write_timeout", s.server.WriteTimeout,
	)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve HTTP on %s: %w", s.server.Addr, err)
	}
	return nil
}

// Handler returns the router serving the API.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// ends.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown HTTP server: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}
