package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sagaflow/sagaflow/config"
	"github.com/sagaflow/sagaflow/pkg/api"
	"github.com/sagaflow/sagaflow/pkg/api/handlers"
	"github.com/sagaflow/sagaflow/pkg/engine"
	grpcserver "github.com/sagaflow/sagaflow/pkg/grpc"
	"github.com/sagaflow/sagaflow/pkg/logger"
	"github.com/sagaflow/sagaflow/pkg/metrics"
	"github.com/sagaflow/sagaflow/pkg/telemetry/tracing"
	"github.com/sagaflow/sagaflow/pkg/version"
	"github.com/sagaflow/sagaflow/pkg/workflows"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")
	demoFlag    = flag.Bool("demo", false, "Publish sample saga runs, print their outcome and exit")

	// CLI overrides
	appName    = flag.String("app-name", "", "Override app name")
	serverPort = flag.Int("port", 0, "Override server port")
	logLevel   = flag.String("log-level", "", "Override log level")
	storeType  = flag.String("store", "", "Override store backend (memory, badger, postgres)")
	busType    = flag.String("bus", "", "Override bus backend (memory, nats, redis)")
	debugMode  = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp(os.Stdout)
		os.Exit(0)
	}
	if *versionFlag {
		printVersion(os.Stdout)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, buildOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug || *debugMode {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("sagaflow exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log logger.Logger) error {
	log.Info("Starting sagaflow",
		"version", version.Version,
		"buildTime", version.BuildTime,
		"gitCommit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, tracing.Service{
		Name:        cfg.App.Name,
		Version:     version.Version,
		Environment: cfg.App.Environment,
		Workflows:   []string{workflows.WorkflowRegistration, workflows.WorkflowAdminCreation},
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Error("Error shutting down tracing", "error", err)
		}
	}()

	metricsCfg := metrics.DefaultConfig()
	metricsCfg.Enabled = cfg.Metrics.Enabled
	metricsCfg.Port = cfg.Metrics.Port
	metricsCfg.Path = cfg.Metrics.Path
	metricsManager := metrics.NewManager(metricsCfg)
	if metricsManager.Enabled() && !*demoFlag {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := metricsManager.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	eng, err := engine.New(cfg, log, engine.WithMetrics(metricsManager))
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	if *demoFlag {
		return runDemo(ctx, cfg, log, eng)
	}

	var httpServer *api.HTTPServer
	serverErrChan := make(chan error, 1)
	if cfg.Server.HTTP.Enabled {
		httpServer = api.NewHTTPServer(cfg, log, buildHandlers(eng, metricsManager, log))
		go func() {
			log.Info("Starting HTTP server", "address", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
			if err := httpServer.Start(); err != nil {
				serverErrChan <- err
			}
		}()
	}

	var grpcSrv *grpcserver.Server
	if cfg.Server.GRPC.Enabled {
		grpcSrv, err = startGRPC(ctx, cfg, log, eng, metricsManager)
		if err != nil {
			_ = eng.Stop(context.Background())
			return fmt.Errorf("start grpc: %w", err)
		}
	}

	if *configPath != "" {
		watcher, err := startWatcher(ctx, cfg, log, eng)
		if err != nil {
			log.Warn("Config hot reload disabled", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	log.Info("sagaflow is running",
		"http_port", cfg.Server.Port,
		"grpc_port", cfg.Server.GRPC.Port,
		"metrics_port", cfg.Metrics.Port,
		"store", cfg.Store.Type,
		"bus", cfg.Bus.Type,
	)

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErrChan:
		log.Error("HTTP server error", "error", err)
	case <-ctx.Done():
		log.Info("Context cancelled")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer shutdownCancel()

	// Stop taking API traffic before the consumers drain.
	if httpServer != nil {
		log.Info("Shutting down HTTP server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("Error shutting down HTTP server", "error", err)
		}
	}

	if grpcSrv != nil {
		log.Info("Shutting down gRPC server")
		if err := grpcSrv.Stop(shutdownCtx); err != nil {
			log.Error("Error shutting down gRPC server", "error", err)
		}
	}

	log.Info("Stopping engine")
	if err := eng.Stop(shutdownCtx); err != nil {
		log.Error("Error during engine shutdown", "error", err)
	}

	log.Info("sagaflow stopped gracefully")
	return nil
}

func runDemo(ctx context.Context, cfg *config.Config, log logger.Logger, eng *engine.Engine) error {
	demoCtx, demoCancel := context.WithTimeout(ctx, 30*time.Second)
	defer demoCancel()

	results, demoErr := eng.RunDemo(demoCtx)
	if len(results) > 0 {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			log.Error("Failed to print demo results", "error", err)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer stopCancel()
	if err := eng.Stop(stopCtx); err != nil {
		log.Error("Error during engine shutdown", "error", err)
	}
	if demoErr != nil {
		return fmt.Errorf("demo: %w", demoErr)
	}
	return nil
}

func buildHandlers(eng *engine.Engine, m *metrics.Manager, log logger.Logger) *api.Handlers {
	readers := make(map[string]handlers.SagaReader)
	for name, o := range eng.Orchestrators() {
		readers[name] = o
	}
	h := &api.Handlers{
		Health: handlers.NewHealthHandler(eng),
		Sagas:  handlers.NewSagaHandler(readers, eng.Journal(), log),
	}
	if m.Enabled() {
		h.Metrics = m
	}
	return h
}

// startGRPC serves grpc.health.v1 with one service per workflow.
func startGRPC(ctx context.Context, cfg *config.Config, log logger.Logger, eng *engine.Engine, m *metrics.Manager) (*grpcserver.Server, error) {
	opts := []grpcserver.Option{grpcserver.WithLogger(log)}
	if m.Enabled() {
		opts = append(opts, grpcserver.WithRegisterer(m.Registry()))
	}
	srv, err := grpcserver.New(grpcserver.FromConfig(cfg), opts...)
	if err != nil {
		return nil, err
	}
	if err := srv.Start(); err != nil {
		return nil, err
	}

	services := make([]string, 0, len(eng.Orchestrators()))
	for name := range eng.Orchestrators() {
		services = append(services, name)
	}
	go srv.WatchReadiness(ctx, eng, services...)
	return srv, nil
}

func startWatcher(ctx context.Context, cfg *config.Config, log logger.Logger, eng *engine.Engine) (*config.Watcher, error) {
	watcher, err := config.NewWatcher(*configPath, config.NewLoader(), config.WithWatcherLogger(log))
	if err != nil {
		return nil, err
	}

	reloader := newHotReloader(cfg, eng, log)
	reloader.pinLevel = *logLevel != "" || *debugMode || cfg.App.Debug
	watcher.OnChange(reloader.apply)

	go func() {
		if err := watcher.Watch(ctx); err != nil && err != context.Canceled {
			log.Error("Config watcher stopped", "error", err)
		}
	}()
	return watcher, nil
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.HTTP.ShutdownTimeout > 0 {
		return cfg.Server.HTTP.ShutdownTimeout
	}
	return 30 * time.Second
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *appName != "" {
		overrides["app.name"] = *appName
	}
	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *storeType != "" {
		overrides["store.type"] = *storeType
	}
	if *busType != "" {
		overrides["bus.type"] = *busType
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "sagaflow - Saga Orchestration Engine\n")
	fmt.Fprintf(w, "Version:    %s\n", version.Version)
	fmt.Fprintf(w, "Build Time: %s\n", version.BuildTime)
	fmt.Fprintf(w, "Git Commit: %s\n", version.GitCommit)
	fmt.Fprintf(w, "Go Version: %s\n", version.GoVersion)
}

func printHelp(w io.Writer) {
	fmt.Fprintf(w, "sagaflow - Saga orchestration for registration and admin creation workflows\n\n")
	fmt.Fprintf(w, "Usage: sagaflow [options]\n\n")
	fmt.Fprintf(w, "Options:\n")
	flag.CommandLine.SetOutput(w)
	flag.PrintDefaults()
	fmt.Fprintf(w, "\nExamples:\n")
	fmt.Fprintf(w, "  sagaflow                                  # Run with default config\n")
	fmt.Fprintf(w, "  sagaflow -config config.yaml              # Use specific config file\n")
	fmt.Fprintf(w, "  sagaflow -store badger -bus nats          # Override backends\n")
	fmt.Fprintf(w, "  sagaflow -demo                            # Run sample sagas in memory\n")
	fmt.Fprintf(w, "  sagaflow -version                         # Print version info\n")
}

type rateLimiter interface {
	SetRateLimit(perSecond float64, burst int)
}

// hotReloader applies log level and consumer rate changes without a restart.
// Everything else in the file needs one.
type hotReloader struct {
	mu       sync.Mutex
	current  config.HotReloadableConfig
	pinLevel bool
	limiter  rateLimiter
	setLevel func(logger.Level)
	logger   logger.Logger
}

func newHotReloader(cfg *config.Config, limiter rateLimiter, log logger.Logger) *hotReloader {
	return &hotReloader{
		current:  config.ExtractHotReloadable(cfg),
		limiter:  limiter,
		setLevel: logger.SetLevel,
		logger:   log,
	}
}

// apply may run concurrently; watcher callbacks each get a goroutine.
func (h *hotReloader) apply(next *config.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hot := config.ExtractHotReloadable(next)
	if !h.current.Changed(hot) {
		return
	}
	// A level forced on the command line wins over the file.
	if hot.LogLevel != h.current.LogLevel && !h.pinLevel {
		h.setLevel(logger.ParseLevel(hot.LogLevel))
		h.logger.Info("Log level reloaded", "level", hot.LogLevel)
	}
	if hot.ConsumerRateLimit != h.current.ConsumerRateLimit || hot.ConsumerRateBurst != h.current.ConsumerRateBurst {
		h.limiter.SetRateLimit(hot.ConsumerRateLimit, hot.ConsumerRateBurst)
		h.logger.Info("Consumer rate limit reloaded", "rate", hot.ConsumerRateLimit, "burst", hot.ConsumerRateBurst)
	}
	h.current = hot
}
