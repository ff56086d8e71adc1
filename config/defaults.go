package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "sagaflow",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			HTTP: HTTPConfig{
				Enabled:         true,
				ReadTimeout:     30 * time.Second,
				WriteTimeout:    30 * time.Second,
				IdleTimeout:     120 * time.Second,
				ShutdownTimeout: 15 * time.Second,
				RequestTimeout:  10 * time.Second,
				MaxHeaderBytes:  1 << 20, // 1MB
			},
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
				MaxAge:         300,
			},
			GRPC: GRPCConfig{
				Enabled:              false,
				Port:                 9090,
				MaxConcurrentStreams: 100,
				HealthInterval:       5 * time.Second,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Store: StoreConfig{
			Type: "memory",
			Badger: BadgerConfig{
				Path:              "./data/badger",
				SyncWrites:        true,
				ValueLogFileSize:  1 << 28, // 256MB
				NumVersionsToKeep: 1,
			},
			Postgres: PostgresConfig{
				Table:           "saga_instances",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				ConnectTimeout:  10 * time.Second,
				AutoMigrate:     true,
			},
		},
		Bus: BusConfig{
			Type:          "memory",
			SubjectPrefix: "sagaflow.v1",
			NATS: NATSConfig{
				URL:            "nats://localhost:4222",
				Name:           "sagaflow",
				QueueGroup:     "sagaflow",
				ConnectTimeout: 5 * time.Second,
				MaxReconnects:  -1,
				ReconnectWait:  2 * time.Second,
			},
			Redis: RedisConfig{
				Address:  "localhost:6379",
				Password: "",
				DB:       0,
			},
			Publish: PublishConfig{
				MaxRetries:   3,
				RetryBackoff: 50 * time.Millisecond,
				Timeout:      5 * time.Second,
			},
			Consumer: ConsumerConfig{
				MaxDeliveries:     5,
				RedeliveryBackoff: 100 * time.Millisecond,
				Concurrency:       16,
				DedupWindow:       10000,
				RateLimit:         0,
				RateBurst:         0,
			},
		},
		Engine: EngineConfig{
			MaxConflictRetries:  3,
			RetryBackoff:        10 * time.Millisecond,
			MaxBackoff:          200 * time.Millisecond,
			OutboxRelayInterval: 5 * time.Second,
			OutboxRelayAge:      10 * time.Second,
			OutboxRelayBatch:    100,
		},
		Journal: JournalConfig{
			Enabled:   false,
			WriteMode: "sync",
			QueueSize: 1024,
		},
		Workflows: WorkflowsConfig{
			Registration: RegistrationConfig{
				OtpExpiry: 0,
			},
		},
		Participants: ParticipantsConfig{
			Enabled: true,
			Retry: RetryConfig{
				Attempts: 3,
				Delay:    20 * time.Millisecond,
				MaxDelay: 500 * time.Millisecond,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlpgrpc",
			Endpoint:   "localhost:4317",
			Insecure:   true,
			Timeout:    10 * time.Second,
			Sampler:    "parentbased_traceidratio",
			SampleRate: 0.1,
		},
	}
}
