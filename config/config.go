// Package config provides configuration management for sagaflow.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for sagaflow.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the inspection API server configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Store is the saga instance store configuration.
	Store StoreConfig `mapstructure:"store"`

	// Bus is the message bus configuration.
	Bus BusConfig `mapstructure:"bus"`

	// Engine tunes the orchestrators.
	Engine EngineConfig `mapstructure:"engine"`

	// Journal is the transition journal configuration.
	Journal JournalConfig `mapstructure:"journal"`

	// Workflows holds per-workflow settings.
	Workflows WorkflowsConfig `mapstructure:"workflows"`

	// Participants configures the in-process identity and profile services.
	Participants ParticipantsConfig `mapstructure:"participants"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"env"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host" validate:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// HTTP is the HTTP server configuration.
	HTTP HTTPConfig `mapstructure:"http"`

	// CORS is the CORS configuration.
	CORS CORSConfig `mapstructure:"cors"`

	// GRPC is the gRPC health endpoint configuration.
	GRPC GRPCConfig `mapstructure:"grpc"`
}

// GRPCConfig configures the gRPC endpoint serving grpc.health.v1.
type GRPCConfig struct {
	// Enabled starts the gRPC listener.
	Enabled bool `mapstructure:"enabled"`

	// Port is the gRPC listen port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`

	// Reflection registers the server reflection service.
	Reflection bool `mapstructure:"reflection"`

	// MaxConcurrentStreams caps streams per connection (0 leaves the grpc default).
	MaxConcurrentStreams uint32 `mapstructure:"max_concurrent_streams"`

	// HealthInterval is how often readiness is pushed to the health service.
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// HTTPConfig holds HTTP-specific settings.
type HTTPConfig struct {
	// Enabled enables the HTTP server.
	Enabled bool `mapstructure:"enabled"`

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// RequestTimeout bounds each API request.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// MaxHeaderBytes limits the size of request headers.
	MaxHeaderBytes int `mapstructure:"max_header_bytes"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	// Enabled enables CORS support.
	Enabled bool `mapstructure:"enabled"`

	// AllowedOrigins is the list of allowed origins.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// AllowedMethods is the list of allowed HTTP methods.
	AllowedMethods []string `mapstructure:"allowed_methods"`

	// AllowedHeaders is the list of allowed headers.
	AllowedHeaders []string `mapstructure:"allowed_headers"`

	// MaxAge is the maximum age of CORS preflight cache in seconds.
	MaxAge int `mapstructure:"max_age"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// StoreConfig selects and configures the instance store.
type StoreConfig struct {
	// Type is the backend (memory, badger, postgres).
	Type string `mapstructure:"type" validate:"oneof=memory badger postgres"`

	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`

	// Postgres is the PostgreSQL configuration.
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`

	// ValueLogFileSize is the maximum size of value log files in bytes.
	ValueLogFileSize int64 `mapstructure:"value_log_file_size" validate:"min=0"`

	// NumVersionsToKeep is the number of versions to keep per key.
	NumVersionsToKeep int `mapstructure:"num_versions_to_keep" validate:"min=0"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	// DSN is the lib/pq connection string.
	DSN string `mapstructure:"dsn"`

	// Table is the instance table name.
	Table string `mapstructure:"table"`

	// MaxOpenConns caps the connection pool.
	MaxOpenConns int `mapstructure:"max_open_conns" validate:"min=0"`

	// MaxIdleConns caps idle pooled connections.
	MaxIdleConns int `mapstructure:"max_idle_conns" validate:"min=0"`

	// ConnMaxLifetime recycles pooled connections.
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`

	// ConnectTimeout bounds the startup ping.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// AutoMigrate creates the table and indexes on startup.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// BusConfig selects and configures the message transport.
type BusConfig struct {
	// Type is the transport (memory, nats, redis).
	Type string `mapstructure:"type" validate:"oneof=memory nats redis"`

	// SubjectPrefix prefixes every subject.
	SubjectPrefix string `mapstructure:"subject_prefix" validate:"required"`

	// NATS is the NATS configuration.
	NATS NATSConfig `mapstructure:"nats"`

	// Redis is the Redis configuration.
	Redis RedisConfig `mapstructure:"redis"`

	// Publish tunes outbound publishing.
	Publish PublishConfig `mapstructure:"publish"`

	// Consumer tunes inbound delivery.
	Consumer ConsumerConfig `mapstructure:"consumer"`
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	// URL is the server URL list.
	URL string `mapstructure:"url"`

	// Name is the client connection name.
	Name string `mapstructure:"name"`

	// QueueGroup load-balances subscriptions across engine replicas.
	QueueGroup string `mapstructure:"queue_group"`

	// ConnectTimeout bounds the initial connect.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// MaxReconnects is the reconnect budget (-1 for unlimited).
	MaxReconnects int `mapstructure:"max_reconnects" validate:"min=-1"`

	// ReconnectWait is the delay between reconnect attempts.
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// RedisConfig holds Redis pub/sub settings.
type RedisConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db" validate:"min=0"`
}

// PublishConfig tunes the retrying publisher.
type PublishConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `mapstructure:"max_retries" validate:"min=0"`

	// RetryBackoff is the base delay between attempts.
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`

	// Timeout bounds a single publish attempt.
	Timeout time.Duration `mapstructure:"timeout"`
}

// ConsumerConfig tunes the inbound consumers.
type ConsumerConfig struct {
	// MaxDeliveries is the number of handler attempts before dead-lettering.
	MaxDeliveries int `mapstructure:"max_deliveries" validate:"min=1"`

	// RedeliveryBackoff is the base delay between handler attempts.
	RedeliveryBackoff time.Duration `mapstructure:"redelivery_backoff"`

	// Concurrency caps in-flight messages per consumer.
	Concurrency int `mapstructure:"concurrency" validate:"min=1"`

	// DedupWindow is the number of recent message ids remembered.
	DedupWindow int `mapstructure:"dedup_window" validate:"min=0"`

	// RateLimit caps messages per second per consumer (0 disables).
	RateLimit float64 `mapstructure:"rate_limit" validate:"min=0"`

	// RateBurst is the limiter burst size.
	RateBurst int `mapstructure:"rate_burst" validate:"min=0"`
}

// EngineConfig tunes the orchestrators.
type EngineConfig struct {
	// MaxConflictRetries is the optimistic retry budget per message.
	MaxConflictRetries int `mapstructure:"max_conflict_retries" validate:"min=0"`

	// RetryBackoff is the first conflict backoff.
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`

	// MaxBackoff caps the conflict backoff.
	MaxBackoff time.Duration `mapstructure:"max_backoff"`

	// OutboxRelayInterval is the relay sweep period.
	OutboxRelayInterval time.Duration `mapstructure:"outbox_relay_interval"`

	// OutboxRelayAge is how long a message must be pending before the relay
	// republishes it.
	OutboxRelayAge time.Duration `mapstructure:"outbox_relay_age"`

	// OutboxRelayBatch caps instances per sweep.
	OutboxRelayBatch int `mapstructure:"outbox_relay_batch" validate:"min=0"`
}

// JournalConfig configures the transition journal.
type JournalConfig struct {
	// Enabled turns the journal on.
	Enabled bool `mapstructure:"enabled"`

	// Path is a dedicated journal directory. Empty shares the badger store
	// when the store is badger, else keeps the journal in memory.
	Path string `mapstructure:"path"`

	// WriteMode is sync or async.
	WriteMode string `mapstructure:"write_mode" validate:"oneof=sync async"`

	// QueueSize is the async queue depth.
	QueueSize int `mapstructure:"queue_size" validate:"min=0"`
}

// WorkflowsConfig holds per-workflow settings.
type WorkflowsConfig struct {
	Registration RegistrationConfig `mapstructure:"registration"`
}

// RegistrationConfig holds registration workflow settings.
type RegistrationConfig struct {
	// OtpExpiry fails a registration stuck in OtpSent after this long.
	// Zero disables expiry.
	OtpExpiry time.Duration `mapstructure:"otp_expiry" validate:"min=0"`
}

// ParticipantsConfig configures the in-process participant services.
type ParticipantsConfig struct {
	// Enabled hosts the identity and profile participants in this process.
	Enabled bool `mapstructure:"enabled"`

	// Retry bounds participant-internal retries of transient failures.
	Retry RetryConfig `mapstructure:"retry"`
}

// RetryConfig bounds a retry loop.
type RetryConfig struct {
	// Attempts is the total number of attempts.
	Attempts uint `mapstructure:"attempts" validate:"min=1"`

	// Delay is the initial delay.
	Delay time.Duration `mapstructure:"delay"`

	// MaxDelay caps the delay.
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the span exporter (otlpgrpc).
	Exporter string `mapstructure:"exporter" validate:"oneof=otlpgrpc"`

	// Endpoint is the collector endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// Insecure disables TLS to the collector.
	Insecure bool `mapstructure:"insecure"`

	// Timeout bounds each export.
	Timeout time.Duration `mapstructure:"timeout"`

	// Headers are sent with every export.
	Headers map[string]string `mapstructure:"headers"`

	// Sampler is the sampling strategy (always_on, always_off, traceidratio, parentbased_traceidratio).
	Sampler string `mapstructure:"sampler" validate:"oneof=always_on always_off traceidratio parentbased_traceidratio"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return validateCrossField(c)
}

// validateCrossField checks constraints spanning sections.
func validateCrossField(c *Config) error {
	var details ValidationErrors
	if c.Store.Type == "badger" && c.Store.Badger.Path == "" {
		details = append(details, ConfigError{Field: "Config.Store.Badger.Path", Message: "required when store.type is badger", Value: ""})
	}
	if c.Store.Type == "postgres" && c.Store.Postgres.DSN == "" {
		details = append(details, ConfigError{Field: "Config.Store.Postgres.DSN", Message: "required when store.type is postgres", Value: ""})
	}
	if c.Bus.Type == "nats" && c.Bus.NATS.URL == "" {
		details = append(details, ConfigError{Field: "Config.Bus.NATS.URL", Message: "required when bus.type is nats", Value: ""})
	}
	if c.Bus.Type == "redis" && c.Bus.Redis.Address == "" {
		details = append(details, ConfigError{Field: "Config.Bus.Redis.Address", Message: "required when bus.type is redis", Value: ""})
	}
	if c.Engine.MaxBackoff > 0 && c.Engine.RetryBackoff > c.Engine.MaxBackoff {
		details = append(details, ConfigError{Field: "Config.Engine.RetryBackoff", Message: "must not exceed engine.max_backoff", Value: c.Engine.RetryBackoff})
	}
	if len(details) > 0 {
		return details
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Env: %s, Store: %s, Bus: %s}",
		c.App.Name, c.Server.Port, c.App.Environment, c.Store.Type, c.Bus.Type)
}
