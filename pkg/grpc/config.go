package grpc

import (
	"fmt"
	"time"

	"github.com/sagaflow/sagaflow/config"
)

// Config holds gRPC server configuration.
type Config struct {
	// Address is the listen address, e.g. ":9090".
	Address string

	// MaxConcurrentStreams caps streams per connection. Zero keeps the grpc default.
	MaxConcurrentStreams uint32

	// EnableReflection registers the reflection service.
	EnableReflection bool

	// EnableTracing installs the tracing interceptor.
	EnableTracing bool

	// HealthInterval is the readiness poll period of WatchReadiness.
	HealthInterval time.Duration

	// Keepalive settings. Nil keeps the grpc defaults.
	Keepalive *KeepaliveConfig
}

// KeepaliveConfig holds server keepalive settings.
type KeepaliveConfig struct {
	MaxConnectionIdle time.Duration
	Time              time.Duration
	Timeout           time.Duration
	MinTime           time.Duration
}

// DefaultConfig returns a gRPC server configuration listening on :9090.
func DefaultConfig() *Config {
	return &Config{
		Address:              ":9090",
		MaxConcurrentStreams: 100,
		HealthInterval:       5 * time.Second,
		Keepalive: &KeepaliveConfig{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              time.Minute,
			Timeout:           20 * time.Second,
			MinTime:           30 * time.Second,
		},
	}
}

// FromConfig derives the server configuration from the application config.
func FromConfig(cfg *config.Config) *Config {
	c := DefaultConfig()
	c.Address = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPC.Port)
	c.MaxConcurrentStreams = cfg.Server.GRPC.MaxConcurrentStreams
	c.EnableReflection = cfg.Server.GRPC.Reflection
	c.EnableTracing = cfg.Tracing.Enabled
	if cfg.Server.GRPC.HealthInterval > 0 {
		c.HealthInterval = cfg.Server.GRPC.HealthInterval
	}
	return c
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if c.HealthInterval < 0 {
		return fmt.Errorf("health interval cannot be negative")
	}
	if k := c.Keepalive; k != nil {
		if k.MaxConnectionIdle < 0 || k.Time < 0 || k.Timeout < 0 || k.MinTime < 0 {
			return fmt.Errorf("keepalive durations cannot be negative")
		}
		if k.Time > 0 && k.Timeout >= k.Time {
			return fmt.Errorf("keepalive timeout must be less than ping interval")
		}
	}
	return nil
}
