package engine

import (
	"context"

	"github.com/sagaflow/sagaflow/config"
	"github.com/sagaflow/sagaflow/pkg/logger"
	"github.com/sagaflow/sagaflow/pkg/messaging"
	"github.com/sagaflow/sagaflow/pkg/saga"
	"github.com/sagaflow/sagaflow/pkg/storage/badger"
	"github.com/sagaflow/sagaflow/pkg/storage/postgres"
)

// openStore opens the configured instance store.
func openStore(ctx context.Context, cfg config.StoreConfig, log logger.Logger) (saga.InstanceStore, error) {
	switch cfg.Type {
	case "", "memory":
		log.Info("Initialized memory store")
		return saga.NewMemoryInstanceStore(), nil
	case "badger":
		store, err := badger.NewBadgerInstanceStore(&badger.Config{
			Path:              cfg.Badger.Path,
			SyncWrites:        cfg.Badger.SyncWrites,
			ValueLogFileSize:  cfg.Badger.ValueLogFileSize,
			NumVersionsToKeep: cfg.Badger.NumVersionsToKeep,
		})
		if err != nil {
			return nil, &BackendError{Kind: "store", Type: cfg.Type, Cause: err}
		}
		log.Info("Initialized Badger store", "path", cfg.Badger.Path)
		return store, nil
	case "postgres":
		store, err := postgres.Open(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			Table:           cfg.Postgres.Table,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
			ConnectTimeout:  cfg.Postgres.ConnectTimeout,
			AutoMigrate:     cfg.Postgres.AutoMigrate,
		})
		if err != nil {
			return nil, &BackendError{Kind: "store", Type: cfg.Type, Cause: err}
		}
		log.Info("Initialized PostgreSQL store", "table", cfg.Postgres.Table)
		return store, nil
	default:
		return nil, &UnsupportedBackendError{Kind: "store", Type: cfg.Type}
	}
}

// openJournal picks the journal backend. A dedicated path wins; otherwise the
// journal shares a badger store's database, or lives in memory.
func openJournal(cfg config.JournalConfig, store saga.InstanceStore, log logger.Logger) (saga.Journal, bool, error) {
	options := saga.JournalOptions{
		WriteMode:      saga.JournalWriteMode(cfg.WriteMode),
		AsyncQueueSize: cfg.QueueSize,
		Logger:         log,
	}
	if cfg.Path != "" {
		j, err := saga.OpenBadgerJournal(cfg.Path, options)
		if err != nil {
			return nil, false, &BackendError{Kind: "journal", Type: "badger", Cause: err}
		}
		log.Info("Initialized Badger journal", "path", cfg.Path, "write_mode", cfg.WriteMode)
		return j, true, nil
	}
	if bs, ok := store.(*badger.BadgerInstanceStore); ok {
		j, err := saga.NewBadgerJournal(bs.DB(), options)
		if err != nil {
			return nil, false, &BackendError{Kind: "journal", Type: "badger", Cause: err}
		}
		log.Info("Initialized Badger journal on the instance store", "write_mode", cfg.WriteMode)
		// Closing it stops the async writer; the store still owns the DB.
		return j, true, nil
	}
	log.Info("Initialized memory journal")
	return saga.NewMemoryJournal(), true, nil
}

// openTransport connects the configured bus.
func openTransport(ctx context.Context, cfg config.BusConfig, log logger.Logger) (messaging.Transport, error) {
	switch cfg.Type {
	case "", "memory":
		log.Info("Initialized memory bus")
		return messaging.NewMemoryBus(0), nil
	case "nats":
		t, err := messaging.DialNATS(messaging.NATSConfig{
			URL:            cfg.NATS.URL,
			Name:           cfg.NATS.Name,
			ConnectTimeout: cfg.NATS.ConnectTimeout,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ReconnectWait:  cfg.NATS.ReconnectWait,
		}, log)
		if err != nil {
			return nil, &BackendError{Kind: "bus", Type: cfg.Type, Cause: err}
		}
		log.Info("Connected to NATS", "url", cfg.NATS.URL)
		return t, nil
	case "redis":
		t, err := messaging.DialRedis(ctx, messaging.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, log)
		if err != nil {
			return nil, &BackendError{Kind: "bus", Type: cfg.Type, Cause: err}
		}
		log.Info("Connected to Redis", "address", cfg.Redis.Address, "db", cfg.Redis.DB)
		return t, nil
	default:
		return nil, &UnsupportedBackendError{Kind: "bus", Type: cfg.Type}
	}
}

func publishRetry(cfg config.PublishConfig) messaging.RetryConfig {
	retry := messaging.DefaultRetryConfig()
	retry.MaxRetries = cfg.MaxRetries
	if cfg.RetryBackoff > 0 {
		retry.InitialBackoff = cfg.RetryBackoff
	}
	if retry.MaxBackoff < retry.InitialBackoff {
		retry.MaxBackoff = retry.InitialBackoff
	}
	if cfg.Timeout > 0 {
		retry.AttemptTimeout = cfg.Timeout
	}
	return retry
}
