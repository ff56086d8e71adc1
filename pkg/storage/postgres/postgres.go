// Package postgres provides a PostgreSQL implementation of saga.InstanceStore.
//
// Each instance is one row keyed by (workflow, correlation_id). The full
// record is stored as JSONB next to the columns the engine filters on, and
// every update is a single conditional UPDATE on the version column.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/sagaflow/sagaflow/pkg/saga"
	"github.com/sagaflow/sagaflow/pkg/storage"
)

// DefaultTable is the table used when none is configured.
const DefaultTable = "saga_instances"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds configuration for Store.
type Config struct {
	DSN             string
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
	AutoMigrate     bool
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Table == "" {
		c.Table = DefaultTable
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

// Store implements saga.InstanceStore on PostgreSQL.
type Store struct {
	db     *sql.DB
	table  string
	ownsDB bool
}

var _ saga.InstanceStore = (*Store)(nil)

// Open connects to PostgreSQL, verifies the connection and optionally
// creates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg.ApplyDefaults()
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	store, err := New(db, cfg.Table)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.ownsDB = true

	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run schema migrations: %w", err)
		}
	}
	return store, nil
}

// New wraps an open database handle. Close leaves the handle open.
func New(db *sql.DB, table string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("postgres db cannot be nil")
	}
	if table == "" {
		table = DefaultTable
	}
	if !identifierPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid postgres table name %q", table)
	}
	return &Store{db: db, table: pq.QuoteIdentifier(table)}, nil
}

// Migrate creates the instance table and its indexes.
func (s *Store) Migrate(ctx context.Context) error {
	raw := strings.Trim(s.table, `"`)
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	workflow       TEXT        NOT NULL,
	correlation_id TEXT        NOT NULL,
	state          TEXT        NOT NULL,
	version        BIGINT      NOT NULL,
	data           JSONB       NOT NULL,
	pending_outbox BOOLEAN     NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (workflow, correlation_id)
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (workflow, state, updated_at)`,
			pq.QuoteIdentifier(raw+"_state_idx"), s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (updated_at) WHERE pending_outbox`,
			pq.QuoteIdentifier(raw+"_outbox_idx"), s.table),
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return mapError(err)
		}
	}
	return nil
}

// Load retrieves an instance by key.
func (s *Store) Load(ctx context.Context, workflow, correlationID string) (*saga.Instance, error) {
	query := fmt.Sprintf(`SELECT data, version FROM %s WHERE workflow = $1 AND correlation_id = $2`, s.table)

	var (
		data    []byte
		version int64
	)
	err := s.db.QueryRowContext(ctx, query, workflow, correlationID).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &storage.NotFoundError{Workflow: workflow, CorrelationID: correlationID}
	}
	if err != nil {
		return nil, mapError(err)
	}

	inst, err := storage.DecodeInstance(data)
	if err != nil {
		return nil, err
	}
	inst.Version = version
	return inst, nil
}

// Insert stores a new instance at version 1.
func (s *Store) Insert(ctx context.Context, inst *saga.Instance) error {
	if err := storage.ValidateKey(inst); err != nil {
		return err
	}
	stored := inst.Clone()
	stored.Version = 1
	data, err := storage.EncodeInstance(stored)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s
	(workflow, correlation_id, state, version, data, pending_outbox, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (workflow, correlation_id) DO NOTHING`, s.table)

	result, err := s.db.ExecContext(ctx, query,
		stored.Workflow,
		stored.CorrelationID,
		string(stored.State),
		stored.Version,
		data,
		stored.HasPendingOutbox(),
		stored.CreatedAt,
		stored.UpdatedAt,
	)
	if err != nil {
		return mapError(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if rows == 0 {
		return &storage.DuplicateKeyError{Workflow: inst.Workflow, CorrelationID: inst.CorrelationID}
	}
	inst.Version = 1
	return nil
}

// Update writes inst only when the stored version still equals expectedVersion.
func (s *Store) Update(ctx context.Context, inst *saga.Instance, expectedVersion int64) error {
	if err := storage.ValidateKey(inst); err != nil {
		return err
	}
	stored := inst.Clone()
	stored.Version = expectedVersion + 1
	data, err := storage.EncodeInstance(stored)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s
	SET state = $1, version = $2, data = $3, pending_outbox = $4, updated_at = $5
	WHERE workflow = $6 AND correlation_id = $7 AND version = $8`, s.table)

	result, err := s.db.ExecContext(ctx, query,
		string(stored.State),
		stored.Version,
		data,
		stored.HasPendingOutbox(),
		stored.UpdatedAt,
		stored.Workflow,
		stored.CorrelationID,
		expectedVersion,
	)
	if err != nil {
		return mapError(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if rows == 0 {
		return s.missOrConflict(ctx, inst, expectedVersion)
	}
	inst.Version = stored.Version
	return nil
}

// missOrConflict explains why a conditional update matched no row.
func (s *Store) missOrConflict(ctx context.Context, inst *saga.Instance, expected int64) error {
	query := fmt.Sprintf(`SELECT version FROM %s WHERE workflow = $1 AND correlation_id = $2`, s.table)
	var actual int64
	err := s.db.QueryRowContext(ctx, query, inst.Workflow, inst.CorrelationID).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return &storage.NotFoundError{Workflow: inst.Workflow, CorrelationID: inst.CorrelationID}
	}
	if err != nil {
		return mapError(err)
	}
	return &storage.ConflictError{
		Workflow:      inst.Workflow,
		CorrelationID: inst.CorrelationID,
		Expected:      expected,
		Actual:        actual,
	}
}

// List returns one page of matching instances ordered by update time.
func (s *Store) List(ctx context.Context, filter saga.InstanceFilter) ([]*saga.Instance, int, error) {
	where, args := buildWhere(filter)

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, s.table, where)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, mapError(err)
	}

	query := fmt.Sprintf(`SELECT data, version FROM %s%s ORDER BY updated_at, correlation_id`, s.table, where)
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, mapError(err)
	}
	defer rows.Close()

	instances := make([]*saga.Instance, 0)
	for rows.Next() {
		var (
			data    []byte
			version int64
		)
		if err := rows.Scan(&data, &version); err != nil {
			return nil, 0, mapError(err)
		}
		inst, err := storage.DecodeInstance(data)
		if err != nil {
			return nil, 0, err
		}
		inst.Version = version
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, mapError(err)
	}
	return instances, total, nil
}

func buildWhere(filter saga.InstanceFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.Workflow != "" {
		add("workflow = $%d", filter.Workflow)
	}
	if filter.State != "" {
		add("state = $%d", string(filter.State))
	}
	if filter.PendingOutbox {
		clauses = append(clauses, "pending_outbox")
	}
	if !filter.UpdatedBefore.IsZero() {
		add("updated_at < $%d", filter.UpdatedBefore)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// mapError classifies driver errors. Connection failures become
// StorageUnavailableError so callers can redeliver.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return &storage.StorageUnavailableError{Cause: err}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			return &storage.StorageUnavailableError{Cause: err}
		case "40":
			// serialization_failure and deadlock_detected are retryable races.
			return fmt.Errorf("%w: %v", saga.ErrVersionConflict, err)
		}
	}
	return err
}

// Close closes the database handle if this store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
