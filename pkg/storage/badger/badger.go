// Package badger provides a Badger-based implementation of saga.InstanceStore.
package badger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/sagaflow/sagaflow/pkg/saga"
	"github.com/sagaflow/sagaflow/pkg/storage"
)

// Config holds configuration for BadgerInstanceStore.
type Config struct {
	Path              string
	SyncWrites        bool
	ValueLogFileSize  int64
	NumVersionsToKeep int
	InMemory          bool
}

// BadgerInstanceStore implements saga.InstanceStore using Badger.
//
// Key layout:
//
//	saga:data:{workflow}:{id}                  instance JSON
//	saga:index:state:{workflow}:{state}:{id}   state index
//	saga:index:outbox:{workflow}:{id}          pending outbox marker
type BadgerInstanceStore struct {
	db     *badger.DB
	config *Config
	ownsDB bool
}

var _ saga.InstanceStore = (*BadgerInstanceStore)(nil)

// NewBadgerInstanceStore opens a Badger database and wraps it.
func NewBadgerInstanceStore(config *Config) (*BadgerInstanceStore, error) {
	if config == nil {
		return nil, fmt.Errorf("badger config cannot be nil")
	}
	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = config.SyncWrites
	if config.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = config.ValueLogFileSize
	}
	if config.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = config.NumVersionsToKeep
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	return &BadgerInstanceStore{
		db:     db,
		config: config,
		ownsDB: true,
	}, nil
}

// New wraps an already open database. Close leaves the database open.
func New(db *badger.DB) *BadgerInstanceStore {
	return &BadgerInstanceStore{db: db, config: &Config{}}
}

// DB exposes the underlying database so the journal can share it.
func (b *BadgerInstanceStore) DB() *badger.DB {
	return b.db
}

// Key generation functions
func dataKey(workflow, id string) []byte {
	return []byte(fmt.Sprintf("saga:data:%s:%s", workflow, id))
}

func dataPrefix(workflow string) []byte {
	if workflow == "" {
		return []byte("saga:data:")
	}
	return []byte(fmt.Sprintf("saga:data:%s:", workflow))
}

func stateIndexKey(workflow string, state saga.State, id string) []byte {
	return []byte(fmt.Sprintf("saga:index:state:%s:%s:%s", workflow, state, id))
}

func stateIndexPrefix(workflow string, state saga.State) []byte {
	return []byte(fmt.Sprintf("saga:index:state:%s:%s:", workflow, state))
}

func outboxIndexKey(workflow, id string) []byte {
	return []byte(fmt.Sprintf("saga:index:outbox:%s:%s", workflow, id))
}

func outboxIndexPrefix(workflow string) []byte {
	if workflow == "" {
		return []byte("saga:index:outbox:")
	}
	return []byte(fmt.Sprintf("saga:index:outbox:%s:", workflow))
}

// Load retrieves an instance by key.
func (b *BadgerInstanceStore) Load(ctx context.Context, workflow, correlationID string) (*saga.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var inst *saga.Instance
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		inst, err = getInTxn(txn, workflow, correlationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// Insert stores a new instance at version 1.
func (b *BadgerInstanceStore) Insert(ctx context.Context, inst *saga.Instance) error {
	if err := storage.ValidateKey(inst); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := inst.Clone()
	stored.Version = 1
	data, err := storage.EncodeInstance(stored)
	if err != nil {
		return err
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(dataKey(inst.Workflow, inst.CorrelationID))
		switch {
		case err == nil:
			return &storage.DuplicateKeyError{Workflow: inst.Workflow, CorrelationID: inst.CorrelationID}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return writeInTxn(txn, nil, stored, data)
	})
	if err != nil {
		return mapTxnError(err, inst, 0)
	}
	inst.Version = 1
	return nil
}

// Update performs the compare-and-swap on Version inside one transaction.
// Badger's own conflict detection covers writers racing between read and commit.
func (b *BadgerInstanceStore) Update(ctx context.Context, inst *saga.Instance, expectedVersion int64) error {
	if err := storage.ValidateKey(inst); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := inst.Clone()
	stored.Version = expectedVersion + 1
	data, err := storage.EncodeInstance(stored)
	if err != nil {
		return err
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		existing, err := getInTxn(txn, inst.Workflow, inst.CorrelationID)
		if err != nil {
			return err
		}
		if existing.Version != expectedVersion {
			return &storage.ConflictError{
				Workflow:      inst.Workflow,
				CorrelationID: inst.CorrelationID,
				Expected:      expectedVersion,
				Actual:        existing.Version,
			}
		}
		return writeInTxn(txn, existing, stored, data)
	})
	if err != nil {
		return mapTxnError(err, inst, expectedVersion)
	}
	inst.Version = stored.Version
	return nil
}

// List returns matching instances ordered by update time.
func (b *BadgerInstanceStore) List(ctx context.Context, filter saga.InstanceFilter) ([]*saga.Instance, int, error) {
	var matched []*saga.Instance

	err := b.db.View(func(txn *badger.Txn) error {
		switch {
		case filter.Workflow != "" && filter.State != "":
			return b.scanIndex(ctx, txn, stateIndexPrefix(filter.Workflow, filter.State), filter, &matched)
		case filter.PendingOutbox:
			return b.scanIndex(ctx, txn, outboxIndexPrefix(filter.Workflow), filter, &matched)
		default:
			return b.scanData(ctx, txn, dataPrefix(filter.Workflow), filter, &matched)
		}
	})
	if err != nil {
		return nil, 0, err
	}

	page, total := saga.Paginate(matched, filter.Offset, filter.Limit)
	return page, total, nil
}

func (b *BadgerInstanceStore) scanData(ctx context.Context, txn *badger.Txn, prefix []byte, filter saga.InstanceFilter, out *[]*saga.Instance) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var inst *saga.Instance
		err := it.Item().Value(func(val []byte) error {
			var decodeErr error
			inst, decodeErr = storage.DecodeInstance(val)
			return decodeErr
		})
		if err != nil {
			return err
		}
		if filter.Matches(inst) {
			*out = append(*out, inst)
		}
	}
	return nil
}

// scanIndex resolves index keys whose last segment is the correlation id.
func (b *BadgerInstanceStore) scanIndex(ctx context.Context, txn *badger.Txn, prefix []byte, filter saga.InstanceFilter, out *[]*saga.Instance) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		workflow, id, ok := parseIndexKey(string(it.Item().Key()), string(prefix), filter.Workflow)
		if !ok {
			continue
		}
		inst, err := getInTxn(txn, workflow, id)
		if errors.Is(err, saga.ErrInstanceNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if filter.Matches(inst) {
			*out = append(*out, inst)
		}
	}
	return nil
}

// parseIndexKey extracts workflow and id from an index key. When the
// prefix already pins the workflow the remainder is the id, which may
// itself contain colons.
func parseIndexKey(key, prefix, workflow string) (string, string, bool) {
	rest := strings.TrimPrefix(key, prefix)
	if workflow != "" {
		return workflow, rest, rest != ""
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func getInTxn(txn *badger.Txn, workflow, id string) (*saga.Instance, error) {
	item, err := txn.Get(dataKey(workflow, id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, &storage.NotFoundError{Workflow: workflow, CorrelationID: id}
		}
		return nil, err
	}
	var inst *saga.Instance
	err = item.Value(func(val []byte) error {
		var decodeErr error
		inst, decodeErr = storage.DecodeInstance(val)
		return decodeErr
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// writeInTxn writes the record and moves its index entries.
func writeInTxn(txn *badger.Txn, previous, next *saga.Instance, data []byte) error {
	if err := txn.Set(dataKey(next.Workflow, next.CorrelationID), data); err != nil {
		return err
	}

	if previous != nil && previous.State != next.State {
		if err := txn.Delete(stateIndexKey(previous.Workflow, previous.State, previous.CorrelationID)); err != nil {
			return err
		}
	}
	if err := txn.Set(stateIndexKey(next.Workflow, next.State, next.CorrelationID), []byte{}); err != nil {
		return err
	}

	outboxKey := outboxIndexKey(next.Workflow, next.CorrelationID)
	if next.HasPendingOutbox() {
		return txn.Set(outboxKey, []byte{})
	}
	if previous != nil && previous.HasPendingOutbox() {
		return txn.Delete(outboxKey)
	}
	return nil
}

func mapTxnError(err error, inst *saga.Instance, expected int64) error {
	if errors.Is(err, badger.ErrConflict) {
		return &storage.ConflictError{Workflow: inst.Workflow, CorrelationID: inst.CorrelationID, Expected: expected}
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return &storage.StorageUnavailableError{Cause: err}
	}
	return err
}

// Close closes the Badger database if this store opened it.
func (b *BadgerInstanceStore) Close() error {
	if !b.ownsDB {
		return nil
	}
	// Run garbage collection before closing
	if !b.config.InMemory {
		_ = b.db.RunValueLogGC(0.5)
	}
	return b.db.Close()
}
