package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/sagaflow/sagaflow/pkg/logger"
)

const (
	journalKeyPrefix      = "journal:"
	journalSequencePrefix = "journal-seq:"
)

var errJournalClosed = errors.New("journal is closed")

// JournalEntry is one committed transition.
type JournalEntry struct {
	Sequence      uint64        `json:"sequence"`
	Workflow      string        `json:"workflow"`
	CorrelationID string        `json:"correlation_id"`
	Version       int64         `json:"version"`
	From          State         `json:"from"`
	To            State         `json:"to"`
	MessageType   MessageType   `json:"message_type"`
	Rule          string        `json:"rule,omitempty"`
	Commands      []MessageType `json:"commands,omitempty"`
	Error         string        `json:"error,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Journal is an append-only audit log of committed transitions.
type Journal interface {
	Append(ctx context.Context, entry JournalEntry) (uint64, error)
	List(ctx context.Context, workflow, correlationID string) ([]JournalEntry, error)
	Close() error
}

func validateJournalEntry(entry JournalEntry) error {
	if entry.Workflow == "" || entry.CorrelationID == "" {
		return fmt.Errorf("journal entry requires workflow and correlation id")
	}
	if entry.To == "" {
		return fmt.Errorf("journal entry target state cannot be empty")
	}
	return nil
}

// MemoryJournal keeps journal entries in memory.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries map[string][]JournalEntry
}

// NewMemoryJournal creates an in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[string][]JournalEntry)}
}

// Append records an entry and assigns its per-instance sequence.
func (j *MemoryJournal) Append(ctx context.Context, entry JournalEntry) (uint64, error) {
	if err := validateJournalEntry(entry); err != nil {
		return 0, err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	key := memoryKey(entry.Workflow, entry.CorrelationID)
	j.mu.Lock()
	defer j.mu.Unlock()
	entry.Sequence = uint64(len(j.entries[key]) + 1)
	entry.Commands = append([]MessageType(nil), entry.Commands...)
	j.entries[key] = append(j.entries[key], entry)
	return entry.Sequence, nil
}

// List returns entries in sequence order.
func (j *MemoryJournal) List(ctx context.Context, workflow, correlationID string) ([]JournalEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]JournalEntry(nil), j.entries[memoryKey(workflow, correlationID)]...), nil
}

// Close is a no-op.
func (j *MemoryJournal) Close() error { return nil }

// JournalWriteMode controls whether appends are synchronous.
type JournalWriteMode string

const (
	// JournalWriteModeSync writes each entry before Append returns.
	JournalWriteModeSync JournalWriteMode = "sync"
	// JournalWriteModeAsync queues entries for a background writer.
	JournalWriteModeAsync JournalWriteMode = "async"
)

// JournalOptions configures a BadgerJournal.
type JournalOptions struct {
	WriteMode      JournalWriteMode
	AsyncQueueSize int
	Logger         logger.Logger
}

type journalAppendRequest struct {
	ctx   context.Context
	entry JournalEntry
}

// BadgerJournal stores journal entries in Badger under
// "journal:{workflow}:{id}:{sequence}".
type BadgerJournal struct {
	db        *badger.DB
	ownsDB    bool
	writeMode JournalWriteMode
	logger    logger.Logger

	appendCh  chan journalAppendRequest
	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// OpenBadgerJournal opens a dedicated Badger DB for the journal.
func OpenBadgerJournal(path string, options JournalOptions) (*BadgerJournal, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger journal: %w", err)
	}
	journal, err := NewBadgerJournal(db, options)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	journal.ownsDB = true
	return journal, nil
}

// NewBadgerJournal creates a journal over an existing Badger DB.
func NewBadgerJournal(db *badger.DB, options JournalOptions) (*BadgerJournal, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db cannot be nil")
	}
	if options.WriteMode == "" {
		options.WriteMode = JournalWriteModeSync
	}
	if options.AsyncQueueSize <= 0 {
		options.AsyncQueueSize = 1024
	}
	if options.WriteMode != JournalWriteModeSync && options.WriteMode != JournalWriteModeAsync {
		return nil, fmt.Errorf("unsupported journal write mode: %s", options.WriteMode)
	}
	if options.Logger == nil {
		options.Logger = logger.Global()
	}

	j := &BadgerJournal{
		db:        db,
		writeMode: options.WriteMode,
		logger:    options.Logger,
		stopCh:    make(chan struct{}),
	}
	if options.WriteMode == JournalWriteModeAsync {
		j.appendCh = make(chan journalAppendRequest, options.AsyncQueueSize)
		j.wg.Add(1)
		go j.runAsyncWriter()
	}
	return j, nil
}

// Append assigns the next sequence and writes the entry.
func (j *BadgerJournal) Append(ctx context.Context, entry JournalEntry) (uint64, error) {
	if err := validateJournalEntry(entry); err != nil {
		return 0, err
	}
	select {
	case <-j.stopCh:
		return 0, errJournalClosed
	default:
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	sequence, err := j.nextSequence(entry.Workflow, entry.CorrelationID)
	if err != nil {
		return 0, err
	}
	entry.Sequence = sequence

	if j.writeMode == JournalWriteModeAsync {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-j.stopCh:
			return 0, errJournalClosed
		case j.appendCh <- journalAppendRequest{ctx: context.WithoutCancel(ctx), entry: entry}:
			return sequence, nil
		default:
			// Queue full: write inline.
		}
	}

	if err := j.writeEntry(ctx, entry); err != nil {
		return 0, err
	}
	return sequence, nil
}

// List returns an instance's entries in sequence order.
func (j *BadgerJournal) List(ctx context.Context, workflow, correlationID string) ([]JournalEntry, error) {
	prefix := []byte(journalPrefix(workflow, correlationID))
	entries := make([]JournalEntry, 0)

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var entry JournalEntry
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &entry)
			}); err != nil {
				return fmt.Errorf("decode journal entry: %w", err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Close drains the async queue and closes the DB if owned.
func (j *BadgerJournal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		close(j.stopCh)
		j.wg.Wait()
		if j.ownsDB {
			err = j.db.Close()
		}
	})
	return err
}

func (j *BadgerJournal) runAsyncWriter() {
	defer j.wg.Done()
	for {
		select {
		case req := <-j.appendCh:
			j.writeAsync(req)
		case <-j.stopCh:
			for {
				select {
				case req := <-j.appendCh:
					j.writeAsync(req)
				default:
					return
				}
			}
		}
	}
}

func (j *BadgerJournal) writeAsync(req journalAppendRequest) {
	if err := j.writeEntry(req.ctx, req.entry); err != nil {
		j.logger.Warn("journal async write failed",
			"workflow", req.entry.Workflow,
			"correlation_id", req.entry.CorrelationID,
			"sequence", req.entry.Sequence,
			"error", err,
		)
	}
}

func (j *BadgerJournal) writeEntry(ctx context.Context, entry JournalEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	key := []byte(journalEntryKey(entry.Workflow, entry.CorrelationID, entry.Sequence))

	return j.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		return txn.Set(key, data)
	})
}

func (j *BadgerJournal) nextSequence(workflow, correlationID string) (uint64, error) {
	key := []byte(journalSequenceKey(workflow, correlationID))
	var next uint64
	for attempt := 0; attempt < 3; attempt++ {
		err := j.db.Update(func(txn *badger.Txn) error {
			current := uint64(0)
			item, err := txn.Get(key)
			switch {
			case err == nil:
				if err := item.Value(func(v []byte) error {
					parsed, parseErr := strconv.ParseUint(string(v), 10, 64)
					if parseErr != nil {
						return parseErr
					}
					current = parsed
					return nil
				}); err != nil {
					return err
				}
			case errors.Is(err, badger.ErrKeyNotFound):
			default:
				return err
			}

			next = current + 1
			return txn.Set(key, []byte(strconv.FormatUint(next, 10)))
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("next journal sequence: %w", err)
		}
		return next, nil
	}
	return 0, fmt.Errorf("next journal sequence: %w", badger.ErrConflict)
}

// journalScope length-prefixes the correlation id so one id can never be a
// key prefix of another ("c1" vs "c1:x").
func journalScope(workflow, correlationID string) string {
	return fmt.Sprintf("%s:%d:%s", workflow, len(correlationID), correlationID)
}

func journalPrefix(workflow, correlationID string) string {
	return journalKeyPrefix + journalScope(workflow, correlationID) + ":"
}

func journalSequenceKey(workflow, correlationID string) string {
	return journalSequencePrefix + journalScope(workflow, correlationID)
}

func journalEntryKey(workflow, correlationID string, sequence uint64) string {
	return fmt.Sprintf("%s%020d", journalPrefix(workflow, correlationID), sequence)
}
