package saga

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InstanceStore persists saga instances with optimistic concurrency.
//
// Implementations must keep exactly one record per (workflow, correlation
// id), never hand out shared memory, and never delete records on their own.
type InstanceStore interface {
	// Load returns ErrInstanceNotFound when no record exists.
	Load(ctx context.Context, workflow, correlationID string) (*Instance, error)
	// Insert stores a new record at version 1. An existing record is
	// reported as ErrVersionConflict. On success inst.Version is 1.
	Insert(ctx context.Context, inst *Instance) error
	// Update writes inst only if the stored version equals expectedVersion,
	// storing expectedVersion+1. On success inst.Version is the new version.
	Update(ctx context.Context, inst *Instance, expectedVersion int64) error
	// List returns one page of matching records and the total match count.
	List(ctx context.Context, filter InstanceFilter) ([]*Instance, int, error)
	Close() error
}

// InstanceFilter selects instances for inspection and outbox relay.
type InstanceFilter struct {
	Workflow      string
	State         State
	PendingOutbox bool
	UpdatedBefore time.Time
	Limit         int
	Offset        int
}

// Matches reports whether inst satisfies the filter.
func (f InstanceFilter) Matches(inst *Instance) bool {
	if f.Workflow != "" && inst.Workflow != f.Workflow {
		return false
	}
	if f.State != "" && inst.State != f.State {
		return false
	}
	if f.PendingOutbox && !inst.HasPendingOutbox() {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !inst.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

// Paginate sorts by update time and applies offset/limit. It returns the
// page and the total before paging.
func Paginate(instances []*Instance, offset, limit int) ([]*Instance, int) {
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].UpdatedAt.Equal(instances[j].UpdatedAt) {
			return instances[i].CorrelationID < instances[j].CorrelationID
		}
		return instances[i].UpdatedAt.Before(instances[j].UpdatedAt)
	})

	total := len(instances)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	if limit < 0 {
		limit = 0
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return instances[offset:end], total
}

// MemoryInstanceStore keeps instances in process memory.
type MemoryInstanceStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewMemoryInstanceStore creates an in-memory store.
func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{instances: make(map[string]*Instance)}
}

func memoryKey(workflow, correlationID string) string {
	return workflow + "/" + correlationID
}

// Load returns a copy of the stored instance.
func (s *MemoryInstanceStore) Load(ctx context.Context, workflow, correlationID string) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[memoryKey(workflow, correlationID)]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return inst.Clone(), nil
}

// Insert stores a new instance at version 1.
func (s *MemoryInstanceStore) Insert(ctx context.Context, inst *Instance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := memoryKey(inst.Workflow, inst.CorrelationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[key]; exists {
		return ErrVersionConflict
	}
	stored := inst.Clone()
	stored.Version = 1
	s.instances[key] = stored
	inst.Version = 1
	return nil
}

// Update performs the compare-and-swap on Version.
func (s *MemoryInstanceStore) Update(ctx context.Context, inst *Instance, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := memoryKey(inst.Workflow, inst.CorrelationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.instances[key]
	if !ok {
		return ErrInstanceNotFound
	}
	if existing.Version != expectedVersion {
		return ErrVersionConflict
	}
	stored := inst.Clone()
	stored.Version = expectedVersion + 1
	s.instances[key] = stored
	inst.Version = stored.Version
	return nil
}

// List returns matching instances ordered by update time.
func (s *MemoryInstanceStore) List(ctx context.Context, filter InstanceFilter) ([]*Instance, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	matched := make([]*Instance, 0)
	for _, inst := range s.instances {
		if filter.Matches(inst) {
			matched = append(matched, inst.Clone())
		}
	}
	s.mu.RUnlock()

	page, total := Paginate(matched, filter.Offset, filter.Limit)
	return page, total, nil
}

// Close is a no-op.
func (s *MemoryInstanceStore) Close() error {
	return nil
}
