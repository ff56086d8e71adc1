package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sagaflow/sagaflow/pkg/saga"
)

// InstanceStoreTestSuite defines a test suite that can be run against any
// saga.InstanceStore implementation.
type InstanceStoreTestSuite struct {
	NewStore func(t *testing.T) saga.InstanceStore
}

// RunAllTests runs all store tests against the provided implementation.
func (s *InstanceStoreTestSuite) RunAllTests(t *testing.T) {
	t.Run("InsertAndLoad", s.TestInsertAndLoad)
	t.Run("DuplicateInsert", s.TestDuplicateInsert)
	t.Run("CompareAndSwap", s.TestCompareAndSwap)
	t.Run("UpdateMissing", s.TestUpdateMissing)
	t.Run("ListWithFilter", s.TestListWithFilter)
	t.Run("ListWithPagination", s.TestListWithPagination)
	t.Run("ConcurrentUpdates", s.TestConcurrentUpdates)
	t.Run("NotFound", s.TestNotFound)
}

func suiteInstance(workflow, id string, updated time.Time) *saga.Instance {
	inst := saga.NewInstance(workflow, id, updated)
	inst.State = "Pending"
	inst.Fields["email"] = id + "@example.com"
	inst.Milestones["Pending"] = updated
	return inst
}

// TestInsertAndLoad tests that every persisted attribute round-trips.
func (s *InstanceStoreTestSuite) TestInsertAndLoad(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	inst := suiteInstance("registration", "c-1", now)
	inst.Provisioned = []string{"email"}
	inst.Effects = []saga.EffectRecord{{Name: "profile", Ref: "p-1", Status: saga.EffectDone, CompletedAt: now}}
	inst.NeedsAttention = true
	inst.ErrorMessage = "first; second"
	inst.Outbox = []saga.OutboxMessage{{
		MessageID:     "m-1",
		MessageType:   "CreateProfile",
		CorrelationID: "c-1",
		Payload:       []byte(`{"a":1}`),
		CreatedAt:     now,
	}}

	if err := store.Insert(ctx, inst); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if inst.Version != 1 {
		t.Errorf("expected version 1 after insert, got %d", inst.Version)
	}

	loaded, err := store.Load(ctx, "registration", "c-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Version != 1 || loaded.State != "Pending" {
		t.Errorf("unexpected version/state: %d/%s", loaded.Version, loaded.State)
	}
	if loaded.Field("email") != "c-1@example.com" {
		t.Errorf("expected email field, got %q", loaded.Field("email"))
	}
	if len(loaded.Provisioned) != 1 || len(loaded.Effects) != 1 || loaded.Effects[0].Ref != "p-1" {
		t.Errorf("provisioned/effects not persisted: %#v", loaded)
	}
	if !loaded.NeedsAttention || len(loaded.Errors()) != 2 {
		t.Errorf("failure details not persisted: %#v", loaded)
	}
	if len(loaded.Outbox) != 1 || string(loaded.Outbox[0].Payload) != `{"a":1}` {
		t.Errorf("outbox not persisted: %#v", loaded.Outbox)
	}
	if !loaded.Milestones["Pending"].Equal(now) {
		t.Errorf("milestone not persisted: %v", loaded.Milestones)
	}

	// Mutating the caller's copy must not leak into the store.
	inst.Fields["email"] = "changed"
	again, _ := store.Load(ctx, "registration", "c-1")
	if again.Field("email") != "c-1@example.com" {
		t.Errorf("store shares memory with caller")
	}
}

// TestDuplicateInsert tests that only one record per key exists.
func (s *InstanceStoreTestSuite) TestDuplicateInsert(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	if err := store.Insert(ctx, suiteInstance("registration", "dup", time.Now().UTC())); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	err := store.Insert(ctx, suiteInstance("registration", "dup", time.Now().UTC()))
	if !errors.Is(err, saga.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict on duplicate insert, got %v", err)
	}

	// The same correlation id in another workflow is a different record.
	if err := store.Insert(ctx, suiteInstance("admin-creation", "dup", time.Now().UTC())); err != nil {
		t.Fatalf("Insert in other workflow failed: %v", err)
	}
}

// TestCompareAndSwap tests the version check on update.
func (s *InstanceStoreTestSuite) TestCompareAndSwap(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	if err := store.Insert(ctx, suiteInstance("registration", "cas", time.Now().UTC())); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	first, _ := store.Load(ctx, "registration", "cas")
	second, _ := store.Load(ctx, "registration", "cas")

	first.State = "Advanced"
	if err := store.Update(ctx, first, 1); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if first.Version != 2 {
		t.Errorf("expected version 2, got %d", first.Version)
	}

	second.State = "Lost"
	err := store.Update(ctx, second, 1)
	if !errors.Is(err, saga.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict for stale update, got %v", err)
	}

	loaded, _ := store.Load(ctx, "registration", "cas")
	if loaded.State != "Advanced" || loaded.Version != 2 {
		t.Errorf("stale write applied: state=%s version=%d", loaded.State, loaded.Version)
	}

	// The state index must follow updates.
	list, total, err := store.List(ctx, saga.InstanceFilter{Workflow: "registration", State: "Pending"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 0 || len(list) != 0 {
		t.Errorf("expected no Pending instances after update, got %d", total)
	}
}

// TestUpdateMissing tests updating a record that was never inserted.
func (s *InstanceStoreTestSuite) TestUpdateMissing(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	err := store.Update(context.Background(), suiteInstance("registration", "missing", time.Now().UTC()), 1)
	if !errors.Is(err, saga.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

// TestListWithFilter tests state, workflow and outbox filters.
func (s *InstanceStoreTestSuite) TestListWithFilter(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 6; i++ {
		inst := suiteInstance("registration", fmt.Sprintf("f-%d", i), base.Add(time.Duration(i)*time.Minute))
		if i%2 == 1 {
			inst.State = "Done"
		}
		if i == 4 {
			inst.Outbox = []saga.OutboxMessage{{MessageID: "m", MessageType: "SendOtp", CorrelationID: inst.CorrelationID}}
		}
		if err := store.Insert(ctx, inst); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if err := store.Insert(ctx, suiteInstance("admin-creation", "f-0", base)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	done, total, err := store.List(ctx, saga.InstanceFilter{Workflow: "registration", State: "Done"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 3 || len(done) != 3 {
		t.Errorf("expected 3 Done instances, got %d", total)
	}
	for _, inst := range done {
		if inst.State != "Done" || inst.Workflow != "registration" {
			t.Errorf("filter leaked %s/%s in %s", inst.Workflow, inst.CorrelationID, inst.State)
		}
	}

	all, total, _ := store.List(ctx, saga.InstanceFilter{})
	if total != 7 || len(all) != 7 {
		t.Errorf("expected 7 instances across workflows, got %d", total)
	}

	pending, total, _ := store.List(ctx, saga.InstanceFilter{PendingOutbox: true})
	if total != 1 || pending[0].CorrelationID != "f-4" {
		t.Errorf("expected only f-4 with a pending outbox, got %d", total)
	}

	old, total, _ := store.List(ctx, saga.InstanceFilter{Workflow: "registration", UpdatedBefore: base.Add(90 * time.Second)})
	if total != 2 || old[0].CorrelationID != "f-0" || old[1].CorrelationID != "f-1" {
		t.Errorf("expected f-0 and f-1 updated before cutoff, got %d", total)
	}
}

// TestListWithPagination tests offset and limit handling.
func (s *InstanceStoreTestSuite) TestListWithPagination(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		if err := store.Insert(ctx, suiteInstance("registration", fmt.Sprintf("p-%02d", i), base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	page, total, err := store.List(ctx, saga.InstanceFilter{Workflow: "registration", Limit: 3, Offset: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 10 || len(page) != 3 {
		t.Fatalf("expected page of 3 from 10, got %d from %d", len(page), total)
	}
	if page[0].CorrelationID != "p-02" || page[2].CorrelationID != "p-04" {
		t.Errorf("unexpected page order: %s..%s", page[0].CorrelationID, page[2].CorrelationID)
	}

	tail, _, _ := store.List(ctx, saga.InstanceFilter{Workflow: "registration", Limit: 5, Offset: 8})
	if len(tail) != 2 {
		t.Errorf("expected 2 trailing instances, got %d", len(tail))
	}
	empty, _, _ := store.List(ctx, saga.InstanceFilter{Workflow: "registration", Offset: 20})
	if len(empty) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(empty))
	}
}

// TestConcurrentUpdates tests that racing writers never lose an update.
func (s *InstanceStoreTestSuite) TestConcurrentUpdates(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	if err := store.Insert(ctx, suiteInstance("registration", "race", time.Now().UTC())); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for attempt := 0; attempt < 200; attempt++ {
				inst, err := store.Load(ctx, "registration", "race")
				if err != nil {
					errs <- err
					return
				}
				inst.Milestones[fmt.Sprintf("writer-%d", w)] = time.Now().UTC()
				err = store.Update(ctx, inst, inst.Version)
				if err == nil {
					return
				}
				if !errors.Is(err, saga.ErrVersionConflict) {
					errs <- err
					return
				}
			}
			errs <- fmt.Errorf("writer %d never won", w)
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent update failed: %v", err)
	}

	final, err := store.Load(ctx, "registration", "race")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if final.Version != writers+1 {
		t.Errorf("expected version %d, got %d", writers+1, final.Version)
	}
	if len(final.Milestones) != writers+1 {
		t.Errorf("lost updates: %d milestones", len(final.Milestones))
	}
}

// TestNotFound tests loading an unknown key.
func (s *InstanceStoreTestSuite) TestNotFound(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	_, err := store.Load(context.Background(), "registration", "nope")
	if !errors.Is(err, saga.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}
