package badger

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/sagaflow/sagaflow/pkg/saga"
	"github.com/sagaflow/sagaflow/pkg/storage"
)

// TestBadgerInstanceStoreSuite runs the full store test suite against BadgerInstanceStore.
func TestBadgerInstanceStoreSuite(t *testing.T) {
	suite := &storage.InstanceStoreTestSuite{
		NewStore: func(t *testing.T) saga.InstanceStore {
			store, _ := setupTestDB(t)
			return store
		},
	}

	suite.RunAllTests(t)
}

func setupTestDB(t *testing.T) (*BadgerInstanceStore, string) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "badger-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() {
		os.RemoveAll(tmpDir)
	})

	config := &Config{
		Path:              tmpDir,
		SyncWrites:        false,   // Faster for tests
		ValueLogFileSize:  1 << 20, // 1MB
		NumVersionsToKeep: 1,
	}

	store, err := NewBadgerInstanceStore(config)
	if err != nil {
		t.Fatalf("Failed to create BadgerInstanceStore: %v", err)
	}
	return store, tmpDir
}

func TestBadgerInstanceStorePersistsAcrossReopen(t *testing.T) {
	store, dir := setupTestDB(t)
	ctx := context.Background()

	inst := saga.NewInstance("registration", "c-1", time.Now().UTC())
	inst.State = "OtpSent"
	inst.Fields["email"] = "a@example.com"
	if err := store.Insert(ctx, inst); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewBadgerInstanceStore(&Config{Path: dir})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	loaded, err := reopened.Load(ctx, "registration", "c-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.State != "OtpSent" || loaded.Field("email") != "a@example.com" || loaded.Version != 1 {
		t.Errorf("unexpected reopened instance: %#v", loaded)
	}

	list, total, err := reopened.List(ctx, saga.InstanceFilter{Workflow: "registration", State: "OtpSent"})
	if err != nil || total != 1 || list[0].CorrelationID != "c-1" {
		t.Errorf("state index lost across reopen: total=%d err=%v", total, err)
	}
}

func TestBadgerInstanceStoreOutboxIndex(t *testing.T) {
	store, _ := setupTestDB(t)
	defer store.Close()
	ctx := context.Background()

	inst := saga.NewInstance("registration", "id:with:colons", time.Now().UTC())
	inst.Outbox = []saga.OutboxMessage{{MessageID: "m-1", MessageType: "SendOtp", CorrelationID: inst.CorrelationID}}
	if err := store.Insert(ctx, inst); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	pending, total, err := store.List(ctx, saga.InstanceFilter{PendingOutbox: true})
	if err != nil || total != 1 || pending[0].CorrelationID != "id:with:colons" {
		t.Fatalf("expected pending instance, got total=%d err=%v", total, err)
	}

	cleared := pending[0]
	cleared.Outbox = nil
	if err := store.Update(ctx, cleared, cleared.Version); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	_, total, _ = store.List(ctx, saga.InstanceFilter{Workflow: "registration", PendingOutbox: true})
	if total != 0 {
		t.Errorf("outbox index not cleared, total=%d", total)
	}
}

func TestBadgerInstanceStoreSharedDB(t *testing.T) {
	owner, _ := setupTestDB(t)
	defer owner.Close()

	shared := New(owner.DB())
	if err := shared.Insert(context.Background(), saga.NewInstance("wf", "c-1", time.Now().UTC())); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := shared.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// The owner still works after the borrower closes.
	if _, err := owner.Load(context.Background(), "wf", "c-1"); err != nil {
		t.Fatalf("Load after borrower close failed: %v", err)
	}
}

func TestBadgerInstanceStoreInMemory(t *testing.T) {
	store, err := NewBadgerInstanceStore(&Config{InMemory: true})
	if err != nil {
		t.Fatalf("NewBadgerInstanceStore failed: %v", err)
	}
	defer store.Close()

	if err := store.Insert(context.Background(), &saga.Instance{Workflow: "wf"}); !errors.Is(err, saga.ErrMissingCorrelation) {
		t.Errorf("expected ErrMissingCorrelation, got %v", err)
	}
	if _, err := NewBadgerInstanceStore(nil); err == nil {
		t.Error("expected error for nil config")
	}
}

func TestParseIndexKey(t *testing.T) {
	tests := []struct {
		key, prefix, workflow string
		wantWorkflow, wantID  string
		ok                    bool
	}{
		{"saga:index:outbox:reg:c-1", "saga:index:outbox:", "", "reg", "c-1", true},
		{"saga:index:outbox:reg:a:b", "saga:index:outbox:", "", "reg", "a:b", true},
		{"saga:index:state:reg:Done:a:b", "saga:index:state:reg:Done:", "reg", "reg", "a:b", true},
		{"saga:index:outbox:reg", "saga:index:outbox:", "", "", "", false},
	}
	for _, tt := range tests {
		workflow, id, ok := parseIndexKey(tt.key, tt.prefix, tt.workflow)
		if ok != tt.ok || workflow != tt.wantWorkflow || id != tt.wantID {
			t.Errorf("parseIndexKey(%q) = %q, %q, %v", tt.key, workflow, id, ok)
		}
	}
}
