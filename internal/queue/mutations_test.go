package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fieldhq/fieldsync/internal/models"
	"github.com/fieldhq/fieldsync/internal/store"
)

func newTestStore() (*MutationStore, *store.MemoryKV) {
	kv := store.NewMemoryKV()
	return NewMutationStore(kv, 5*time.Second), kv
}

func input(entityID string) MutationInput {
	return MutationInput{
		EntityType:  models.EntityChecklistItem,
		EntityID:    entityID,
		Method:      "PATCH",
		Endpoint:    "/checklist/" + entityID,
		Payload:     json.RawMessage(`{"done":true}`),
		Description: "Toggle checklist item",
	}
}

func TestEnqueueSetsDefaults(t *testing.T) {
	s, _ := newTestStore()

	item, added := s.Enqueue(context.Background(), input("c1"))
	if !added {
		t.Fatal("Expected item to be enqueued")
	}
	if item.ID == "" {
		t.Error("Expected item ID to be set")
	}
	if item.Status != models.MutationPending {
		t.Errorf("Expected pending status, got %s", item.Status)
	}
	if item.RetryCount != 0 {
		t.Errorf("Expected RetryCount 0, got %d", item.RetryCount)
	}
}

func TestDuplicateSuppression(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	_, added := s.Enqueue(ctx, input("c1"))
	if !added {
		t.Fatal("First enqueue should be added")
	}
	_, added = s.Enqueue(ctx, input("c1"))
	if added {
		t.Error("Identical enqueue within the window should be suppressed")
	}
	if got := len(s.List()); got != 1 {
		t.Errorf("Expected exactly 1 queue entry, got %d", got)
	}

	// A different entity is not a duplicate.
	_, added = s.Enqueue(ctx, input("c2"))
	if !added {
		t.Error("Different entity should not be suppressed")
	}
}

func TestDuplicateSuppressionExpires(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	now := time.Now()
	s.SetClock(func() time.Time { return now })
	s.Enqueue(ctx, input("c1"))

	// Same write 6 seconds later is a fresh intent.
	s.SetClock(func() time.Time { return now.Add(6 * time.Second) })
	_, added := s.Enqueue(ctx, input("c1"))
	if !added {
		t.Error("Enqueue outside the window should be added")
	}
	if got := len(s.List()); got != 2 {
		t.Errorf("Expected 2 queue entries, got %d", got)
	}
}

func TestDequeueFIFO(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		tick := base.Add(time.Duration(i) * 10 * time.Second)
		s.SetClock(func() time.Time { return tick })
		s.Enqueue(ctx, input(id))
	}

	for _, want := range []string{"a", "b", "c"} {
		item := s.Dequeue()
		if item == nil {
			t.Fatalf("Expected pending item %s, got none", want)
		}
		if item.EntityID != want {
			t.Errorf("Expected FIFO order %s, got %s", want, item.EntityID)
		}
		s.Remove(ctx, item.ID)
	}

	if item := s.Dequeue(); item != nil {
		t.Errorf("Expected empty queue, got %s", item.EntityID)
	}
}

func TestDequeueSkipsNonPending(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	first, _ := s.Enqueue(ctx, input("a"))
	s.Enqueue(ctx, input("b"))

	s.MarkFailed(ctx, first.ID, "server rejected")

	item := s.Dequeue()
	if item == nil || item.EntityID != "b" {
		t.Fatalf("Expected failed item to be skipped, got %+v", item)
	}
}

func TestCrashRecovery(t *testing.T) {
	kv := store.NewMemoryKV()
	ctx := context.Background()

	s := NewMutationStore(kv, 5*time.Second)
	item, _ := s.Enqueue(ctx, input("a"))
	s.MarkProcessing(ctx, item.ID)

	// Simulate a restart: a new store over the same persistence.
	restored := NewMutationStore(kv, 5*time.Second)
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	items := restored.List()
	if len(items) != 1 {
		t.Fatalf("Expected 1 restored item, got %d", len(items))
	}
	if items[0].Status != models.MutationPending {
		t.Errorf("Expected processing item reset to pending, got %s", items[0].Status)
	}
}

func TestRetryFailedResets(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	item, _ := s.Enqueue(ctx, input("a"))
	for i := 0; i < 4; i++ {
		s.MarkRetry(ctx, item.ID, "timeout")
	}
	s.MarkFailed(ctx, item.ID, "timeout")

	items := s.List()
	if items[0].RetryCount != 5 {
		t.Errorf("Expected RetryCount 5 after exhaustion, got %d", items[0].RetryCount)
	}

	count := s.RetryFailed(ctx)
	if count != 1 {
		t.Fatalf("Expected 1 reset, got %d", count)
	}

	items = s.List()
	if items[0].Status != models.MutationPending {
		t.Errorf("Expected pending after manual retry, got %s", items[0].Status)
	}
	if items[0].RetryCount != 0 {
		t.Errorf("Expected RetryCount reset to 0, got %d", items[0].RetryCount)
	}
	if items[0].ErrorMessage != "" {
		t.Errorf("Expected error message cleared, got %q", items[0].ErrorMessage)
	}
}

func TestEnqueueSurvivesStorageFailure(t *testing.T) {
	s, kv := newTestStore()
	ctx := context.Background()

	kv.FailWith(context.DeadlineExceeded)

	_, added := s.Enqueue(ctx, input("a"))
	if !added {
		t.Fatal("Enqueue should succeed in memory despite a storage failure")
	}
	if s.PendingCount() != 1 {
		t.Errorf("Expected 1 pending item, got %d", s.PendingCount())
	}
}

func TestStats(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	a, _ := s.Enqueue(ctx, input("a"))
	s.Enqueue(ctx, input("b"))
	s.MarkFailed(ctx, a.ID, "rejected")

	stats := s.Stats()
	if stats["total"] != 2 || stats["pending"] != 1 || stats["failed"] != 1 {
		t.Errorf("Unexpected stats: %v", stats)
	}
}

func TestClear(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	s.Enqueue(ctx, input("a"))
	s.Clear(ctx)

	if len(s.List()) != 0 {
		t.Error("Expected empty queue after Clear")
	}
}
