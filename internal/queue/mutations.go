// Package queue provides the durable pending-write queues: one for
// JSON mutations and one for binary photo uploads. Both stores own
// their persisted representation; every mutating call re-serializes
// the full collection (write-through), which is fine at user-action
// scale.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldhq/fieldsync/internal/logging"
	"github.com/fieldhq/fieldsync/internal/models"
	"github.com/fieldhq/fieldsync/internal/store"
)

// DefaultDuplicateWindow suppresses re-enqueues of the same logical
// write caused by rapid re-taps.
const DefaultDuplicateWindow = 5 * time.Second

// MutationInput describes a write to enqueue.
type MutationInput struct {
	EntityType  models.EntityType
	EntityID    string
	Method      string
	Endpoint    string
	Payload     json.RawMessage
	Description string
}

// MutationStore is the durable FIFO queue of pending write operations.
type MutationStore struct {
	mu        sync.Mutex
	kv        store.KV
	items     []*models.QueuedMutation
	dupWindow time.Duration
	now       func() time.Time
}

// NewMutationStore creates a MutationStore persisting through kv.
func NewMutationStore(kv store.KV, dupWindow time.Duration) *MutationStore {
	if dupWindow <= 0 {
		dupWindow = DefaultDuplicateWindow
	}
	return &MutationStore{
		kv:        kv,
		dupWindow: dupWindow,
		now:       time.Now,
	}
}

// SetClock overrides the store's clock. Tests only.
func (s *MutationStore) SetClock(now func() time.Time) {
	s.now = now
}

// Enqueue appends a new pending mutation and persists the queue.
// A duplicate (same entity type, entity id, method, and endpoint
// enqueued within the duplicate window) is silently dropped; the
// returned bool reports whether the item was actually added.
func (s *MutationStore) Enqueue(ctx context.Context, in MutationInput) (*models.QueuedMutation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()

	for _, item := range s.items {
		if item.EntityType == in.EntityType &&
			item.EntityID == in.EntityID &&
			item.Method == in.Method &&
			item.Endpoint == in.Endpoint &&
			now-item.CreatedAt < s.dupWindow.Milliseconds() {
			logging.Debug("duplicate mutation suppressed", map[string]interface{}{
				"entity_type": in.EntityType,
				"entity_id":   in.EntityID,
				"endpoint":    in.Endpoint,
			})
			return item, false
		}
	}

	item := &models.QueuedMutation{
		ID:          uuid.New().String(),
		EntityType:  in.EntityType,
		EntityID:    in.EntityID,
		Method:      in.Method,
		Endpoint:    in.Endpoint,
		Payload:     in.Payload,
		CreatedAt:   now,
		Status:      models.MutationPending,
		RetryCount:  0,
		Description: in.Description,
	}
	s.items = append(s.items, item)
	s.persist(ctx)

	logging.Info("mutation enqueued", map[string]interface{}{
		"id":          item.ID,
		"entity_type": item.EntityType,
		"endpoint":    item.Endpoint,
	})

	return item, true
}

// Dequeue returns the oldest pending mutation, or nil. It does not
// transition the item; the dispatcher owns state changes.
func (s *MutationStore) Dequeue() *models.QueuedMutation {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.items {
		if item.Status == models.MutationPending {
			copied := *item
			return &copied
		}
	}
	return nil
}

// MarkProcessing transitions a mutation to processing.
func (s *MutationStore) MarkProcessing(ctx context.Context, id string) {
	s.update(ctx, id, func(item *models.QueuedMutation) {
		item.Status = models.MutationProcessing
	})
}

// MarkRetry returns a mutation to pending with an incremented retry
// count and the last error message.
func (s *MutationStore) MarkRetry(ctx context.Context, id, errMsg string) {
	s.update(ctx, id, func(item *models.QueuedMutation) {
		item.Status = models.MutationPending
		item.RetryCount++
		item.ErrorMessage = errMsg
	})
}

// MarkFailed transitions a mutation to the terminal failed state.
func (s *MutationStore) MarkFailed(ctx context.Context, id, errMsg string) {
	s.update(ctx, id, func(item *models.QueuedMutation) {
		item.Status = models.MutationFailed
		item.RetryCount++
		item.ErrorMessage = errMsg
	})
}

// Remove deletes a mutation (normally after a successful dispatch).
func (s *MutationStore) Remove(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, item := range s.items {
		if item.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			s.persist(ctx)
			return
		}
	}
}

// RetryFailed resets all failed mutations to pending with a fresh
// retry budget. Returns how many were reset.
func (s *MutationStore) RetryFailed(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, item := range s.items {
		if item.Status == models.MutationFailed {
			item.Status = models.MutationPending
			item.RetryCount = 0
			item.ErrorMessage = ""
			count++
		}
	}
	if count > 0 {
		s.persist(ctx)
		logging.Info("failed mutations reset for retry", map[string]interface{}{"count": count})
	}
	return count
}

// Restore loads the persisted snapshot. Any item left processing by a
// crash mid-dispatch is reset to pending so it is neither dropped nor
// stuck.
func (s *MutationStore) Restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.kv.Get(ctx, models.QueuedMutation{}.StorageKey())
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		logging.Error("failed to restore mutation queue", err, nil)
		return err
	}

	var items []*models.QueuedMutation
	if err := json.Unmarshal(data, &items); err != nil {
		logging.Error("corrupted mutation queue snapshot", err, nil)
		return err
	}

	recovered := 0
	for _, item := range items {
		if item.Status == models.MutationProcessing {
			item.Status = models.MutationPending
			recovered++
		}
	}
	s.items = items

	if recovered > 0 {
		s.persist(ctx)
		logging.Warn("recovered in-flight mutations after restart", map[string]interface{}{"count": recovered})
	}
	return nil
}

// List returns a copy of all queued mutations in FIFO order.
func (s *MutationStore) List() []*models.QueuedMutation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.QueuedMutation, 0, len(s.items))
	for _, item := range s.items {
		copied := *item
		out = append(out, &copied)
	}
	return out
}

// PendingCount returns the number of pending mutations.
func (s *MutationStore) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, item := range s.items {
		if item.Status == models.MutationPending {
			count++
		}
	}
	return count
}

// Stats returns per-status counts for display.
func (s *MutationStore) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := map[string]int{"total": 0, "pending": 0, "processing": 0, "failed": 0}
	for _, item := range s.items {
		stats["total"]++
		stats[string(item.Status)]++
	}
	return stats
}

// Clear drops all queued mutations. Used on logout.
func (s *MutationStore) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = nil
	s.persist(ctx)
}

func (s *MutationStore) update(ctx context.Context, id string, patch func(*models.QueuedMutation)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.items {
		if item.ID == id {
			patch(item)
			s.persist(ctx)
			return
		}
	}
}

// persist writes the full queue snapshot. Storage failures are logged
// and swallowed: the in-memory enqueue stands even when the
// write-through misses, losing durability rather than the user action.
// Callers must hold s.mu.
func (s *MutationStore) persist(ctx context.Context) {
	data, err := json.Marshal(s.items)
	if err != nil {
		logging.Error("failed to serialize mutation queue", err, nil)
		return
	}
	if err := s.kv.Set(ctx, models.QueuedMutation{}.StorageKey(), data); err != nil {
		logging.Error("failed to persist mutation queue", err, nil)
	}
}
