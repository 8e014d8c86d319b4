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

// PhotoInput describes a captured photo to enqueue for upload.
type PhotoInput struct {
	JobID           string
	FileURI         string
	Category        models.PhotoCategory
	Location        *models.GeoPoint
	ChecklistItemID string
}

// PhotoStore is the durable FIFO queue of pending photo uploads.
// Successful uploads stay in memory so the UI can show them until an
// explicit clear, but are garbage-collected from persisted snapshots.
type PhotoStore struct {
	mu    sync.Mutex
	kv    store.KV
	items []*models.QueuedPhoto
	now   func() time.Time
}

// NewPhotoStore creates a PhotoStore persisting through kv.
func NewPhotoStore(kv store.KV) *PhotoStore {
	return &PhotoStore{
		kv:  kv,
		now: time.Now,
	}
}

// SetClock overrides the store's clock. Tests only.
func (s *PhotoStore) SetClock(now func() time.Time) {
	s.now = now
}

// Enqueue appends pending photos for a job and persists the queue.
func (s *PhotoStore) Enqueue(ctx context.Context, jobID string, photos []PhotoInput) []*models.QueuedPhoto {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := make([]*models.QueuedPhoto, 0, len(photos))
	for _, in := range photos {
		item := &models.QueuedPhoto{
			ID:              uuid.New().String(),
			JobID:           jobID,
			FileURI:         in.FileURI,
			Category:        in.Category,
			Location:        in.Location,
			Timestamp:       s.now().UnixMilli(),
			ChecklistItemID: in.ChecklistItemID,
			Status:          models.PhotoPending,
		}
		s.items = append(s.items, item)
		added = append(added, item)
	}
	if len(added) > 0 {
		s.persist(ctx)
		logging.Info("photos enqueued", map[string]interface{}{
			"job_id": jobID,
			"count":  len(added),
		})
	}
	return added
}

// Dequeue returns the oldest pending photo, or nil.
func (s *PhotoStore) Dequeue() *models.QueuedPhoto {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.items {
		if item.Status == models.PhotoPending {
			copied := *item
			return &copied
		}
	}
	return nil
}

// SetStatus transitions a photo and updates its progress percentage.
func (s *PhotoStore) SetStatus(ctx context.Context, id string, status models.PhotoStatus, progress int) {
	s.update(ctx, id, func(item *models.QueuedPhoto) {
		item.Status = status
		item.Progress = progress
	})
}

// MarkError transitions a photo to the error state.
func (s *PhotoStore) MarkError(ctx context.Context, id, errMsg string) {
	s.update(ctx, id, func(item *models.QueuedPhoto) {
		item.Status = models.PhotoError
		item.Error = errMsg
	})
}

// IncrementRetry bumps a photo's retry count.
func (s *PhotoStore) IncrementRetry(ctx context.Context, id string) {
	s.update(ctx, id, func(item *models.QueuedPhoto) {
		item.RetryCount++
	})
}

// RetryJob resets all errored photos for a job back to pending.
// Returns how many were reset.
func (s *PhotoStore) RetryJob(ctx context.Context, jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, item := range s.items {
		if item.JobID == jobID && item.Status == models.PhotoError {
			item.Status = models.PhotoPending
			item.RetryCount = 0
			item.Error = ""
			item.Progress = 0
			count++
		}
	}
	if count > 0 {
		s.persist(ctx)
		logging.Info("errored photos reset for retry", map[string]interface{}{
			"job_id": jobID,
			"count":  count,
		})
	}
	return count
}

// ClearCompleted drops successful uploads from memory.
func (s *PhotoStore) ClearCompleted(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.items[:0]
	cleared := 0
	for _, item := range s.items {
		if item.Status == models.PhotoSuccess {
			cleared++
			continue
		}
		kept = append(kept, item)
	}
	s.items = kept
	if cleared > 0 {
		s.persist(ctx)
	}
	return cleared
}

// Restore loads the persisted snapshot. Items caught mid-pipeline by a
// crash (compressing or uploading) go back to pending.
func (s *PhotoStore) Restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.kv.Get(ctx, models.QueuedPhoto{}.StorageKey())
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		logging.Error("failed to restore photo queue", err, nil)
		return err
	}

	var items []*models.QueuedPhoto
	if err := json.Unmarshal(data, &items); err != nil {
		logging.Error("corrupted photo queue snapshot", err, nil)
		return err
	}

	for _, item := range items {
		if item.Status == models.PhotoCompressing || item.Status == models.PhotoUploading {
			item.Status = models.PhotoPending
			item.Progress = 0
		}
	}
	s.items = items
	return nil
}

// List returns a copy of all queued photos in FIFO order.
func (s *PhotoStore) List() []*models.QueuedPhoto {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.QueuedPhoto, 0, len(s.items))
	for _, item := range s.items {
		copied := *item
		out = append(out, &copied)
	}
	return out
}

// PendingCount returns the number of photos awaiting upload.
func (s *PhotoStore) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, item := range s.items {
		if item.Status == models.PhotoPending {
			count++
		}
	}
	return count
}

// Clear drops all queued photos. Used on logout.
func (s *PhotoStore) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = nil
	s.persist(ctx)
}

func (s *PhotoStore) update(ctx context.Context, id string, patch func(*models.QueuedPhoto)) {
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

// persist writes the queue snapshot, excluding terminal successes.
// Storage failures are logged and swallowed. Callers must hold s.mu.
func (s *PhotoStore) persist(ctx context.Context) {
	durable := make([]*models.QueuedPhoto, 0, len(s.items))
	for _, item := range s.items {
		if item.Status == models.PhotoSuccess {
			continue
		}
		durable = append(durable, item)
	}

	data, err := json.Marshal(durable)
	if err != nil {
		logging.Error("failed to serialize photo queue", err, nil)
		return
	}
	if err := s.kv.Set(ctx, models.QueuedPhoto{}.StorageKey(), data); err != nil {
		logging.Error("failed to persist photo queue", err, nil)
	}
}
