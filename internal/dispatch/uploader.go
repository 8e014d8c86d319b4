package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fieldhq/fieldsync/internal/api"
	"github.com/fieldhq/fieldsync/internal/logging"
	"github.com/fieldhq/fieldsync/internal/media"
	"github.com/fieldhq/fieldsync/internal/models"
	"github.com/fieldhq/fieldsync/internal/queue"
)

// DefaultUploadAttempts is the per-photo attempt budget.
const DefaultUploadAttempts = 3

// Invalidator is the slice of the cache store the uploader needs:
// dropping the owning job's photo list after a successful upload.
type Invalidator interface {
	Invalidate(ctx context.Context, entityTypes ...models.EntityType)
}

// UploadResult summarizes one photo drain run.
type UploadResult struct {
	Uploaded int `json:"uploaded"`
	Failed   int `json:"failed"`
}

// Uploader drains the photo queue: compress, build the multipart
// payload, upload with a fixed retry ladder. Compression failures are
// terminal for the asset and never retried.
type Uploader struct {
	photos      *queue.PhotoStore
	client      api.Client
	compressor  *media.Compressor
	cache       Invalidator
	online      func() bool
	maxAttempts int
	schedule    []time.Duration

	wait func(ctx context.Context, d time.Duration)

	mu      sync.Mutex
	running bool
}

// NewUploader creates a photo Uploader.
func NewUploader(photos *queue.PhotoStore, client api.Client, compressor *media.Compressor, cache Invalidator, online func() bool, maxAttempts int) *Uploader {
	if maxAttempts <= 0 {
		maxAttempts = DefaultUploadAttempts
	}
	return &Uploader{
		photos:      photos,
		client:      client,
		compressor:  compressor,
		cache:       cache,
		online:      online,
		maxAttempts: maxAttempts,
		schedule:    UploadSchedule,
		wait:        sleep,
	}
}

// Drain processes pending photos FIFO until the queue is empty, the
// device goes offline, or ctx is cancelled. Re-entrant calls are
// no-ops.
func (u *Uploader) Drain(ctx context.Context) UploadResult {
	u.mu.Lock()
	if u.running {
		u.mu.Unlock()
		return UploadResult{}
	}
	u.running = true
	u.mu.Unlock()

	defer func() {
		u.mu.Lock()
		u.running = false
		u.mu.Unlock()
	}()

	var res UploadResult
	for {
		if ctx.Err() != nil || !u.online() {
			return res
		}

		item := u.photos.Dequeue()
		if item == nil {
			return res
		}

		switch u.process(ctx, item) {
		case uploadDone:
			res.Uploaded++
		case uploadFailed:
			res.Failed++
		case uploadStopped:
			// The drain was cut short; the item stays pending.
			return res
		}
	}
}

type uploadOutcome int

const (
	uploadDone uploadOutcome = iota
	uploadFailed
	uploadStopped
)

// process runs one photo through the pipeline.
func (u *Uploader) process(ctx context.Context, item *models.QueuedPhoto) uploadOutcome {
	u.photos.SetStatus(ctx, item.ID, models.PhotoCompressing, 10)

	data, err := u.compressor.Compress(item.FileURI)
	if err != nil {
		// The asset itself is the problem; retrying cannot help.
		u.photos.MarkError(ctx, item.ID, err.Error())
		logging.ErrorWithCode("photo compression failed", "COMPRESSION_FAILED", err, map[string]interface{}{
			"id":     item.ID,
			"job_id": item.JobID,
		})
		return uploadFailed
	}

	u.photos.SetStatus(ctx, item.ID, models.PhotoUploading, 30)

	form := api.UploadForm{
		FilePath:        item.FileURI,
		FileName:        filepath.Base(item.FileURI),
		Data:            data,
		Category:        item.Category,
		Location:        item.Location,
		Timestamp:       item.Timestamp,
		ChecklistItemID: item.ChecklistItemID,
	}
	endpoint := fmt.Sprintf("/jobs/%s/photos", item.JobID)

	var lastErr error
	for attempt := 1; attempt <= u.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			// The asset is fine; a later pass resumes it.
			u.photos.SetStatus(ctx, item.ID, models.PhotoPending, 0)
			return uploadStopped
		}

		u.photos.SetStatus(ctx, item.ID, models.PhotoUploading, 30+attempt*15)

		_, err := u.client.Upload(ctx, endpoint, form)
		if err == nil {
			u.photos.SetStatus(ctx, item.ID, models.PhotoSuccess, 100)
			u.cache.Invalidate(ctx, models.EntityJobPhotos)
			logging.Info("photo uploaded", map[string]interface{}{
				"id":       item.ID,
				"job_id":   item.JobID,
				"attempts": attempt,
			})
			return uploadDone
		}
		lastErr = err

		if !api.IsNetworkError(err) {
			// Server rejected the upload; further attempts would too.
			break
		}

		u.photos.IncrementRetry(ctx, item.ID)
		if attempt < u.maxAttempts {
			delay := u.schedule[min(attempt-1, len(u.schedule)-1)]
			logging.Warn("photo upload failed, retrying", map[string]interface{}{
				"id":       item.ID,
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
			})
			u.wait(ctx, delay)
		}
	}

	u.photos.MarkError(ctx, item.ID, lastErr.Error())
	logging.ErrorWithCode("photo upload failed", "UPLOAD_FAILED", lastErr, map[string]interface{}{
		"id":     item.ID,
		"job_id": item.JobID,
	})
	return uploadFailed
}

// Running reports whether a drain is currently active.
func (u *Uploader) Running() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.running
}
