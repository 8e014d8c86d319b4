package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/fieldhq/fieldsync/internal/dispatch"
	"github.com/fieldhq/fieldsync/internal/logging"
	"github.com/fieldhq/fieldsync/internal/models"
	"github.com/fieldhq/fieldsync/internal/netmon"
	"github.com/fieldhq/fieldsync/internal/notify"
)

// DefaultStabilizationWindow is how long connectivity must hold before
// a reconnect triggers a sync pass, so we don't sync against a
// flapping connection.
const DefaultStabilizationWindow = 3 * time.Second

// invalidateOnSync is the fixed set of read caches a sync pass drops
// so the next render re-fetches instead of trusting pre-sync data.
var invalidateOnSync = []models.EntityType{
	models.EntitySchedule,
	models.EntityJobDetail,
	models.EntityChecklist,
	models.EntityTimeStatus,
	models.EntityDashboardSummary,
	models.EntityJobNotes,
	models.EntityAccountNotes,
}

// Invalidator is the slice of the cache store the coordinator uses.
type Invalidator interface {
	Invalidate(ctx context.Context, entityTypes ...models.EntityType)
}

// Coordinator subscribes to the network monitor and runs the
// reconciliation pass after a sustained online transition.
type Coordinator struct {
	state      *State
	dispatcher *dispatch.Dispatcher
	uploader   *dispatch.Uploader
	cache      Invalidator
	sink       notify.Sink
	window     time.Duration

	mu    gosync.Mutex
	timer *time.Timer

	unsubscribe func()
}

// NewCoordinator wires the coordinator. window <= 0 falls back to the
// 3s default.
func NewCoordinator(state *State, dispatcher *dispatch.Dispatcher, uploader *dispatch.Uploader, cache Invalidator, sink notify.Sink, window time.Duration) *Coordinator {
	if window <= 0 {
		window = DefaultStabilizationWindow
	}
	if sink == nil {
		sink = notify.NopSink{}
	}
	return &Coordinator{
		state:      state,
		dispatcher: dispatcher,
		uploader:   uploader,
		cache:      cache,
		sink:       sink,
		window:     window,
	}
}

// Watch subscribes to the monitor. Call Stop to detach.
func (c *Coordinator) Watch(monitor *netmon.Monitor) {
	c.unsubscribe = monitor.Subscribe(func(online bool) {
		c.onTransition(online)
	})
}

// Stop detaches from the monitor and cancels any pending
// stabilization timer. An in-flight sync pass finishes naturally.
func (c *Coordinator) Stop() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.cancelTimer()
}

func (c *Coordinator) onTransition(online bool) {
	if !online {
		// Do nothing beyond cancelling the pending timer; an in-flight
		// sync is allowed to continue or fail naturally.
		c.cancelTimer()
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.window, func() {
		c.Sync(context.Background())
	})
}

func (c *Coordinator) cancelTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Sync runs one reconciliation pass: mutations, then photos, then
// cache invalidation, then the last-synced stamp. Mutually exclusive;
// a call while a pass is running is a no-op. The sync lock is released
// on every path, panics included.
func (c *Coordinator) Sync(ctx context.Context) {
	if !c.state.TryBegin() {
		logging.Debug("sync already in progress, skipping", nil)
		return
	}

	c.sink.Notify(notify.Event{Type: notify.EventSyncStarted})

	var passErr error
	var out syncOutcome
	defer func() {
		if r := recover(); r != nil {
			passErr = fmt.Errorf("sync pass panicked: %v", r)
			logging.Error("sync pass panicked", passErr, nil)
		}
		c.state.End(ctx, passErr)
		c.report(passErr, out)
	}()

	out.mutations = c.dispatcher.Drain(ctx)
	logging.Info("mutation queue drained", map[string]interface{}{
		"processed": out.mutations.Processed,
		"failed":    out.mutations.Failed,
	})

	// Photo failures are logged but never abort the pass.
	out.uploads = c.uploader.Drain(ctx)
	if out.uploads.Failed > 0 {
		logging.Warn("photo uploads incomplete", map[string]interface{}{
			"uploaded": out.uploads.Uploaded,
			"failed":   out.uploads.Failed,
		})
	}

	c.cache.Invalidate(ctx, invalidateOnSync...)
}

type syncOutcome struct {
	mutations dispatch.Result
	uploads   dispatch.UploadResult
}

func (c *Coordinator) report(passErr error, out syncOutcome) {
	if passErr != nil {
		c.sink.Notify(notify.Event{
			Type:    notify.EventSyncFailed,
			Message: "Sync failed. We'll retry automatically.",
		})
		return
	}

	if out.mutations.Failed > 0 {
		c.sink.Notify(notify.Event{
			Type:    notify.EventSyncCompleted,
			Message: fmt.Sprintf("Synced with %d failures", out.mutations.Failed),
			Data: map[string]interface{}{
				"processed": out.mutations.Processed,
				"failed":    out.mutations.Failed,
				"uploaded":  out.uploads.Uploaded,
			},
		})
		return
	}

	c.sink.Notify(notify.Event{
		Type:    notify.EventSyncCompleted,
		Message: "All changes synced",
		Data: map[string]interface{}{
			"processed": out.mutations.Processed,
			"uploaded":  out.uploads.Uploaded,
		},
	})
}
