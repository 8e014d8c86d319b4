package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/fieldhq/fieldsync/internal/api"
	"github.com/fieldhq/fieldsync/internal/logging"
	"github.com/fieldhq/fieldsync/internal/queue"
)

// DefaultMaxRetries is the mutation retry budget before an item is
// marked failed.
const DefaultMaxRetries = 5

// Result summarizes one drain run.
type Result struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Dispatcher drains the mutation queue sequentially. State machine per
// item: pending -> processing -> removed on success, back to pending on
// a transient failure, failed once the retry budget is exhausted or the
// server rejects the write outright.
type Dispatcher struct {
	queue      *queue.MutationStore
	client     api.Client
	online     func() bool
	maxRetries int
	backoff    Backoff

	// wait is the backoff sleep, injectable so tests run instantly.
	wait func(ctx context.Context, d time.Duration)

	mu      sync.Mutex
	running bool
}

// NewDispatcher creates a mutation Dispatcher. online gates each loop
// iteration so a mid-drain disconnect stops the loop cleanly.
func NewDispatcher(q *queue.MutationStore, client api.Client, online func() bool, maxRetries int, backoff Backoff) *Dispatcher {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Dispatcher{
		queue:      q,
		client:     client,
		online:     online,
		maxRetries: maxRetries,
		backoff:    backoff,
		wait:       sleep,
	}
}

// Drain processes pending mutations FIFO until the queue is empty, the
// device goes offline, or ctx is cancelled. A call while another drain
// is active returns immediately with a zero Result.
func (d *Dispatcher) Drain(ctx context.Context) Result {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return Result{}
	}
	d.running = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	var res Result
	for {
		if ctx.Err() != nil || !d.online() {
			// Remaining items stay pending; a later run resumes.
			return res
		}

		item := d.queue.Dequeue()
		if item == nil {
			return res
		}

		d.queue.MarkProcessing(ctx, item.ID)

		_, err := d.client.Do(ctx, api.Method(item.Method), item.Endpoint, item.Payload)
		if err == nil {
			d.queue.Remove(ctx, item.ID)
			res.Processed++
			logging.Info("mutation dispatched", map[string]interface{}{
				"id":       item.ID,
				"endpoint": item.Endpoint,
			})
			continue
		}

		if !api.IsNetworkError(err) {
			// The server answered and rejected the write. Replaying it
			// would fail the same way, so surface it instead.
			d.queue.MarkFailed(ctx, item.ID, err.Error())
			res.Failed++
			logging.ErrorWithCode("mutation rejected", "SYNC_FAILED", err, map[string]interface{}{
				"id": item.ID,
			})
			continue
		}

		attempt := item.RetryCount + 1
		if attempt >= d.maxRetries {
			d.queue.MarkFailed(ctx, item.ID, err.Error())
			res.Failed++
			logging.ErrorWithCode("mutation retries exhausted", "RETRY_EXHAUSTED", err, map[string]interface{}{
				"id":      item.ID,
				"retries": attempt,
			})
			continue
		}

		d.queue.MarkRetry(ctx, item.ID, err.Error())
		delay := d.backoff.Delay(attempt)
		logging.Warn("mutation dispatch failed, retrying", map[string]interface{}{
			"id":       item.ID,
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		})
		d.wait(ctx, delay)
	}
}

// Running reports whether a drain is currently active.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}
