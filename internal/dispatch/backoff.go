// Package dispatch contains the sequential drain loops that replay
// queued work against the remote API: one for JSON mutations, one for
// photo uploads. Both are single-run guarded; there is never more than
// one active drain per queue.
package dispatch

import (
	"context"
	"math/rand"
	"time"
)

// Backoff is the exponential retry policy for mutations:
// min(base * 2^retry, cap) plus a random jitter. The jitter keeps
// multiple queued items from hammering the server in lockstep.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter time.Duration
}

// DefaultBackoff matches the production tuning: 1s base, 16s cap,
// up to 500ms jitter.
var DefaultBackoff = Backoff{
	Base:   time.Second,
	Cap:    16 * time.Second,
	Jitter: 500 * time.Millisecond,
}

// Step returns the jitterless delay for a retry count. Non-decreasing
// in retry and capped.
func (b Backoff) Step(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := b.Base
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}

// Delay returns the full delay for a retry count, jitter included.
func (b Backoff) Delay(retry int) time.Duration {
	d := b.Step(retry)
	if b.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(b.Jitter)))
	}
	return d
}

// UploadSchedule is the fixed backoff between photo upload attempts.
// Uploads are larger and less frequent than mutations, so a simple
// fixed ladder is enough.
var UploadSchedule = []time.Duration{
	time.Second,
	2 * time.Second,
	4 * time.Second,
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
