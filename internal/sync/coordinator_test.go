package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/fieldhq/fieldsync/internal/api"
	"github.com/fieldhq/fieldsync/internal/dispatch"
	"github.com/fieldhq/fieldsync/internal/media"
	"github.com/fieldhq/fieldsync/internal/models"
	"github.com/fieldhq/fieldsync/internal/netmon"
	"github.com/fieldhq/fieldsync/internal/notify"
	"github.com/fieldhq/fieldsync/internal/queue"
	"github.com/fieldhq/fieldsync/internal/store"
)

// recordingClient answers every call from a scripted hook, nil hook
// means success.
type recordingClient struct {
	mu      gosync.Mutex
	calls   []string
	respond func(op string) error
	block   chan struct{}
}

func (c *recordingClient) record(op string) {
	c.mu.Lock()
	c.calls = append(c.calls, op)
	c.mu.Unlock()
}

func (c *recordingClient) answer(op string) error {
	if c.block != nil {
		<-c.block
	}
	if c.respond != nil {
		return c.respond(op)
	}
	return nil
}

func (c *recordingClient) Do(ctx context.Context, method api.Method, endpoint string, payload []byte) ([]byte, error) {
	op := string(method) + " " + endpoint
	c.record(op)
	if err := c.answer(op); err != nil {
		return nil, err
	}
	return []byte(`{}`), nil
}

func (c *recordingClient) Upload(ctx context.Context, endpoint string, form api.UploadForm) ([]byte, error) {
	op := "UPLOAD " + endpoint
	c.record(op)
	if err := c.answer(op); err != nil {
		return nil, err
	}
	return []byte(`{}`), nil
}

func (c *recordingClient) callList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

type recordingInvalidator struct {
	mu    gosync.Mutex
	types []models.EntityType
	panic bool
}

func (r *recordingInvalidator) Invalidate(ctx context.Context, entityTypes ...models.EntityType) {
	if r.panic {
		panic("cache store gone")
	}
	r.mu.Lock()
	r.types = append(r.types, entityTypes...)
	r.mu.Unlock()
}

type eventRecorder struct {
	mu     gosync.Mutex
	events []notify.Event
}

func (r *eventRecorder) sink() notify.Sink {
	return notify.FuncSink(func(e notify.Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
}

func (r *eventRecorder) byType(eventType string) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	mutations   *queue.MutationStore
	photos      *queue.PhotoStore
	client      *recordingClient
	invalidator *recordingInvalidator
	events      *eventRecorder
	state       *State
	coordinator *Coordinator
}

func newFixture(t *testing.T, window time.Duration) *fixture {
	t.Helper()
	kv := store.NewMemoryKV()
	client := &recordingClient{}
	inv := &recordingInvalidator{}
	events := &eventRecorder{}

	mutations := queue.NewMutationStore(kv, 5*time.Second)
	photos := queue.NewPhotoStore(kv)
	online := func() bool { return true }

	fastBackoff := dispatch.Backoff{Base: time.Millisecond, Cap: 2 * time.Millisecond}
	dispatcher := dispatch.NewDispatcher(mutations, client, online, 5, fastBackoff)

	compressor := media.NewCompressor(1<<30, 1<<31, 1920, 80)
	uploader := dispatch.NewUploader(photos, client, compressor, inv, online, 3)

	state := NewState(kv)
	coord := NewCoordinator(state, dispatcher, uploader, inv, events.sink(), window)

	return &fixture{
		mutations:   mutations,
		photos:      photos,
		client:      client,
		invalidator: inv,
		events:      events,
		state:       state,
		coordinator: coord,
	}
}

func (f *fixture) enqueueMutation(t *testing.T, id string) {
	t.Helper()
	tick := time.Now().Add(time.Duration(len(f.mutations.List())) * time.Minute)
	f.mutations.SetClock(func() time.Time { return tick })
	if _, added := f.mutations.Enqueue(context.Background(), queue.MutationInput{
		EntityType: models.EntityTimeEntry,
		EntityID:   id,
		Method:     "POST",
		Endpoint:   "/time-entries/" + id,
	}); !added {
		t.Fatalf("enqueue of %s suppressed", id)
	}
}

func (f *fixture) enqueuePhoto(t *testing.T, jobID string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "photo.jpg")
	if err := os.WriteFile(path, []byte("jpeg-bytes"), 0644); err != nil {
		t.Fatalf("Failed to write photo file: %v", err)
	}
	f.photos.Enqueue(context.Background(), jobID, []queue.PhotoInput{{
		FileURI:  path,
		Category: models.PhotoAfter,
	}})
}

func TestSyncDrainsEverythingInOrder(t *testing.T) {
	f := newFixture(t, time.Second)
	f.enqueueMutation(t, "a")
	f.enqueueMutation(t, "b")
	f.enqueueMutation(t, "c")
	f.enqueuePhoto(t, "job-1")

	f.coordinator.Sync(context.Background())

	want := []string{
		"POST /time-entries/a",
		"POST /time-entries/b",
		"POST /time-entries/c",
		"UPLOAD /jobs/job-1/photos",
	}
	calls := f.client.callList()
	if len(calls) != len(want) {
		t.Fatalf("Expected %d calls, got %v", len(want), calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("Call %d: expected %s, got %s", i, want[i], calls[i])
		}
	}

	if got := f.mutations.PendingCount(); got != 0 {
		t.Errorf("Expected empty mutation queue, got %d pending", got)
	}
	if f.state.Snapshot().LastSyncedAt == 0 {
		t.Error("Expected lastSyncedAt stamped after a clean pass")
	}
	if f.state.IsSyncing() {
		t.Error("Sync lock must be released after the pass")
	}

	done := f.events.byType(notify.EventSyncCompleted)
	if len(done) != 1 || done[0].Message != "All changes synced" {
		t.Errorf("Unexpected completion events: %v", done)
	}
}

func TestSyncInvalidatesReadCaches(t *testing.T) {
	f := newFixture(t, time.Second)
	f.coordinator.Sync(context.Background())

	seen := map[models.EntityType]bool{}
	for _, e := range f.invalidator.types {
		seen[e] = true
	}
	for _, want := range []models.EntityType{
		models.EntitySchedule,
		models.EntityJobDetail,
		models.EntityChecklist,
		models.EntityTimeStatus,
		models.EntityDashboardSummary,
		models.EntityJobNotes,
		models.EntityAccountNotes,
	} {
		if !seen[want] {
			t.Errorf("Expected %s invalidated after sync", want)
		}
	}
}

func TestSyncExhaustedMutationDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t, time.Second)
	f.client.respond = func(op string) error {
		if strings.Contains(op, "/time-entries/a") {
			return &api.NetworkError{Op: op, Err: errors.New("connection reset")}
		}
		return nil
	}
	f.enqueueMutation(t, "a")
	f.enqueueMutation(t, "b")
	f.enqueueMutation(t, "c")

	f.coordinator.Sync(context.Background())

	var failed *models.QueuedMutation
	for _, m := range f.mutations.List() {
		if m.EntityID == "a" {
			failed = m
		}
	}
	if failed == nil {
		t.Fatal("Expected the failing mutation kept in the queue")
	}
	if failed.Status != models.MutationFailed {
		t.Errorf("Expected failed status, got %s", failed.Status)
	}
	if failed.RetryCount != 5 {
		t.Errorf("Expected 5 attempts recorded, got %d", failed.RetryCount)
	}

	done := f.events.byType(notify.EventSyncCompleted)
	if len(done) != 1 || done[0].Message != "Synced with 1 failures" {
		t.Errorf("Unexpected completion events: %v", done)
	}

	// A later pass skips the terminally failed item entirely.
	before := len(f.client.callList())
	f.coordinator.Sync(context.Background())
	var extra int
	for _, op := range f.client.callList()[before:] {
		if strings.Contains(op, "/time-entries/a") {
			extra++
		}
	}
	if extra != 0 {
		t.Errorf("Failed mutations must wait for an explicit retry, got %d calls", extra)
	}
}

func TestSyncIsMutuallyExclusive(t *testing.T) {
	f := newFixture(t, time.Second)
	f.client.block = make(chan struct{})
	f.enqueueMutation(t, "a")

	first := make(chan struct{})
	go func() {
		f.coordinator.Sync(context.Background())
		close(first)
	}()

	deadline := time.After(2 * time.Second)
	for !f.state.IsSyncing() {
		select {
		case <-deadline:
			t.Fatal("First sync pass never started")
		case <-time.After(time.Millisecond):
		}
	}

	// Second call must bail out without touching the network.
	f.coordinator.Sync(context.Background())
	if got := len(f.events.byType(notify.EventSyncStarted)); got != 1 {
		t.Errorf("Expected a single started event, got %d", got)
	}

	close(f.client.block)
	<-first
	if f.state.IsSyncing() {
		t.Error("Sync lock must be released after the pass")
	}
}

func TestSyncReleasesLockOnPanic(t *testing.T) {
	f := newFixture(t, time.Second)
	f.invalidator.panic = true

	f.coordinator.Sync(context.Background())

	if f.state.IsSyncing() {
		t.Error("Sync lock must be released after a panic")
	}
	if f.state.Snapshot().SyncError == "" {
		t.Error("Expected the panic recorded as the sync error")
	}
	if got := len(f.events.byType(notify.EventSyncFailed)); got != 1 {
		t.Errorf("Expected a failure event, got %d", got)
	}

	// The coordinator must stay usable.
	f.invalidator.panic = false
	f.coordinator.Sync(context.Background())
	if f.state.Snapshot().SyncError != "" {
		t.Error("Expected the sync error cleared by the next clean pass")
	}
}

func TestReconnectTriggersSyncAfterStabilization(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	f.enqueueMutation(t, "a")

	monitor := netmon.NewMonitor()
	f.coordinator.Watch(monitor)
	defer f.coordinator.Stop()

	monitor.Report(netmon.Status{Connected: true})

	deadline := time.After(2 * time.Second)
	for len(f.events.byType(notify.EventSyncCompleted)) == 0 {
		select {
		case <-deadline:
			t.Fatal("Sync never ran after the stabilization window")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if got := f.mutations.PendingCount(); got != 0 {
		t.Errorf("Expected the queue drained, got %d pending", got)
	}
}

func TestOfflineCancelsPendingSync(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	f.enqueueMutation(t, "a")

	monitor := netmon.NewMonitor()
	f.coordinator.Watch(monitor)
	defer f.coordinator.Stop()

	monitor.Report(netmon.Status{Connected: true})
	time.Sleep(10 * time.Millisecond)
	monitor.Report(netmon.Status{Connected: false})

	time.Sleep(120 * time.Millisecond)
	if got := len(f.client.callList()); got != 0 {
		t.Errorf("Expected no network calls after a cancelled window, got %d", got)
	}
	if got := len(f.events.byType(notify.EventSyncStarted)); got != 0 {
		t.Errorf("Expected no sync to start, got %d", got)
	}
}

func TestStateRestoreRoundTrip(t *testing.T) {
	kv := store.NewMemoryKV()
	ctx := context.Background()

	first := NewState(kv)
	first.TryBegin()
	first.End(ctx, nil)
	stamped := first.Snapshot().LastSyncedAt
	if stamped == 0 {
		t.Fatal("Expected lastSyncedAt stamped")
	}

	second := NewState(kv)
	second.Restore(ctx)
	if got := second.Snapshot().LastSyncedAt; got != stamped {
		t.Errorf("Expected restored stamp %d, got %d", stamped, got)
	}
	if second.IsSyncing() {
		t.Error("The sync lock must never survive a restart")
	}
}

func TestStateReset(t *testing.T) {
	kv := store.NewMemoryKV()
	ctx := context.Background()

	s := NewState(kv)
	s.TryBegin()
	s.End(ctx, errors.New("server unreachable"))
	s.Reset(ctx)

	snap := s.Snapshot()
	if snap.LastSyncedAt != 0 || snap.SyncError != "" {
		t.Errorf("Expected a cleared state, got %+v", snap)
	}

	fresh := NewState(kv)
	fresh.Restore(ctx)
	if fresh.Snapshot().LastSyncedAt != 0 {
		t.Error("Expected the persisted blob removed")
	}
}
