// Package sync provides the coordinator that turns a sustained online
// transition into a full reconciliation pass: drain mutations, drain
// photo uploads, invalidate dependent read caches, record the outcome.
package sync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fieldhq/fieldsync/internal/logging"
	"github.com/fieldhq/fieldsync/internal/models"
	"github.com/fieldhq/fieldsync/internal/store"
)

// State is the process-wide sync status: one instance, shared by
// reference. lastSyncedAt survives restarts; the isSyncing flag does
// not.
type State struct {
	mu           sync.Mutex
	kv           store.KV
	isSyncing    bool
	lastSyncedAt int64 // epoch ms, 0 = never
	syncError    string
}

// NewState creates a State persisting through kv.
func NewState(kv store.KV) *State {
	return &State{kv: kv}
}

// Restore loads the persisted sync state blob.
func (s *State) Restore(ctx context.Context) {
	data, err := s.kv.Get(ctx, models.SyncState{}.StorageKey())
	if err != nil {
		if err != store.ErrNotFound {
			logging.Warn("failed to restore sync state", map[string]interface{}{"error": err.Error()})
		}
		return
	}

	var blob models.SyncState
	if err := json.Unmarshal(data, &blob); err != nil {
		logging.Warn("corrupted sync state blob", nil)
		return
	}

	s.mu.Lock()
	s.lastSyncedAt = blob.LastSyncedAt
	s.syncError = blob.SyncError
	s.mu.Unlock()
}

// TryBegin atomically claims the sync lock. Returns false when a pass
// is already running.
func (s *State) TryBegin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isSyncing {
		return false
	}
	s.isSyncing = true
	s.syncError = ""
	return true
}

// End releases the sync lock, recording the outcome. A successful pass
// stamps lastSyncedAt and persists it.
func (s *State) End(ctx context.Context, syncErr error) {
	s.mu.Lock()
	s.isSyncing = false
	if syncErr != nil {
		s.syncError = syncErr.Error()
	} else {
		s.lastSyncedAt = time.Now().UnixMilli()
		s.syncError = ""
	}
	blob := models.SyncState{LastSyncedAt: s.lastSyncedAt, SyncError: s.syncError}
	s.mu.Unlock()

	data, err := json.Marshal(blob)
	if err != nil {
		return
	}
	if err := s.kv.Set(ctx, models.SyncState{}.StorageKey(), data); err != nil {
		logging.Error("failed to persist sync state", err, nil)
	}
}

// Snapshot returns the current status for display.
func (s *State) Snapshot() models.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SyncState{
		LastSyncedAt: s.lastSyncedAt,
		SyncError:    s.syncError,
	}
}

// IsSyncing reports whether a sync pass is in flight.
func (s *State) IsSyncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isSyncing
}

// Reset clears the state, in memory and persisted. Used on logout.
func (s *State) Reset(ctx context.Context) {
	s.mu.Lock()
	s.lastSyncedAt = 0
	s.syncError = ""
	s.mu.Unlock()

	if err := s.kv.MultiRemove(ctx, []string{models.SyncState{}.StorageKey()}); err != nil {
		logging.Warn("failed to clear sync state", map[string]interface{}{"error": err.Error()})
	}
}
