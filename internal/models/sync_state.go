package models

// SyncState is the small persisted blob describing the last sync pass.
// The in-flight isSyncing flag is runtime-only and deliberately not
// part of the persisted form.
type SyncState struct {
	LastSyncedAt int64  `json:"last_synced_at,omitempty"` // epoch ms, 0 = never
	SyncError    string `json:"sync_error,omitempty"`
}

// StorageKey returns the key under which the sync state blob is
// persisted.
func (SyncState) StorageKey() string {
	return "fieldsync.sync.state"
}
