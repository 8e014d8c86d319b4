package models

import (
	"encoding/json"
	"time"
)

// Read-cache entity types. These are broader than the mutation entity
// types: they name whole screens worth of response data.
const (
	EntitySchedule         EntityType = "schedule"
	EntityJobDetail        EntityType = "job_detail"
	EntityChecklist        EntityType = "checklist"
	EntityTimeStatus       EntityType = "time_status"
	EntityDashboardSummary EntityType = "dashboard_summary"
	EntityJobNotes         EntityType = "job_notes"
	EntityAccountNotes     EntityType = "account_notes"
	EntityJobPhotos        EntityType = "job_photos"
)

// CachedRecord is one durable read snapshot, written on every
// successful network read and consulted as fallback on read failure.
type CachedRecord struct {
	Key             string          `json:"key"`
	EntityType      EntityType      `json:"entity_type"`
	Data            json.RawMessage `json:"data"`
	SyncedAt        int64           `json:"synced_at"` // epoch ms
	ServerUpdatedAt int64           `json:"server_updated_at,omitempty"`
}

// StaleAfter is how long a cached record stays fresh. Staleness is
// informational, not an eviction trigger; stale records remain usable
// as last-resort fallback.
const StaleAfter = 24 * time.Hour

// IsStale reports whether the record is older than StaleAfter at the
// given instant.
func (r *CachedRecord) IsStale(now time.Time) bool {
	return now.UnixMilli()-r.SyncedAt > StaleAfter.Milliseconds()
}
