// Package models provides data model definitions for the fieldsync core.
package models

import "encoding/json"

// EntityType identifies the kind of resource a queued write targets.
type EntityType string

const (
	EntityTimeEntry     EntityType = "time_entry"
	EntityChecklistItem EntityType = "checklist_item"
	EntityNote          EntityType = "note"
	EntityJobStatus     EntityType = "job_status"
	EntityChatMessage   EntityType = "chat_message"
)

// MutationStatus represents the lifecycle state of a queued mutation.
type MutationStatus string

const (
	MutationPending    MutationStatus = "pending"
	MutationProcessing MutationStatus = "processing"
	MutationFailed     MutationStatus = "failed"
)

// QueuedMutation is one durable write intent captured while offline.
// Status "failed" is terminal until an explicit user-initiated retry.
type QueuedMutation struct {
	ID           string          `json:"id"`
	EntityType   EntityType      `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Method       string          `json:"method"`
	Endpoint     string          `json:"endpoint"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    int64           `json:"created_at"`
	Status       MutationStatus  `json:"status"`
	RetryCount   int             `json:"retry_count"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// StorageKey returns the key under which the mutation queue snapshot
// is persisted.
func (QueuedMutation) StorageKey() string {
	return "fieldsync.queue.mutations"
}
