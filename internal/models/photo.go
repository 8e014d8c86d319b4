package models

// PhotoCategory classifies when in the job lifecycle a photo was taken.
type PhotoCategory string

const (
	PhotoBefore PhotoCategory = "before"
	PhotoDuring PhotoCategory = "during"
	PhotoAfter  PhotoCategory = "after"
	PhotoIssue  PhotoCategory = "issue"
)

// PhotoStatus represents the lifecycle state of a queued photo upload.
type PhotoStatus string

const (
	PhotoPending     PhotoStatus = "pending"
	PhotoCompressing PhotoStatus = "compressing"
	PhotoUploading   PhotoStatus = "uploading"
	PhotoSuccess     PhotoStatus = "success"
	PhotoError       PhotoStatus = "error"
)

// GeoPoint is an optional capture location attached to a photo.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// QueuedPhoto is one durable binary upload intent. Items that reach
// "success" stay in memory for display but are excluded from persisted
// snapshots.
type QueuedPhoto struct {
	ID              string        `json:"id"`
	JobID           string        `json:"job_id"`
	FileURI         string        `json:"file_uri"`
	Category        PhotoCategory `json:"category"`
	Location        *GeoPoint     `json:"location,omitempty"`
	Timestamp       int64         `json:"timestamp"`
	ChecklistItemID string        `json:"checklist_item_id,omitempty"`
	Status          PhotoStatus   `json:"status"`
	Progress        int           `json:"progress"`
	RetryCount      int           `json:"retry_count"`
	Error           string        `json:"error,omitempty"`
}

// StorageKey returns the key under which the photo queue snapshot is
// persisted.
func (QueuedPhoto) StorageKey() string {
	return "fieldsync.queue.photos"
}
