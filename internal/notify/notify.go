// Package notify delivers user-visible sync outcomes to the UI shell.
// Delivery is fire-and-forget: the core never blocks on, or reads
// results back from, a notification.
package notify

// Event types pushed to the shell.
const (
	EventSyncStarted   = "sync.started"
	EventSyncCompleted = "sync.completed"
	EventSyncFailed    = "sync.failed"
	EventQueueUpdated  = "queue.updated"
	EventPhotoProgress = "photo.progress"
)

// Event is one notification envelope.
type Event struct {
	Type    string                 `json:"type"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Sink receives events. Implementations must not block.
type Sink interface {
	Notify(event Event)
}

// NopSink discards all events. Used when no shell is attached.
type NopSink struct{}

func (NopSink) Notify(Event) {}

// FuncSink adapts a function to the Sink interface. Tests use this to
// capture notifications.
type FuncSink func(Event)

func (f FuncSink) Notify(e Event) { f(e) }
