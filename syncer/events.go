package syncer

import "linentrack/station/storage"

// Event statuses emitted to the presentation layer.
const (
	StatusSyncing   = "syncing"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Progress reports how far a paginated sync has gotten.
type Progress struct {
	Page       int `json:"page"`
	TotalItems int `json:"totalItems"`
	TotalPages int `json:"totalPages"`
}

// Event is a structured status update for the UI. Every sync attempt emits
// at least a start and a completion or error event.
type Event struct {
	Status   string         `json:"status"`
	Message  string         `json:"message"`
	Progress *Progress      `json:"progress,omitempty"`
	Stats    *storage.Stats `json:"stats,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Sink receives status events. The presentation layer owns the
// implementation; publishing must never block the coordinator.
type Sink interface {
	Publish(Event)
}

// NopSink discards events.
type NopSink struct{}

// Publish implements Sink.
func (NopSink) Publish(Event) {}
