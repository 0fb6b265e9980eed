package update

import (
	"context"
	"time"

	"github.com/italolelis/resilient_updater/internal/download/progress"
	"github.com/italolelis/resilient_updater/internal/logctx"
)

// EventType names a notification for the UI boundary.
type EventType string

const (
	EventChecking         EventType = "checking"
	EventAvailable        EventType = "available"
	EventNotAvailable     EventType = "not-available"
	EventDownloadProgress EventType = "download-progress"
	EventFallbackEntered  EventType = "fallback-entered"
	EventExtracting       EventType = "extracting"
	EventDownloaded       EventType = "downloaded"
	EventStatus           EventType = "status"
	EventError            EventType = "error"
)

// Event is a status or progress notification.
type Event struct {
	Type         EventType          `json:"type"`
	Time         time.Time          `json:"time"`
	CycleID      string             `json:"cycle_id,omitempty"`
	Version      string             `json:"version,omitempty"`
	ReleaseDate  string             `json:"release_date,omitempty"`
	ReleaseNotes string             `json:"release_notes,omitempty"`
	Message      string             `json:"message,omitempty"`
	Progress     *progress.Progress `json:"progress,omitempty"`
	FallbackUsed bool               `json:"fallback_used,omitempty"`
}

// emit delivers ev. Progress events are dropped when the buffer is full; every other event
// waits for room, so it is never reordered ahead of progress already queued.
func (c *Coordinator) emit(ctx context.Context, ev Event) {
	ev.Time = time.Now()
	ev.CycleID = logctx.CycleID(ctx)

	if ev.Type == EventDownloadProgress {
		select {
		case c.events <- ev:
		default:
		}

		return
	}

	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}
