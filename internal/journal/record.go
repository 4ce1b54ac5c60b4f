package journal

import (
	"time"

	"github.com/phillus33/shotrelay/internal/delivery"
)

type Status string

const (
	StatusQueued      Status = "queued"
	StatusDelivered   Status = "delivered"
	StatusDuplicate   Status = "duplicate"
	StatusQuarantined Status = "quarantined"
	StatusFailed      Status = "failed"
)

// Record is one row of the delivery journal.
type Record struct {
	ID             int64     `json:"id"`
	EventID        string    `json:"event_id"`
	Destination    string    `json:"destination"`
	Artifact       string    `json:"artifact"`
	SequenceNumber int64     `json:"sequence_number"`
	Status         Status    `json:"status"`
	Attempts       int       `json:"attempts"`
	QuarantinePath string    `json:"quarantine_path,omitempty"`
	Error          string    `json:"error,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// statusOf maps a status event onto the journal status.
func statusOf(e delivery.Event) Status {
	switch e.Kind {
	case delivery.EventDelivered:
		if e.Duplicate {
			return StatusDuplicate
		}
		return StatusDelivered
	case delivery.EventQuarantined:
		return StatusQuarantined
	case delivery.EventPermanentlyFailed:
		return StatusFailed
	default:
		return StatusQueued
	}
}

// RecordFromEvent builds the row an event is journaled as.
func RecordFromEvent(e delivery.Event) Record {
	return Record{
		EventID:        e.ID,
		Destination:    string(e.Destination),
		Artifact:       e.Artifact.Name,
		SequenceNumber: e.Artifact.Seq,
		Status:         statusOf(e),
		Attempts:       e.Attempts,
		QuarantinePath: e.QuarantinePath,
		Error:          e.Error,
		RecordedAt:     e.At,
	}
}
