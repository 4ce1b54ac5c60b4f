package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventKind is the classification shown to status consumers.
type EventKind string

const (
	EventQueued            EventKind = "queued"
	EventDelivered         EventKind = "delivered"
	EventQuarantined       EventKind = "quarantined"
	EventPermanentlyFailed EventKind = "permanently-failed"
)

// Event is a status notification for one artifact. It is informational only;
// nothing in the delivery path depends on an observer receiving it.
type Event struct {
	ID             string      `json:"id"`
	Kind           EventKind   `json:"kind"`
	Destination    Destination `json:"destination"`
	Artifact       Artifact    `json:"artifact"`
	Attempts       int         `json:"attempts,omitempty"`
	Duplicate      bool        `json:"duplicate,omitempty"`
	QuarantinePath string      `json:"quarantine_path,omitempty"`
	Error          string      `json:"error,omitempty"`
	At             time.Time   `json:"at"`
}

func newEvent(kind EventKind, dest Destination, a Artifact, at time.Time) Event {
	return Event{
		ID:          uuid.NewString(),
		Kind:        kind,
		Destination: dest,
		Artifact:    a,
		At:          at,
	}
}

// Observer receives status events. Notify is called from the worker
// goroutine, so implementations should return quickly.
type Observer interface {
	Notify(ctx context.Context, e Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, e Event)

func (f ObserverFunc) Notify(ctx context.Context, e Event) { f(ctx, e) }

// Observers fans an event out to every member in order.
type Observers []Observer

func (o Observers) Notify(ctx context.Context, e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Notify(ctx, e)
		}
	}
}

type nopObserver struct{}

func (nopObserver) Notify(context.Context, Event) {}
