package delivery

import (
	"context"
	"errors"
	"fmt"
)

// OutcomeKind classifies a single send attempt.
type OutcomeKind int

const (
	OutcomeDelivered OutcomeKind = iota
	OutcomeTransient
	OutcomePermanent
	OutcomeDuplicate
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the classified result of one Send call. Err is set for the two
// failure kinds.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

func Delivered() Outcome { return Outcome{Kind: OutcomeDelivered} }

func Duplicate() Outcome { return Outcome{Kind: OutcomeDuplicate} }

func TransientFailure(err error) Outcome { return Outcome{Kind: OutcomeTransient, Err: err} }

func PermanentFailure(err error) Outcome { return Outcome{Kind: OutcomePermanent, Err: err} }

// Client sends one artifact to a destination. Implementations must classify
// every transport error into a transient or permanent outcome; the queue has
// no transport knowledge of its own.
type Client interface {
	Send(ctx context.Context, dest Destination, a Artifact, payload []byte) Outcome
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, dest Destination, a Artifact, payload []byte) Outcome

func (f ClientFunc) Send(ctx context.Context, dest Destination, a Artifact, payload []byte) Outcome {
	return f(ctx, dest, a, payload)
}

// PermanentError marks an error as non-retryable.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so OutcomeFromError classifies it as permanent.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// OutcomeFromError is the default total classification used by adapters:
// nil is delivered, ErrDuplicate is a duplicate, a PermanentError is
// permanent, and anything else is transient.
func OutcomeFromError(err error) Outcome {
	if err == nil {
		return Delivered()
	}
	if errors.Is(err, ErrDuplicate) {
		return Duplicate()
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return PermanentFailure(err)
	}
	return TransientFailure(err)
}
