package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	defer q.shutdown()

	q.log.Info("delivery worker started")
	for {
		item, ok := q.next(ctx)
		if !ok {
			q.log.Info("delivery worker stopped", zap.Int("left_on_disk", q.Len()))
			return
		}
		q.process(ctx, item)
	}
}

// process resolves one item completely: it ends deleted, quarantined, or
// (on abort or degraded mode) untouched on disk. It never returns an error so
// no single artifact can stop the worker.
func (q *Queue) process(ctx context.Context, item *QueueItem) {
	a := item.Artifact
	log := q.log.With(zap.String("artifact", a.Name), zap.String("id", a.ID))

	var lastErr error
	for attempt := 0; attempt < q.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			log.Warn("delivery aborted, artifact left in place", zap.Error(ctx.Err()))
			return
		}
		item.Attempts = attempt + 1

		out := q.attempt(ctx, a)
		switch out.Kind {
		case OutcomeDuplicate:
			q.store.Delete(ctx, a.Path)
			q.stats.duplicates.Add(1)
			log.Info("artifact already delivered, removed", zap.Int64("last_seq", q.cursor.Last()))
			e := newEvent(EventDelivered, q.dest, a, q.now())
			e.Attempts = item.Attempts
			e.Duplicate = true
			q.notify(ctx, e)
			return

		case OutcomeDelivered:
			q.cursor.Record(a.Seq, a.Name)
			q.store.Delete(ctx, a.Path)
			q.stats.delivered.Add(1)
			log.Info("artifact delivered", zap.Int("attempts", item.Attempts))
			e := newEvent(EventDelivered, q.dest, a, q.now())
			e.Attempts = item.Attempts
			q.notify(ctx, e)
			return

		case OutcomePermanent:
			log.Error("permanent delivery failure", zap.Int("attempt", item.Attempts), zap.Error(out.Err))
			q.stats.permanent.Add(1)
			q.quarantine(ctx, item, EventPermanentlyFailed, out.Err)
			return

		default:
			lastErr = out.Err
			log.Warn("transient delivery failure", zap.Int("attempt", item.Attempts), zap.Error(out.Err))
			if attempt < q.maxAttempts-1 {
				delay := Backoff(q.backoffBase, q.backoffUnit, attempt)
				if err := q.sleep(ctx, delay); err != nil {
					log.Warn("backoff interrupted, artifact left in place", zap.Error(err))
					return
				}
			}
		}
	}

	log.Error("delivery attempts exhausted", zap.Int("attempts", item.Attempts), zap.Error(lastErr))
	q.quarantine(ctx, item, EventQuarantined, lastErr)
}

// attempt performs one classified send. Duplicates are caught against the
// cursor, and the history behind it, before any network call.
func (q *Queue) attempt(ctx context.Context, a Artifact) (out Outcome) {
	done, err := q.AlreadyDelivered(ctx, a)
	if err != nil {
		return TransientFailure(fmt.Errorf("check delivery history: %w", err))
	}
	if done {
		return Duplicate()
	}

	payload, err := q.store.Read(a.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return PermanentFailure(fmt.Errorf("read payload: %w", err))
		}
		return TransientFailure(fmt.Errorf("read payload: %w", err))
	}

	defer func() {
		if r := recover(); r != nil {
			out = TransientFailure(fmt.Errorf("client panic: %v", r))
		}
	}()
	q.stats.attempts.Add(1)
	return q.client.Send(ctx, q.dest, a, payload)
}

func (q *Queue) quarantine(ctx context.Context, item *QueueItem, kind EventKind, cause error) {
	a := item.Artifact
	e := newEvent(kind, q.dest, a, q.now())
	e.Attempts = item.Attempts

	path, err := q.store.Quarantine(a.Path, q.dest)
	switch {
	case errors.Is(err, ErrNoQuarantine):
		q.log.Warn("no quarantine directory configured, artifact left in place",
			zap.String("artifact", a.Name), zap.String("path", a.Path))
	case err != nil:
		q.log.Error("quarantine failed, artifact left in place",
			zap.String("artifact", a.Name), zap.Error(err))
		cause = errors.Join(cause, err)
	default:
		q.log.Warn("artifact quarantined", zap.String("artifact", a.Name), zap.String("path", path))
		e.QuarantinePath = path
	}

	if kind == EventQuarantined {
		q.stats.quarantined.Add(1)
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	q.notify(ctx, e)
}

// notify hands e to the observer. A panicking sink is logged and ignored.
func (q *Queue) notify(ctx context.Context, e Event) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("status observer panicked",
				zap.String("event", string(e.Kind)),
				zap.String("artifact", e.Artifact.Name),
				zap.Any("panic", r))
		}
	}()
	q.observer.Notify(ctx, e)
}
