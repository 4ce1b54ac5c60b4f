// Package delivery implements the at-least-once delivery pipeline: a
// per-destination FIFO queue drained by a single worker that sends each
// artifact with bounded retry and exponential backoff, records the delivered
// sequence, and quarantines what it cannot deliver.
package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts  = 3
	DefaultBackoffBase  = 2
	DefaultBackoffUnit  = time.Second
	DefaultPollInterval = time.Second
)

// QueueConfig provides configuration options for a Queue.
type QueueConfig struct {
	Destination Destination
	Client      Client
	Store       ArtifactStore
	// Cursor is the destination's sequence state. A fresh one is created
	// when nil.
	Cursor   *Cursor
	// History settles artifacts behind a restored checkpoint. Without it they
	// are treated as delivered.
	History  History
	Observer Observer
	Logger   *zap.Logger

	MaxAttempts int
	BackoffBase float64
	BackoffUnit time.Duration
	// Capacity bounds the number of waiting items. Enqueue blocks while the
	// queue is full. Zero means unbounded.
	Capacity int
	// Active gates dequeuing, e.g. on leadership. Nil means always active.
	Active       func() bool
	PollInterval time.Duration
	Sleep        SleepFunc
	Now          func() time.Time
}

// Queue is the delivery queue for one destination. Enqueue may be called
// from any goroutine; a single worker started by Start drains it in FIFO
// order.
type Queue struct {
	dest         Destination
	client       Client
	store        ArtifactStore
	cursor       *Cursor
	history      History
	observer     Observer
	log          *zap.Logger
	maxAttempts  int
	backoffBase  float64
	backoffUnit  time.Duration
	capacity     int
	active       func() bool
	pollInterval time.Duration
	sleep        SleepFunc
	now          func() time.Time

	mu       sync.Mutex
	space    *sync.Cond
	items    []*QueueItem
	running  bool
	closed   bool
	notEmpty chan struct{}
	stopCh   chan struct{}
	done     chan struct{}

	stats counters
}

type counters struct {
	enqueued    atomic.Int64
	delivered   atomic.Int64
	duplicates  atomic.Int64
	quarantined atomic.Int64
	permanent   atomic.Int64
	attempts    atomic.Int64
}

// Stats is a point-in-time view of a queue's counters.
type Stats struct {
	Destination Destination
	Pending     int
	Enqueued    int64
	Delivered   int64
	Duplicates  int64
	Quarantined int64
	Permanent   int64
	Attempts    int64
	LastSeq     int64
}

func NewQueue(config QueueConfig) *Queue {
	q := &Queue{
		dest:         config.Destination,
		client:       config.Client,
		store:        config.Store,
		cursor:       config.Cursor,
		history:      config.History,
		observer:     config.Observer,
		log:          config.Logger,
		maxAttempts:  config.MaxAttempts,
		backoffBase:  config.BackoffBase,
		backoffUnit:  config.BackoffUnit,
		capacity:     config.Capacity,
		active:       config.Active,
		pollInterval: config.PollInterval,
		sleep:        config.Sleep,
		now:          config.Now,
		notEmpty:     make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	q.space = sync.NewCond(&q.mu)

	if q.cursor == nil {
		q.cursor = newCursor()
	}
	if q.observer == nil {
		q.observer = nopObserver{}
	}
	if q.log == nil {
		q.log = zap.NewNop()
	}
	q.log = q.log.With(zap.String("destination", string(q.dest)))
	if q.maxAttempts <= 0 {
		q.maxAttempts = DefaultMaxAttempts
	}
	if q.backoffBase <= 1 {
		q.backoffBase = DefaultBackoffBase
	}
	if q.backoffUnit <= 0 {
		q.backoffUnit = DefaultBackoffUnit
	}
	if q.pollInterval <= 0 {
		q.pollInterval = DefaultPollInterval
	}
	if q.sleep == nil {
		q.sleep = Sleep
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

func (q *Queue) Destination() Destination { return q.dest }

// AlreadyDelivered reports whether a needs no further send.
func (q *Queue) AlreadyDelivered(ctx context.Context, a Artifact) (bool, error) {
	switch q.cursor.Check(a) {
	case VerdictSeen:
		return true, nil
	case VerdictCheckpointed:
		if q.history == nil {
			return true, nil
		}
		return q.history.WasDelivered(ctx, q.dest, a)
	}
	return false, nil
}

// Enqueue makes a visible to exactly one future dequeue. It blocks only when
// a capacity is set and the queue is full, and fails only once the queue has
// been stopped.
func (q *Queue) Enqueue(a Artifact) error {
	q.mu.Lock()
	for !q.closed && q.capacity > 0 && len(q.items) >= q.capacity {
		q.space.Wait()
	}
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	now := q.now()
	q.items = append(q.items, &QueueItem{Artifact: a, EnqueuedAt: now})
	q.mu.Unlock()

	select {
	case q.notEmpty <- struct{}{}:
	default:
	}

	q.stats.enqueued.Add(1)
	q.log.Info("artifact queued", zap.String("artifact", a.Name), zap.String("id", a.ID))
	q.notify(context.Background(), newEvent(EventQueued, q.dest, a, now))
	return nil
}

// Len returns the number of items waiting to be dequeued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Start launches the worker. Calling it on a running queue is a no-op.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = true
	q.mu.Unlock()

	go q.run(ctx)
	return nil
}

// Stop is the poison signal: the worker finishes its in-flight item and
// exits. Items still queued stay on disk for the next process to rescan.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.stopCh)
	q.space.Broadcast()
}

// Wait blocks until the worker has exited. It returns immediately for a queue
// that was never started.
func (q *Queue) Wait() {
	q.mu.Lock()
	running := q.running
	q.mu.Unlock()
	if running {
		<-q.done
	}
}

func (q *Queue) Stats() Stats {
	return Stats{
		Destination: q.dest,
		Pending:     q.Len(),
		Enqueued:    q.stats.enqueued.Load(),
		Delivered:   q.stats.delivered.Load(),
		Duplicates:  q.stats.duplicates.Load(),
		Quarantined: q.stats.quarantined.Load(),
		Permanent:   q.stats.permanent.Load(),
		Attempts:    q.stats.attempts.Load(),
		LastSeq:     q.cursor.Last(),
	}
}

// next blocks until an item is available and returns it, or returns false
// once the queue is stopped or ctx is done.
func (q *Queue) next(ctx context.Context) (*QueueItem, bool) {
	for {
		select {
		case <-q.stopCh:
			return nil, false
		case <-ctx.Done():
			return nil, false
		default:
		}

		if q.active != nil && !q.active() {
			select {
			case <-q.stopCh:
				return nil, false
			case <-ctx.Done():
				return nil, false
			case <-time.After(q.pollInterval):
			}
			continue
		}

		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.space.Signal()
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()

		select {
		case <-q.notEmpty:
		case <-q.stopCh:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// shutdown marks the queue closed after the worker exits so blocked
// producers are released.
func (q *Queue) shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.stopCh)
	}
	q.space.Broadcast()
}
