// Package shotrelay delivers screenshot files to one or more destinations
// with at-least-once semantics. Each destination gets its own spool
// directory, queue and worker, so a slow or failing destination never holds
// up the others.
package shotrelay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/phillus33/shotrelay/internal/delivery"
)

var (
	ErrNoDestinations     = errors.New("no destinations configured")
	ErrUnknownDestination = errors.New("unknown destination")
	ErrBehindCursor       = errors.New("artifact is behind the delivery cursor")
)

// Destination pairs a delivery target with the client that reaches it.
type Destination struct {
	Name   delivery.Destination
	Client delivery.Client
	// QuarantineDir receives artifacts that could not be delivered. Empty
	// means degraded mode: failed artifacts stay in the spool.
	QuarantineDir string
}

type Config struct {
	// Root holds one <destination>/pending spool directory per destination.
	Root         string
	Destinations []Destination
	// Tracker carries delivery cursors, possibly seeded from a journal.
	Tracker *delivery.SequenceTracker
	// History settles spooled artifacts behind a seeded checkpoint. Without
	// it such artifacts count as delivered.
	History  delivery.History
	Observer delivery.Observer
	Logger   *zap.Logger

	MaxAttempts    int
	BackoffBase    float64
	BackoffUnit    time.Duration
	Capacity       int
	DeleteAttempts int
	DeleteDelay    time.Duration
	Active         func() bool
	PollInterval   time.Duration
	Sleep          delivery.SleepFunc
}

type Relay struct {
	root    string
	order   []delivery.Destination
	queues  map[delivery.Destination]*delivery.Queue
	store   *delivery.FileStore
	log     *zap.Logger

	mu      sync.Mutex
	started bool
	// rescanned[dest] is closed once the spool leftovers of dest are queued.
	rescanned map[delivery.Destination]chan struct{}
	stopped   chan struct{}
	stopOnce  sync.Once
	rescans   sync.WaitGroup
}

func New(cfg Config) (*Relay, error) {
	if len(cfg.Destinations) == 0 {
		return nil, ErrNoDestinations
	}
	if cfg.Root == "" {
		return nil, errors.New("relay root directory is required")
	}
	if cfg.Tracker == nil {
		cfg.Tracker = delivery.NewSequenceTracker()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	quarantine := make(map[delivery.Destination]string, len(cfg.Destinations))
	for _, d := range cfg.Destinations {
		if d.Name == "" {
			return nil, errors.New("destination name is required")
		}
		if d.Client == nil {
			return nil, fmt.Errorf("destination %s has no client", d.Name)
		}
		if _, dup := quarantine[d.Name]; dup {
			return nil, fmt.Errorf("destination %s configured twice", d.Name)
		}
		quarantine[d.Name] = d.QuarantineDir
	}

	store := delivery.NewFileStore(delivery.FileStoreConfig{
		QuarantineDirs: quarantine,
		DeleteAttempts: cfg.DeleteAttempts,
		DeleteDelay:    cfg.DeleteDelay,
		Logger:         cfg.Logger,
		Sleep:          cfg.Sleep,
	})

	r := &Relay{
		root:      cfg.Root,
		queues:    make(map[delivery.Destination]*delivery.Queue, len(cfg.Destinations)),
		store:     store,
		log:       cfg.Logger,
		rescanned: make(map[delivery.Destination]chan struct{}, len(cfg.Destinations)),
		stopped:   make(chan struct{}),
	}
	for _, d := range cfg.Destinations {
		r.order = append(r.order, d.Name)
		r.rescanned[d.Name] = make(chan struct{})
		r.queues[d.Name] = delivery.NewQueue(delivery.QueueConfig{
			Destination:  d.Name,
			Client:       d.Client,
			Store:        store,
			Cursor:       cfg.Tracker.Cursor(d.Name),
			History:      cfg.History,
			Observer:     cfg.Observer,
			Logger:       cfg.Logger,
			MaxAttempts:  cfg.MaxAttempts,
			BackoffBase:  cfg.BackoffBase,
			BackoffUnit:  cfg.BackoffUnit,
			Capacity:     cfg.Capacity,
			Active:       cfg.Active,
			PollInterval: cfg.PollInterval,
			Sleep:        cfg.Sleep,
		})
	}
	return r, nil
}

// Start creates the spool directories, lists the artifacts left in them by
// an earlier run and starts every worker. Leftovers are queued oldest first
// and ahead of anything submitted after Start; Submit holds back until they
// are.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	leftovers := make(map[delivery.Destination][]delivery.Artifact, len(r.order))
	for _, dest := range r.order {
		if err := os.MkdirAll(r.spool(dest), 0o755); err != nil {
			return fmt.Errorf("create spool for %s: %w", dest, err)
		}
		pending, err := delivery.Pending(r.spool(dest))
		if err != nil {
			return fmt.Errorf("rescan spool for %s: %w", dest, err)
		}
		leftovers[dest] = pending
	}
	for _, dest := range r.order {
		if err := r.queues[dest].Start(ctx); err != nil {
			return err
		}
	}
	r.started = true

	for _, dest := range r.order {
		pending := leftovers[dest]
		if len(pending) > 0 {
			r.log.Info("re-enqueueing spooled artifacts",
				zap.String("destination", string(dest)),
				zap.Int("count", len(pending)))
		}

		// A bounded queue may block, so leftovers are fed from their own
		// goroutine. Stop releases it.
		q, gate := r.queues[dest], r.rescanned[dest]
		r.rescans.Add(1)
		go func() {
			defer r.rescans.Done()
			defer close(gate)
			for _, a := range pending {
				if err := q.Enqueue(a); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

// awaitRescan blocks until the leftovers of dests are queued.
func (r *Relay) awaitRescan(dests ...delivery.Destination) error {
	for _, dest := range dests {
		select {
		case <-r.rescanned[dest]:
		case <-r.stopped:
			return delivery.ErrQueueClosed
		}
	}
	return nil
}

// Submit hands a finished capture at path to every destination. The file is
// placed in each spool before the original is removed, so a crash in
// between loses nothing. Submit blocks until Start has queued the spool
// leftovers.
func (r *Relay) Submit(path string) error {
	a, err := delivery.ParseArtifact(path)
	if err != nil {
		return err
	}
	if err := r.awaitRescan(r.order...); err != nil {
		return err
	}

	spooled := make([]delivery.Artifact, 0, len(r.order))
	for _, dest := range r.order {
		dst := filepath.Join(r.spool(dest), a.Name)
		if err := place(path, dst); err != nil {
			return fmt.Errorf("spool %s for %s: %w", a.Name, dest, err)
		}
		sa := a
		sa.Path = dst
		spooled = append(spooled, sa)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove submitted capture: %w", err)
	}

	var errs []error
	for i, dest := range r.order {
		if err := r.queues[dest].Enqueue(spooled[i]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dest, err))
		}
	}
	return errors.Join(errs...)
}

// SubmitTo enqueues an artifact file for one destination as it is, without
// spooling it.
func (r *Relay) SubmitTo(dest delivery.Destination, path string) error {
	q, ok := r.queues[dest]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, dest)
	}
	a, err := delivery.ParseArtifact(path)
	if err != nil {
		return err
	}
	if err := r.awaitRescan(dest); err != nil {
		return err
	}
	return q.Enqueue(a)
}

// Unsent lists the quarantined artifacts of dest.
func (r *Relay) Unsent(dest delivery.Destination) ([]delivery.Artifact, error) {
	if _, ok := r.queues[dest]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDestination, dest)
	}
	return r.store.ListQuarantined(dest)
}

// Requeue moves a quarantined artifact back into the spool of dest and
// enqueues it again. An artifact already known to be delivered would be
// dropped as a duplicate, so it is refused and left in quarantine.
func (r *Relay) Requeue(ctx context.Context, dest delivery.Destination, name string) error {
	q, ok := r.queues[dest]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, dest)
	}
	qdir, ok := r.store.QuarantineDir(dest)
	if !ok {
		return delivery.ErrNoQuarantine
	}
	quarantined, err := delivery.ParseArtifact(filepath.Join(qdir, filepath.Base(name)))
	if err != nil {
		return err
	}
	done, err := q.AlreadyDelivered(ctx, quarantined)
	if err != nil {
		return fmt.Errorf("check delivery history: %w", err)
	}
	if done {
		return fmt.Errorf("%w: %s", ErrBehindCursor, name)
	}
	if err := r.awaitRescan(dest); err != nil {
		return err
	}

	path, err := r.store.Requeue(dest, name, r.spool(dest))
	if err != nil {
		return err
	}
	a, err := delivery.ParseArtifact(path)
	if err != nil {
		return err
	}
	return q.Enqueue(a)
}

// Stop signals every worker to finish its in-flight item and exit.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
	for _, dest := range r.order {
		r.queues[dest].Stop()
	}
}

// Wait blocks until every worker has exited.
func (r *Relay) Wait() {
	r.rescans.Wait()
	for _, dest := range r.order {
		r.queues[dest].Wait()
	}
}

// Queue returns the queue serving dest, or nil.
func (r *Relay) Queue(dest delivery.Destination) *delivery.Queue {
	return r.queues[dest]
}

func (r *Relay) Stats() []delivery.Stats {
	out := make([]delivery.Stats, 0, len(r.order))
	for _, dest := range r.order {
		out = append(out, r.queues[dest].Stats())
	}
	return out
}

func (r *Relay) spool(dest delivery.Destination) string {
	return SpoolDir(r.root, string(dest))
}
