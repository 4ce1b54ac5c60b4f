package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

const testDest = Destination("chat-1")

type harness struct {
	dir     string
	unsent  string
	client  *scriptedClient
	sleeper *sleepRecorder
	events  *eventRecorder
	tracker *SequenceTracker
	queue   *Queue
}

func newHarness(t *testing.T, client *scriptedClient, withQuarantine bool) *harness {
	t.Helper()
	h := &harness{
		dir:     t.TempDir(),
		client:  client,
		sleeper: &sleepRecorder{},
		events:  newEventRecorder(),
		tracker: NewSequenceTracker(),
	}
	dirs := map[Destination]string{}
	if withQuarantine {
		h.unsent = filepath.Join(h.dir, string(testDest), "unsent")
		dirs[testDest] = h.unsent
	}
	store := NewFileStore(FileStoreConfig{
		QuarantineDirs: dirs,
		DeleteDelay:    time.Millisecond,
		Sleep:          h.sleeper.Sleep,
	})
	h.queue = NewQueue(QueueConfig{
		Destination: testDest,
		Client:      client,
		Store:       store,
		Cursor:      h.tracker.Cursor(testDest),
		Observer:    h.events,
		MaxAttempts: 3,
		BackoffBase: 2,
		BackoffUnit: time.Millisecond,
		Sleep:       h.sleeper.Sleep,
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.queue.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start queue: %v", err)
	}
	t.Cleanup(func() {
		h.queue.Stop()
		h.queue.Wait()
	})
}

func TestQueue_DeliversAllInOrder(t *testing.T) {
	client := &scriptedClient{}
	h := newHarness(t, client, true)

	var arts []Artifact
	for i := 1; i <= 5; i++ {
		arts = append(arts, writeArtifact(t, h.dir, fmt.Sprintf("%014d", i*10)))
	}
	for _, a := range arts {
		if err := h.queue.Enqueue(a); err != nil {
			t.Fatalf("Failed to enqueue: %v", err)
		}
	}
	h.start(t)
	h.events.waitFor(t, EventDelivered, len(arts))

	calls := client.Calls()
	if len(calls) != len(arts) {
		t.Fatalf("Expected %d send calls, got %d", len(arts), len(calls))
	}
	for i, a := range arts {
		if calls[i].ID != a.ID {
			t.Errorf("Call %d: expected %s, got %s", i, a.ID, calls[i].ID)
		}
		if exists(a.Path) {
			t.Errorf("Expected %s to be deleted", a.Path)
		}
	}
	if got := h.tracker.LastSeq(testDest); got != 50 {
		t.Errorf("Expected LastSeq 50, got %d", got)
	}
}

func TestQueue_TwoArtifactsDelivered(t *testing.T) {
	client := &scriptedClient{}
	h := newHarness(t, client, true)

	a1 := writeArtifact(t, h.dir, "00000000000001")
	a2 := writeArtifact(t, h.dir, "00000000000002")
	h.start(t)
	if err := h.queue.Enqueue(a1); err != nil {
		t.Fatal(err)
	}
	if err := h.queue.Enqueue(a2); err != nil {
		t.Fatal(err)
	}

	events := h.events.waitFor(t, EventDelivered, 2)
	if events[0].Artifact.ID != a1.ID || events[1].Artifact.ID != a2.ID {
		t.Errorf("Expected delivered events in id order, got %s then %s",
			events[0].Artifact.ID, events[1].Artifact.ID)
	}
	if exists(a1.Path) || exists(a2.Path) {
		t.Error("Expected both source files deleted")
	}
	if got := h.tracker.LastSeq(testDest); got != 2 {
		t.Errorf("Expected LastSeq 2, got %d", got)
	}
}

func TestQueue_DuplicateBehindCursorIsDeleted(t *testing.T) {
	client := &scriptedClient{}
	h := newHarness(t, client, true)
	h.tracker.RecordSeq(testDest, 5)

	a := writeArtifact(t, h.dir, "00000000000003")
	h.start(t)
	if err := h.queue.Enqueue(a); err != nil {
		t.Fatal(err)
	}

	e := h.events.waitFor(t, EventDelivered, 1)[0]
	if !e.Duplicate {
		t.Error("Expected event to be flagged duplicate")
	}
	if len(client.Calls()) != 0 {
		t.Errorf("Expected no send for a stale artifact, got %d", len(client.Calls()))
	}
	if exists(a.Path) {
		t.Error("Expected duplicate artifact to be deleted")
	}
	if got := h.tracker.LastSeq(testDest); got != 5 {
		t.Errorf("Expected LastSeq unchanged at 5, got %d", got)
	}
}

func TestQueue_DuplicateFromClient(t *testing.T) {
	client := &scriptedClient{outcomes: []Outcome{Duplicate()}}
	h := newHarness(t, client, true)
	h.tracker.RecordSeq(testDest, 5)

	a := writeArtifact(t, h.dir, "00000000000007")
	h.start(t)
	if err := h.queue.Enqueue(a); err != nil {
		t.Fatal(err)
	}

	h.events.waitFor(t, EventDelivered, 1)
	if exists(a.Path) {
		t.Error("Expected duplicate artifact to be deleted")
	}
	if got := h.tracker.LastSeq(testDest); got != 5 {
		t.Errorf("Expected LastSeq unchanged at 5, got %d", got)
	}
}

func TestQueue_ReenqueueDeliveredArtifactIsNoop(t *testing.T) {
	client := &scriptedClient{}
	h := newHarness(t, client, true)

	a := writeArtifact(t, h.dir, "00000000000009")
	h.start(t)
	if err := h.queue.Enqueue(a); err != nil {
		t.Fatal(err)
	}
	h.events.waitFor(t, EventDelivered, 1)

	// The producer writes the same capture again and resubmits it.
	writeArtifact(t, h.dir, "00000000000009")
	if err := h.queue.Enqueue(a); err != nil {
		t.Fatal(err)
	}
	e := h.events.waitFor(t, EventDelivered, 1)[0]
	if !e.Duplicate {
		t.Error("Expected second delivery to be a duplicate")
	}
	if n := len(client.Calls()); n != 1 {
		t.Errorf("Expected exactly 1 send, got %d", n)
	}
	if got := h.tracker.LastSeq(testDest); got != 9 {
		t.Errorf("Expected LastSeq 9, got %d", got)
	}
}

func TestQueue_SameSecondCapturesBothDelivered(t *testing.T) {
	client := &scriptedClient{}
	h := newHarness(t, client, true)

	a1 := writeArtifact(t, h.dir, "20240131120501100")
	a2 := writeArtifact(t, h.dir, "20240131120501900")
	if a1.ID != a2.ID {
		t.Fatalf("Expected colliding ids, got %s and %s", a1.ID, a2.ID)
	}
	h.start(t)
	_ = h.queue.Enqueue(a1)
	_ = h.queue.Enqueue(a2)

	events := h.events.waitFor(t, EventDelivered, 2)
	for _, e := range events {
		if e.Duplicate {
			t.Errorf("Expected %s to be sent, not treated as duplicate", e.Artifact.Name)
		}
	}
	if n := len(client.Calls()); n != 2 {
		t.Errorf("Expected 2 sends, got %d", n)
	}
}

func TestQueue_TransientExhaustionQuarantines(t *testing.T) {
	client := &scriptedClient{outcomes: []Outcome{TransientFailure(errors.New("rate limited"))}}
	h := newHarness(t, client, true)

	a := writeArtifact(t, h.dir, "00000000000011")
	h.start(t)
	if err := h.queue.Enqueue(a); err != nil {
		t.Fatal(err)
	}

	e := h.events.waitFor(t, EventQuarantined, 1)[0]
	if n := len(client.Calls()); n != 3 {
		t.Errorf("Expected 3 send attempts, got %d", n)
	}
	if exists(a.Path) {
		t.Error("Expected source file to be gone from its original path")
	}
	want := filepath.Join(h.unsent, a.Name)
	if e.QuarantinePath != want || !exists(want) {
		t.Errorf("Expected artifact at %s, event says %q", want, e.QuarantinePath)
	}

	delays := h.sleeper.Delays()
	if len(delays) != 2 {
		t.Fatalf("Expected 2 backoff sleeps, got %v", delays)
	}
	if delays[0] >= delays[1] {
		t.Errorf("Expected strictly increasing delays, got %v", delays)
	}
}

func TestQueue_PermanentFailureQuarantinesImmediately(t *testing.T) {
	client := &scriptedClient{outcomes: []Outcome{PermanentFailure(errors.New("chat not found"))}}
	h := newHarness(t, client, true)

	a := writeArtifact(t, h.dir, "00000000000012")
	h.start(t)
	if err := h.queue.Enqueue(a); err != nil {
		t.Fatal(err)
	}

	e := h.events.waitFor(t, EventPermanentlyFailed, 1)[0]
	if n := len(client.Calls()); n != 1 {
		t.Errorf("Expected exactly 1 send attempt, got %d", n)
	}
	if d := h.sleeper.Delays(); len(d) != 0 {
		t.Errorf("Expected no backoff, got %v", d)
	}
	if !exists(filepath.Join(h.unsent, a.Name)) {
		t.Error("Expected artifact in quarantine")
	}
	if e.Error == "" {
		t.Error("Expected event to carry the failure reason")
	}
}

func TestQueue_RecoversAfterTransientFailures(t *testing.T) {
	client := &scriptedClient{outcomes: []Outcome{
		TransientFailure(errors.New("timeout")),
		TransientFailure(errors.New("timeout")),
		Delivered(),
	}}
	h := newHarness(t, client, true)

	a := writeArtifact(t, h.dir, "00000000000013")
	h.start(t)
	if err := h.queue.Enqueue(a); err != nil {
		t.Fatal(err)
	}

	h.events.waitFor(t, EventDelivered, 1)
	if n := len(client.Calls()); n != 3 {
		t.Errorf("Expected 3 send calls, got %d", n)
	}
	if exists(a.Path) {
		t.Error("Expected file deleted")
	}

	var total time.Duration
	for _, d := range h.sleeper.Delays() {
		total += d
	}
	if want := 3 * time.Millisecond; total != want {
		t.Errorf("Expected total backoff %v (2^0 + 2^1 units), got %v", want, total)
	}
}

func TestQueue_NoQuarantineLeavesFileInPlace(t *testing.T) {
	client := &scriptedClient{outcomes: []Outcome{PermanentFailure(errors.New("bad request"))}}
	h := newHarness(t, client, false)

	a := writeArtifact(t, h.dir, "00000000000014")
	h.start(t)
	if err := h.queue.Enqueue(a); err != nil {
		t.Fatal(err)
	}

	e := h.events.waitFor(t, EventPermanentlyFailed, 1)[0]
	if !exists(a.Path) {
		t.Error("Expected artifact to remain at its original path")
	}
	if e.QuarantinePath != "" {
		t.Errorf("Expected no quarantine path, got %q", e.QuarantinePath)
	}
}

func TestQueue_FailedItemDoesNotBlockNext(t *testing.T) {
	client := &scriptedClient{outcomes: []Outcome{
		PermanentFailure(errors.New("payload rejected")),
		Delivered(),
	}}
	h := newHarness(t, client, true)

	bad := writeArtifact(t, h.dir, "00000000000020")
	good := writeArtifact(t, h.dir, "00000000000021")
	h.start(t)
	_ = h.queue.Enqueue(bad)
	_ = h.queue.Enqueue(good)

	e := h.events.waitFor(t, EventDelivered, 1)[0]
	if e.Artifact.ID != good.ID {
		t.Errorf("Expected %s delivered, got %s", good.ID, e.Artifact.ID)
	}
	if got := h.tracker.LastSeq(testDest); got != 21 {
		t.Errorf("Expected LastSeq 21, got %d", got)
	}
}

func TestQueue_ClientPanicIsTransient(t *testing.T) {
	calls := 0
	client := ClientFunc(func(context.Context, Destination, Artifact, []byte) Outcome {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return Delivered()
	})
	events := newEventRecorder()
	dir := t.TempDir()
	q := NewQueue(QueueConfig{
		Destination: testDest,
		Client:      client,
		Store:       NewFileStore(FileStoreConfig{Sleep: (&sleepRecorder{}).Sleep}),
		Observer:    events,
		Sleep:       (&sleepRecorder{}).Sleep,
	})
	a := writeArtifact(t, dir, "00000000000030")
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer q.Stop()
	_ = q.Enqueue(a)

	events.waitFor(t, EventDelivered, 1)
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
}

func TestQueue_StopFinishesInFlightItem(t *testing.T) {
	client := &scriptedClient{block: make(chan struct{})}
	h := newHarness(t, client, true)

	var arts []Artifact
	for i := 1; i <= 3; i++ {
		a := writeArtifact(t, h.dir, fmt.Sprintf("%014d", i))
		arts = append(arts, a)
		_ = h.queue.Enqueue(a)
	}
	if err := h.queue.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Wait for the worker to pick up the first item.
	deadline := time.After(5 * time.Second)
	for h.queue.Len() != 2 {
		select {
		case <-deadline:
			t.Fatal("worker never dequeued")
		case <-time.After(time.Millisecond):
		}
	}

	h.queue.Stop()
	close(client.block)
	h.queue.Wait()

	if n := len(client.Calls()); n != 1 {
		t.Errorf("Expected only the in-flight item to be sent, got %d sends", n)
	}
	if exists(arts[0].Path) {
		t.Error("Expected in-flight artifact to be deleted")
	}
	for _, a := range arts[1:] {
		if !exists(a.Path) {
			t.Errorf("Expected undrained %s to stay on disk", a.Name)
		}
	}
	if err := h.queue.Enqueue(arts[1]); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed, got %v", err)
	}
}

func TestQueue_CancelDuringBackoffLeavesFile(t *testing.T) {
	client := &scriptedClient{outcomes: []Outcome{TransientFailure(errors.New("offline"))}}
	dir := t.TempDir()
	unsent := filepath.Join(dir, "unsent")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slept := make(chan struct{}, 1)
	sleep := func(ctx context.Context, d time.Duration) error {
		slept <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	q := NewQueue(QueueConfig{
		Destination: testDest,
		Client:      client,
		Store:       NewFileStore(FileStoreConfig{QuarantineDirs: map[Destination]string{testDest: unsent}}),
		Sleep:       sleep,
	})
	a := writeArtifact(t, dir, "00000000000040")
	_ = q.Enqueue(a)
	if err := q.Start(ctx); err != nil {
		t.Fatal(err)
	}

	<-slept
	cancel()
	q.Wait()

	if !exists(a.Path) {
		t.Error("Expected artifact to stay in place after abort")
	}
	if exists(filepath.Join(unsent, a.Name)) {
		t.Error("Expected no quarantine on abort")
	}
}

func TestQueue_BoundedEnqueueBlocksUntilStop(t *testing.T) {
	q := NewQueue(QueueConfig{
		Destination: testDest,
		Client:      &scriptedClient{},
		Store:       NewFileStore(FileStoreConfig{}),
		Capacity:    1,
	})
	if err := q.Enqueue(Artifact{ID: "00000000000001", Seq: 1}); err != nil {
		t.Fatal(err)
	}

	result := make(chan error, 1)
	go func() {
		result <- q.Enqueue(Artifact{ID: "00000000000002", Seq: 2})
	}()

	select {
	case err := <-result:
		t.Fatalf("Expected Enqueue to block on a full queue, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	q.Stop()
	select {
	case err := <-result:
		if !errors.Is(err, ErrQueueClosed) {
			t.Errorf("Expected ErrQueueClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Enqueue still blocked after Stop")
	}
	if q.Len() != 1 {
		t.Errorf("Expected the first item to still be queued, got %d", q.Len())
	}
}

func TestQueue_DestinationsAreIndependent(t *testing.T) {
	dir := t.TempDir()
	tracker := NewSequenceTracker()
	store := NewFileStore(FileStoreConfig{})
	events := newEventRecorder()

	stuck := &scriptedClient{block: make(chan struct{})}
	slow := NewQueue(QueueConfig{Destination: "slow", Client: stuck, Store: store, Cursor: tracker.Cursor("slow")})
	fast := NewQueue(QueueConfig{Destination: "fast", Client: &scriptedClient{}, Store: store, Cursor: tracker.Cursor("fast"), Observer: events})

	for _, q := range []*Queue{slow, fast} {
		if err := q.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	defer func() {
		slow.Stop()
		fast.Stop()
		close(stuck.block)
		slow.Wait()
		fast.Wait()
	}()

	slowDir := filepath.Join(dir, "slow")
	fastDir := filepath.Join(dir, "fast")
	_ = os.MkdirAll(slowDir, 0o755)
	_ = os.MkdirAll(fastDir, 0o755)

	_ = slow.Enqueue(writeArtifact(t, slowDir, "00000000000001"))
	_ = fast.Enqueue(writeArtifact(t, fastDir, "00000000000001"))

	events.waitFor(t, EventDelivered, 1)
	if got := tracker.LastSeq("fast"); got != 1 {
		t.Errorf("Expected fast LastSeq 1, got %d", got)
	}
	if got := tracker.LastSeq("slow"); got != NoSeq {
		t.Errorf("Expected slow LastSeq %d, got %d", NoSeq, got)
	}
}

func TestQueue_ActiveGateHoldsDelivery(t *testing.T) {
	var active atomic.Bool
	client := &scriptedClient{}
	events := newEventRecorder()
	dir := t.TempDir()
	q := NewQueue(QueueConfig{
		Destination:  testDest,
		Client:       client,
		Store:        NewFileStore(FileStoreConfig{}),
		Observer:     events,
		Active:       active.Load,
		PollInterval: time.Millisecond,
	})
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer q.Stop()

	_ = q.Enqueue(writeArtifact(t, dir, "00000000000001"))
	time.Sleep(20 * time.Millisecond)
	if n := len(client.Calls()); n != 0 {
		t.Fatalf("Expected no sends while inactive, got %d", n)
	}

	active.Store(true)
	events.waitFor(t, EventDelivered, 1)
}

func TestQueue_Stats(t *testing.T) {
	client := &scriptedClient{outcomes: []Outcome{Delivered(), PermanentFailure(errors.New("nope"))}}
	h := newHarness(t, client, true)
	h.start(t)

	_ = h.queue.Enqueue(writeArtifact(t, h.dir, "00000000000001"))
	_ = h.queue.Enqueue(writeArtifact(t, h.dir, "00000000000002"))
	h.events.waitFor(t, EventPermanentlyFailed, 1)

	s := h.queue.Stats()
	if s.Enqueued != 2 || s.Delivered != 1 || s.Permanent != 1 || s.Attempts != 2 {
		t.Errorf("Unexpected stats: %+v", s)
	}
	if s.LastSeq != 1 {
		t.Errorf("Expected LastSeq 1, got %d", s.LastSeq)
	}
}

type historyFunc func(ctx context.Context, dest Destination, a Artifact) (bool, error)

func (f historyFunc) WasDelivered(ctx context.Context, dest Destination, a Artifact) (bool, error) {
	return f(ctx, dest, a)
}

func TestQueue_CheckpointedArtifactConsultsHistory(t *testing.T) {
	client := &scriptedClient{}
	h := newHarness(t, client, true)
	h.tracker.Seed(testDest, 10)
	h.queue.history = historyFunc(func(_ context.Context, _ Destination, a Artifact) (bool, error) {
		return a.Seq == 4, nil
	})

	journaled := writeArtifact(t, h.dir, "00000000000004")
	missing := writeArtifact(t, h.dir, "00000000000003")
	h.start(t)
	_ = h.queue.Enqueue(missing)
	_ = h.queue.Enqueue(journaled)

	events := h.events.waitFor(t, EventDelivered, 2)
	if events[0].Duplicate || !events[1].Duplicate {
		t.Errorf("Expected only the journaled artifact to be a duplicate, got %+v", events)
	}
	calls := client.Calls()
	if len(calls) != 1 || calls[0].Name != missing.Name {
		t.Errorf("Expected the unjournaled artifact to be sent, got %v", calls)
	}
	if exists(missing.Path) || exists(journaled.Path) {
		t.Error("Expected both artifacts removed")
	}
	if got := h.tracker.LastSeq(testDest); got != 10 {
		t.Errorf("Expected LastSeq to stay at the checkpoint, got %d", got)
	}
}

func TestQueue_HistoryErrorIsTransient(t *testing.T) {
	client := &scriptedClient{}
	h := newHarness(t, client, true)
	h.tracker.Seed(testDest, 10)
	h.queue.history = historyFunc(func(context.Context, Destination, Artifact) (bool, error) {
		return false, errors.New("journal down")
	})

	a := writeArtifact(t, h.dir, "00000000000003")
	h.start(t)
	_ = h.queue.Enqueue(a)

	e := h.events.waitFor(t, EventQuarantined, 1)[0]
	if e.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", e.Attempts)
	}
	if len(client.Calls()) != 0 {
		t.Error("Expected no send while the history is unavailable")
	}
	if !exists(filepath.Join(h.unsent, filepath.Base(a.Path))) {
		t.Error("Expected artifact kept in quarantine")
	}
}

func TestQueue_PanickingObserverDoesNotKillWorker(t *testing.T) {
	client := &scriptedClient{}
	h := newHarness(t, client, true)
	recorder := h.events
	h.queue.observer = ObserverFunc(func(ctx context.Context, e Event) {
		if e.Kind == EventDelivered && e.Artifact.Seq == 1 {
			panic("sink exploded")
		}
		recorder.Notify(ctx, e)
	})
	h.start(t)

	first := writeArtifact(t, h.dir, "00000000000001")
	second := writeArtifact(t, h.dir, "00000000000002")
	_ = h.queue.Enqueue(first)
	_ = h.queue.Enqueue(second)

	e := h.events.waitFor(t, EventDelivered, 1)[0]
	if e.Artifact.Seq != 2 {
		t.Errorf("Expected second artifact delivered, got %d", e.Artifact.Seq)
	}
	if exists(first.Path) || exists(second.Path) {
		t.Error("Expected both artifacts removed")
	}
}
