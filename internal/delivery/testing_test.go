package delivery

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// scriptedClient returns outcomes in order and records every call. Once the
// script runs out it keeps returning the last outcome.
type scriptedClient struct {
	mu       sync.Mutex
	outcomes []Outcome
	calls    []Artifact
	block    chan struct{}
}

func (c *scriptedClient) Send(ctx context.Context, dest Destination, a Artifact, payload []byte) Outcome {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, a)
	if len(c.outcomes) == 0 {
		return Delivered()
	}
	out := c.outcomes[0]
	if len(c.outcomes) > 1 {
		c.outcomes = c.outcomes[1:]
	}
	return out
}

func (c *scriptedClient) Calls() []Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Artifact(nil), c.calls...)
}

// sleepRecorder records requested delays without sleeping.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type eventRecorder struct {
	ch chan Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan Event, 128)}
}

func (r *eventRecorder) Notify(_ context.Context, e Event) { r.ch <- e }

// waitFor collects events until n of the given kind have arrived.
func (r *eventRecorder) waitFor(t *testing.T, kind EventKind, n int) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case e := <-r.ch:
			if e.Kind == kind {
				got = append(got, e)
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %d %s events, got %d", n, kind, len(got))
		}
	}
	return got
}

func writeArtifact(t *testing.T, dir, id string) Artifact {
	t.Helper()
	path := filepath.Join(dir, "screenshot_"+id+".png")
	if err := os.WriteFile(path, []byte("png:"+id), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	a, err := ParseArtifact(path)
	if err != nil {
		t.Fatalf("parse artifact: %v", err)
	}
	return a
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
