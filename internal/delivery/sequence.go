package delivery

import (
	"context"
	"sync"
)

// NoSeq is the cursor value of a destination that has received nothing.
const NoSeq int64 = -1

// SequenceTracker holds the highest delivered sequence per destination. Each
// destination's Cursor is owned by that destination's worker; the tracker
// lock only protects the cursor map and concurrent readers.
type SequenceTracker struct {
	mu      sync.RWMutex
	cursors map[Destination]*Cursor
}

func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{cursors: make(map[Destination]*Cursor)}
}

// Cursor returns the state object for dest, creating it on first use.
func (t *SequenceTracker) Cursor(dest Destination) *Cursor {
	t.mu.RLock()
	c, ok := t.cursors[dest]
	t.mu.RUnlock()
	if ok {
		return c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.cursors[dest]; ok {
		return c
	}
	c = newCursor()
	t.cursors[dest] = c
	return c
}

// LastSeq returns the highest sequence delivered to dest, or NoSeq.
func (t *SequenceTracker) LastSeq(dest Destination) int64 {
	t.mu.RLock()
	c, ok := t.cursors[dest]
	t.mu.RUnlock()
	if !ok {
		return NoSeq
	}
	return c.Last()
}

// RecordSeq raises dest's cursor to seq. It never lowers it.
func (t *SequenceTracker) RecordSeq(dest Destination, seq int64) {
	t.Cursor(dest).Record(seq, "")
}

// Seed restores a checkpoint loaded from an external state store.
func (t *SequenceTracker) Seed(dest Destination, seq int64) {
	t.RecordSeq(dest, seq)
}

// History answers whether an artifact was delivered by an earlier process,
// e.g. from a delivery journal.
type History interface {
	WasDelivered(ctx context.Context, dest Destination, a Artifact) (bool, error)
}

// Verdict is what a cursor knows about an artifact.
type Verdict int

const (
	// VerdictNew: the artifact has not been delivered as far as the cursor knows.
	VerdictNew Verdict = iota
	// VerdictSeen: this process delivered the artifact, or one after it.
	VerdictSeen
	// VerdictCheckpointed: the artifact is behind a checkpoint restored from outside
	// the process. The checkpoint carries no names, so only a delivery
	// history can tell whether this particular file was sent.
	VerdictCheckpointed
)

// Cursor is one destination's delivery position. Besides the integer
// sequence it remembers which filenames were delivered at that exact
// sequence, so two captures stamped in the same second are not mistaken for
// one another. Positions recorded without a name, as from a seeded
// checkpoint, raise Last but are kept apart from confirmed deliveries.
type Cursor struct {
	mu        sync.Mutex
	last      int64
	floor     int64 // highest unnamed position
	confirmed int64 // highest position delivered by this process
	names     map[string]struct{}
}

func newCursor() *Cursor {
	return &Cursor{last: NoSeq, floor: NoSeq, confirmed: NoSeq}
}

func (c *Cursor) Last() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Record sets last = max(last, seq). A non-empty name also marks the
// artifact as delivered by this process.
func (c *Cursor) Record(seq int64, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seq > c.last {
		c.last = seq
	}
	if name == "" {
		if seq > c.floor {
			c.floor = seq
		}
		return
	}
	switch {
	case seq > c.confirmed:
		c.confirmed = seq
		c.names = nil
	case seq < c.confirmed:
		return
	}
	if c.names == nil {
		c.names = make(map[string]struct{})
	}
	c.names[name] = struct{}{}
}

// Check classifies a against the cursor.
func (c *Cursor) Check(a Artifact) Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a.Seq == c.confirmed {
		if _, ok := c.names[a.Name]; ok {
			return VerdictSeen
		}
	}
	switch {
	case a.Seq < c.floor:
		return VerdictCheckpointed
	case a.Seq == c.floor:
		// The checkpoint's own file is unknown by name; send it again.
		return VerdictNew
	case a.Seq < c.confirmed:
		return VerdictSeen
	}
	return VerdictNew
}

// Delivered reports whether a counts as satisfied without consulting any
// history: its sequence is behind the cursor, or it sits on the cursor and
// its filename was recorded there.
func (c *Cursor) Delivered(a Artifact) bool {
	return c.Check(a) != VerdictNew
}
