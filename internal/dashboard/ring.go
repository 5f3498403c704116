package dashboard

import (
	"sync"

	"github.com/flitstream/flit/internal/schema"
)

// DefaultRingSize is how many recent events a state snapshot replays.
const DefaultRingSize = 100

// eventRing retains the most recently broadcast events so clients that
// connect mid-stream receive a backfill in their state snapshot.
type eventRing struct {
	mu   sync.Mutex
	buf  []*schema.Event
	next int
	full bool
}

func newEventRing(capacity int) *eventRing {
	if capacity <= 0 {
		capacity = DefaultRingSize
	}
	return &eventRing{buf: make([]*schema.Event, capacity)}
}

func (r *eventRing) Add(evt *schema.Event) {
	if evt == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = evt
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Snapshot returns the retained events, oldest first. The slice is always
// non-nil so it serialises as a JSON array.
func (r *eventRing) Snapshot() []*schema.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]*schema.Event, 0, r.next)
		return append(out, r.buf[:r.next]...)
	}
	out := make([]*schema.Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

func (r *eventRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}
