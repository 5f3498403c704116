package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func TestAllowUnderQuota(t *testing.T) {
	clock := newFakeClock()
	l := New(3, time.Minute).WithClock(clock.Now)

	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
		l.Record()
	}
	if l.Allow() {
		t.Fatalf("fourth request must be denied")
	}
	if got := l.Count(); got != 3 {
		t.Fatalf("expected count 3, got %d", got)
	}
}

func TestDeniedRequestAllowedAfterWindow(t *testing.T) {
	clock := newFakeClock()
	l := New(2, time.Minute).WithClock(clock.Now)

	l.Record()
	l.Record()
	if l.Allow() {
		t.Fatalf("quota exhausted, expected denial")
	}

	clock.Advance(time.Minute + time.Millisecond)
	if !l.Allow() {
		t.Fatalf("expected quota to clear after the window elapsed")
	}
	if got := l.Count(); got != 0 {
		t.Fatalf("expected all instants evicted, got %d", got)
	}
}

func TestWindowSlidesPartially(t *testing.T) {
	clock := newFakeClock()
	l := New(2, time.Minute).WithClock(clock.Now)

	l.Record()
	clock.Advance(40 * time.Second)
	l.Record()
	if l.Allow() {
		t.Fatalf("two instants inside window, expected denial")
	}

	// First instant falls out, second remains.
	clock.Advance(25 * time.Second)
	if !l.Allow() {
		t.Fatalf("expected one slot free after partial slide")
	}
	if got := l.Count(); got != 1 {
		t.Fatalf("expected count 1, got %d", got)
	}
}

func TestAllowDoesNotConsume(t *testing.T) {
	clock := newFakeClock()
	l := New(1, time.Minute).WithClock(clock.Now)

	for i := 0; i < 5; i++ {
		if !l.Allow() {
			t.Fatalf("Allow must not consume quota (iteration %d)", i)
		}
	}
	if got := l.Count(); got != 0 {
		t.Fatalf("expected empty window, got %d", got)
	}
}

func TestRecordAppendsRegardlessOfCap(t *testing.T) {
	clock := newFakeClock()
	l := New(1, time.Minute).WithClock(clock.Now)

	l.Record()
	l.Record()
	if got := l.Count(); got != 2 {
		t.Fatalf("Record must append unconditionally, got count %d", got)
	}
}

func TestReset(t *testing.T) {
	clock := newFakeClock()
	l := New(2, time.Minute).WithClock(clock.Now)

	l.Record()
	l.Record()
	l.Reset()
	if got := l.Count(); got != 0 {
		t.Fatalf("expected count 0 after reset, got %d", got)
	}
	if !l.Allow() {
		t.Fatalf("expected quota available after reset")
	}
}

func TestDefaultsApplied(t *testing.T) {
	l := New(0, 0)
	if l.maxRequests != DefaultMaxRequests {
		t.Fatalf("expected default max requests, got %d", l.maxRequests)
	}
	if l.window != DefaultWindow {
		t.Fatalf("expected default window, got %v", l.window)
	}
}
