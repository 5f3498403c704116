// Package ratelimit implements the sliding-window quota counter used by alert channels.
package ratelimit

import "time"

// Default quota applied when a channel does not configure its own.
const (
	DefaultMaxRequests = 10
	DefaultWindow      = time.Minute
)

// Limiter counts request instants inside a sliding time window.
// It is not safe for unsynchronized concurrent mutation; each alert channel
// drives its limiter from a single goroutine at a time.
type Limiter struct {
	maxRequests int
	window      time.Duration
	stamps      []time.Time
	clock       func() time.Time
}

// New constructs a limiter allowing maxRequests per window.
func New(maxRequests int, window time.Duration) *Limiter {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		maxRequests: maxRequests,
		window:      window,
		clock:       time.Now,
	}
}

// WithClock overrides the internal clock, primarily for testing.
func (l *Limiter) WithClock(clock func() time.Time) *Limiter {
	if clock == nil {
		clock = time.Now
	}
	l.clock = clock
	return l
}

// Allow reports whether another request fits the window. Aside from evicting
// expired instants it does not mutate state.
func (l *Limiter) Allow() bool {
	l.evict(l.clock())
	return len(l.stamps) < l.maxRequests
}

// Record appends the current instant. It appends even when the window is
// already full; callers are expected to check Allow first.
func (l *Limiter) Record() {
	now := l.clock()
	l.evict(now)
	l.stamps = append(l.stamps, now)
}

// Count returns the number of instants currently inside the window.
func (l *Limiter) Count() int {
	l.evict(l.clock())
	return len(l.stamps)
}

// Reset clears all recorded instants.
func (l *Limiter) Reset() {
	l.stamps = l.stamps[:0]
}

// evict drops every instant at or before now-window, so that all remaining
// instants t satisfy t > now-window.
func (l *Limiter) evict(now time.Time) {
	cutoff := now.Add(-l.window)
	idx := 0
	for idx < len(l.stamps) && !l.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[idx:]...)
	}
}
