// Package stream owns the admission pipeline: validation, counting,
// filtering, dedup, and fan-out of upstream events.
package stream

import (
	"math"
	"sync"
	"time"

	"github.com/flitstream/flit/internal/schema"
)

// Stats tracks admission counters. The ingest loop is the only writer apart
// from the console's IncrementDeduped hook; everyone else reads snapshots.
type Stats struct {
	mu            sync.RWMutex
	total         int64
	delivered     int64
	deduped       int64
	byType        map[schema.EventType]int64
	unknownTypes  map[string]int64
	startTime     time.Time
	lastEventTime time.Time
	clock         func() time.Time
}

// StatsOption adjusts a Stats at construction.
type StatsOption func(*Stats)

// WithStatsClock substitutes the time source.
func WithStatsClock(clock func() time.Time) StatsOption {
	return func(s *Stats) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewStats starts the counters with startTime = now.
func NewStats(opts ...StatsOption) *Stats {
	s := &Stats{
		byType:       make(map[schema.EventType]int64),
		unknownTypes: make(map[string]int64),
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startTime = s.clock()
	return s
}

// RecordEvent counts one structurally valid event of a known type.
func (s *Stats) RecordEvent(t schema.EventType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.lastEventTime = s.clock()
	s.byType[t]++
}

// RecordUnknown counts one event carrying an unrecognized type discriminator
// and returns how many times that discriminator has been seen.
func (s *Stats) RecordUnknown(rawType string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.lastEventTime = s.clock()
	s.unknownTypes[rawType]++
	return s.unknownTypes[rawType]
}

// RecordDelivered counts one event published to the outputs.
func (s *Stats) RecordDelivered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered++
}

// RecordDeduped counts one event dropped as a duplicate.
func (s *Stats) RecordDeduped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deduped++
}

// IncrementDeduped mutates the shared deduped counter. Exists for callers
// that observe duplicates outside the ingest loop.
func (s *Stats) IncrementDeduped() { s.RecordDeduped() }

// Reset clears every counter and restarts the rate window.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total = 0
	s.delivered = 0
	s.deduped = 0
	s.byType = make(map[schema.EventType]int64)
	s.unknownTypes = make(map[string]int64)
	s.startTime = s.clock()
	s.lastEventTime = time.Time{}
}

// StatsSnapshot is a point-in-time copy of the counters. Rate is events per
// second since startTime, rounded to one decimal.
type StatsSnapshot struct {
	Total         int64                      `json:"total"`
	Delivered     int64                      `json:"delivered"`
	Deduped       int64                      `json:"deduped"`
	ByType        map[schema.EventType]int64 `json:"byType"`
	UnknownTypes  map[string]int64           `json:"unknownTypes,omitempty"`
	StartTime     time.Time                  `json:"startTime"`
	LastEventTime time.Time                  `json:"lastEventTime"`
	Rate          float64                    `json:"rate"`
}

// Snapshot copies the counters and computes the running rate.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byType := make(map[schema.EventType]int64, len(s.byType))
	for k, v := range s.byType {
		byType[k] = v
	}
	var unknown map[string]int64
	if len(s.unknownTypes) > 0 {
		unknown = make(map[string]int64, len(s.unknownTypes))
		for k, v := range s.unknownTypes {
			unknown[k] = v
		}
	}

	var rate float64
	if elapsed := s.clock().Sub(s.startTime).Seconds(); elapsed > 0 {
		rate = math.Round(float64(s.total)/elapsed*10) / 10
	}

	return StatsSnapshot{
		Total:         s.total,
		Delivered:     s.delivered,
		Deduped:       s.deduped,
		ByType:        byType,
		UnknownTypes:  unknown,
		StartTime:     s.startTime,
		LastEventTime: s.lastEventTime,
		Rate:          rate,
	}
}
