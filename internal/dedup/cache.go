// Package dedup provides the bounded TTL/LRU fingerprint cache that keeps
// replayed upstream events from being delivered twice.
package dedup

import (
	"container/list"
	"time"
)

// Default bounds applied when the caller does not configure its own.
const (
	DefaultMaxEntries = 10_000
	DefaultTTL        = 5 * time.Minute
)

type entry struct {
	fingerprint string
	insertedAt  time.Time
}

// Cache maps event fingerprints to their insertion instant. Entries die on
// TTL expiry or LRU eviction, whichever comes first. The cache is mutated
// only from the ingest path; it is not safe for concurrent use.
type Cache struct {
	maxEntries int
	ttl        time.Duration
	order      *list.List // front = most recently used
	items      map[string]*list.Element
	clock      func() time.Time
}

// New constructs a cache bounded by maxEntries and ttl.
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		maxEntries: maxEntries,
		ttl:        ttl,
		order:      list.New(),
		items:      make(map[string]*list.Element),
		clock:      time.Now,
	}
}

// WithClock overrides the internal clock, primarily for testing.
func (c *Cache) WithClock(clock func() time.Time) *Cache {
	if clock == nil {
		clock = time.Now
	}
	c.clock = clock
	return c
}

// Seen reports whether the fingerprint is present and not TTL-expired. A hit
// refreshes the entry's recency; an expired hit is removed and reported unseen.
func (c *Cache) Seen(fingerprint string) bool {
	el, ok := c.items[fingerprint]
	if !ok {
		return false
	}
	ent := el.Value.(*entry)
	if c.expired(ent, c.clock()) {
		c.remove(el)
		return false
	}
	c.order.MoveToFront(el)
	return true
}

// Admit inserts the fingerprint, evicting the least recently used entries
// while over capacity and opportunistically dropping everything TTL-expired.
func (c *Cache) Admit(fingerprint string) {
	now := c.clock()
	c.purgeExpired(now)

	if el, ok := c.items[fingerprint]; ok {
		ent := el.Value.(*entry)
		ent.insertedAt = now
		c.order.MoveToFront(el)
		return
	}

	for len(c.items) >= c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest)
	}

	el := c.order.PushFront(&entry{fingerprint: fingerprint, insertedAt: now})
	c.items[fingerprint] = el
}

// Size returns the number of live (non-expired) entries.
func (c *Cache) Size() int {
	c.purgeExpired(c.clock())
	return len(c.items)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.order.Init()
	c.items = make(map[string]*list.Element)
}

func (c *Cache) expired(ent *entry, now time.Time) bool {
	return now.Sub(ent.insertedAt) > c.ttl
}

func (c *Cache) purgeExpired(now time.Time) {
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if c.expired(el.Value.(*entry), now) {
			c.remove(el)
		}
		el = prev
	}
}

func (c *Cache) remove(el *list.Element) {
	ent := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.items, ent.fingerprint)
}
