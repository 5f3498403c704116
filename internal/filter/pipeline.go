// Package filter implements the AND-chain of admission predicates applied to
// every upstream event before it is published.
package filter

import (
	"strings"
	"sync"

	"github.com/flitstream/flit/internal/schema"
)

// Predicate decides whether an event passes one admission dimension.
// Predicates must not mutate the event.
type Predicate func(evt *schema.Event) bool

// FilterConfig declares the server-side admission filters. Fields combine
// with AND; an empty field places no restriction on that dimension.
type FilterConfig struct {
	Users      []string           `json:"users"`
	Keywords   []string           `json:"keywords"`
	EventTypes []schema.EventType `json:"eventTypes"`
}

// IsZero reports whether no dimension is restricted.
func (c FilterConfig) IsZero() bool {
	return len(c.Users) == 0 && len(c.Keywords) == 0 && len(c.EventTypes) == 0
}

type pipelineEntry struct {
	id   string
	pred Predicate
}

// Pipeline is an ordered collection of predicates identified by string id.
// Apply returns true iff every predicate accepts, or the pipeline is empty.
type Pipeline struct {
	mu      sync.RWMutex
	entries []pipelineEntry
	cfg     FilterConfig
}

// NewPipeline constructs an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// FromConfig assembles a pipeline from the configured filter dimensions,
// registering only the restricted ones under the ids "users", "keywords"
// and "eventTypes".
func FromConfig(cfg FilterConfig) *Pipeline {
	p := NewPipeline()
	p.cfg = cfg
	if len(cfg.Users) > 0 {
		p.Add("users", Users(cfg.Users))
	}
	if len(cfg.Keywords) > 0 {
		p.Add("keywords", Keywords(cfg.Keywords, false))
	}
	if len(cfg.EventTypes) > 0 {
		p.Add("eventTypes", EventTypes(cfg.EventTypes))
	}
	return p
}

// Add registers a predicate under id. An existing predicate with the same id
// is replaced in place, keeping its position in the chain.
func (p *Pipeline) Add(id string, pred Predicate) {
	if pred == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.entries {
		if p.entries[i].id == id {
			p.entries[i].pred = pred
			return
		}
	}
	p.entries = append(p.entries, pipelineEntry{id: id, pred: pred})
}

// Remove drops the predicate registered under id.
func (p *Pipeline) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.entries {
		if p.entries[i].id == id {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Apply runs the predicate chain, short-circuiting on the first rejection.
func (p *Pipeline) Apply(evt *schema.Event) bool {
	p.mu.RLock()
	entries := make([]pipelineEntry, len(p.entries))
	copy(entries, p.entries)
	p.mu.RUnlock()

	for _, ent := range entries {
		if !ent.pred(evt) {
			return false
		}
	}
	return true
}

// Len returns the number of registered predicates.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Snapshot reports the declarative configuration the pipeline was assembled
// from. Predicates registered directly through Add are not represented.
func (p *Pipeline) Snapshot() FilterConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return FilterConfig{
		Users:      append([]string(nil), p.cfg.Users...),
		Keywords:   append([]string(nil), p.cfg.Keywords...),
		EventTypes: append([]schema.EventType(nil), p.cfg.EventTypes...),
	}
}

// Users matches events attributed to one of the given usernames
// (case-insensitive equality). An empty list allows everything.
func Users(usernames []string) Predicate {
	allowed := make(map[string]struct{}, len(usernames))
	for _, name := range usernames {
		trimmed := strings.ToLower(strings.TrimSpace(name))
		if trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	return func(evt *schema.Event) bool {
		if len(allowed) == 0 {
			return true
		}
		_, ok := allowed[strings.ToLower(evt.User.Username)]
		return ok
	}
}

// Keywords matches events whose searchable projection contains any of the
// given keywords as a substring, case-insensitively unless caseSensitive is
// set. An empty list allows everything.
func Keywords(keywords []string, caseSensitive bool) Predicate {
	needles := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		trimmed := strings.TrimSpace(kw)
		if trimmed == "" {
			continue
		}
		if !caseSensitive {
			trimmed = strings.ToLower(trimmed)
		}
		needles = append(needles, trimmed)
	}
	return func(evt *schema.Event) bool {
		if len(needles) == 0 {
			return true
		}
		haystack := Projection(evt)
		if !caseSensitive {
			haystack = strings.ToLower(haystack)
		}
		for _, needle := range needles {
			if strings.Contains(haystack, needle) {
				return true
			}
		}
		return false
	}
}

// EventTypes matches events whose type belongs to the allowed set. An empty
// set allows everything.
func EventTypes(types []schema.EventType) Predicate {
	allowed := make(map[schema.EventType]struct{}, len(types))
	for _, t := range types {
		if t != "" {
			allowed[t] = struct{}{}
		}
	}
	return func(evt *schema.Event) bool {
		if len(allowed) == 0 {
			return true
		}
		_, ok := allowed[evt.Type]
		return ok
	}
}

// Projection builds the searchable text for keyword matching: the actor's
// username and display name followed by the payload's textual fields.
func Projection(evt *schema.Event) string {
	parts := make([]string, 0, 4)
	appendPart := func(s string) {
		if s != "" {
			parts = append(parts, s)
		}
	}

	appendPart(evt.User.Username)
	appendPart(evt.User.DisplayName)

	switch evt.Type.DataKind() {
	case schema.DataPost:
		appendPart(evt.Data.TweetText())
	case schema.DataProfile:
		appendPart(evt.Data.ProfileName())
		appendPart(evt.Data.ProfileDescription())
	case schema.DataFollowing:
		appendPart(evt.Data.FollowingHandle())
		appendPart(evt.Data.FollowingName())
	}

	return strings.Join(parts, " ")
}
