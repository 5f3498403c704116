package stream

import (
	"sort"
	"strings"
	"time"

	"github.com/flitstream/flit/internal/schema"
)

// Subscription sources.
const (
	SourceConfig  = "config"
	SourceRuntime = "runtime"
)

// Mode tells whether the relay is consuming anything at all.
type Mode string

const (
	ModeActive Mode = "active"
	ModeIdle   Mode = "idle"
)

// RuntimeSubscription is the currently effective upstream selection.
type RuntimeSubscription struct {
	Channels  []schema.Channel `json:"channels"`
	Users     []string         `json:"users"`
	Mode      Mode             `json:"mode"`
	Source    string           `json:"source"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

func (r RuntimeSubscription) clone() RuntimeSubscription {
	out := r
	out.Channels = append([]schema.Channel(nil), r.Channels...)
	out.Users = append([]string(nil), r.Users...)
	return out
}

// modeFor derives the mode from the channel selection.
func modeFor(channels []schema.Channel) Mode {
	if len(channels) == 0 {
		return ModeIdle
	}
	return ModeActive
}

// NormalizeChannels deduplicates the selection and collapses it to ["all"]
// whenever the all channel is present.
func NormalizeChannels(in []schema.Channel) []schema.Channel {
	if len(in) == 0 {
		return []schema.Channel{}
	}
	seen := make(map[schema.Channel]struct{}, len(in))
	out := make([]schema.Channel, 0, len(in))
	for _, ch := range in {
		if ch == schema.ChannelAll {
			return []schema.Channel{schema.ChannelAll}
		}
		if _, dup := seen[ch]; dup {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out
}

// NormalizeUsers trims, lowercases, deduplicates, and sorts usernames,
// dropping entries that end up empty.
func NormalizeUsers(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, u := range in {
		u = strings.ToLower(strings.TrimSpace(u))
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
