// Package schema defines the canonical relay event model and enums.
package schema

import "strings"

// EventType identifies the kind of upstream activity an event describes.
type EventType string

const (
	// EventPostCreated marks a newly published post.
	EventPostCreated EventType = "post_created"
	// EventPostUpdated marks an edit to an existing post.
	EventPostUpdated EventType = "post_updated"
	// EventFollowCreated marks a new follow edge.
	EventFollowCreated EventType = "follow_created"
	// EventFollowUpdated marks a change to an existing follow edge.
	EventFollowUpdated EventType = "follow_updated"
	// EventUserUpdated marks a change to account-level user fields.
	EventUserUpdated EventType = "user_updated"
	// EventProfileUpdated marks a change to profile fields.
	EventProfileUpdated EventType = "profile_updated"
	// EventProfilePinned marks a post pinned to a profile.
	EventProfilePinned EventType = "profile_pinned"
)

var knownEventTypes = map[EventType]struct{}{
	EventPostCreated:    {},
	EventPostUpdated:    {},
	EventFollowCreated:  {},
	EventFollowUpdated:  {},
	EventUserUpdated:    {},
	EventProfileUpdated: {},
	EventProfilePinned:  {},
}

// Valid reports whether the event type belongs to the closed enum.
func (t EventType) Valid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// ParseEventType resolves a raw string to a known event type.
func ParseEventType(raw string) (EventType, bool) {
	t := EventType(strings.TrimSpace(raw))
	return t, t.Valid()
}

// KnownEventTypes returns the closed event type set.
func KnownEventTypes() []EventType {
	return []EventType{
		EventPostCreated,
		EventPostUpdated,
		EventFollowCreated,
		EventFollowUpdated,
		EventUserUpdated,
		EventProfileUpdated,
		EventProfilePinned,
	}
}

// DataKind names the payload shape implied by an event type.
type DataKind string

const (
	// DataPost marks tweet-carrying payloads.
	DataPost DataKind = "post"
	// DataProfile marks profile-carrying payloads.
	DataProfile DataKind = "profile"
	// DataFollowing marks follow-edge payloads.
	DataFollowing DataKind = "following"
	// DataUnknown marks payloads of unrecognized event types.
	DataUnknown DataKind = ""
)

// DataKind reports the payload shape the event type implies.
func (t EventType) DataKind() DataKind {
	switch t {
	case EventPostCreated, EventPostUpdated:
		return DataPost
	case EventFollowCreated, EventFollowUpdated:
		return DataFollowing
	case EventUserUpdated, EventProfileUpdated, EventProfilePinned:
		return DataProfile
	default:
		return DataUnknown
	}
}

// Channel selects an upstream subscription category.
type Channel string

const (
	// ChannelAll subscribes to every category.
	ChannelAll Channel = "all"
	// ChannelTweets subscribes to post activity.
	ChannelTweets Channel = "tweets"
	// ChannelFollowing subscribes to profile and follow activity.
	ChannelFollowing Channel = "following"
)

// Valid reports whether the channel belongs to the closed enum.
func (c Channel) Valid() bool {
	switch c {
	case ChannelAll, ChannelTweets, ChannelFollowing:
		return true
	default:
		return false
	}
}

// ParseChannel resolves a raw string to a known channel.
func ParseChannel(raw string) (Channel, bool) {
	c := Channel(strings.ToLower(strings.TrimSpace(raw)))
	return c, c.Valid()
}

// KnownChannels returns the closed channel set.
func KnownChannels() []Channel {
	return []Channel{ChannelAll, ChannelTweets, ChannelFollowing}
}
