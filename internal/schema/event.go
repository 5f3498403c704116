package schema

import (
	json "github.com/goccy/go-json"

	"github.com/flitstream/flit/errs"
)

// Actor identifies the account an event is attributed to.
type Actor struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	UserID      string `json:"userId,omitempty"`
}

// TweetBody carries the textual content of a post.
type TweetBody struct {
	Text string `json:"text"`
}

// Tweet is the post payload referenced by post events.
type Tweet struct {
	ID   string    `json:"id"`
	Body TweetBody `json:"body"`
}

// ProfileDescription carries the free-form profile description.
type ProfileDescription struct {
	Text string `json:"text,omitempty"`
}

// Profile carries display fields of a user profile.
type Profile struct {
	Name        string              `json:"name,omitempty"`
	Description *ProfileDescription `json:"description,omitempty"`
}

// Subject is the user record embedded in profile and follow payloads.
type Subject struct {
	ID      string   `json:"id"`
	Handle  string   `json:"handle,omitempty"`
	Profile *Profile `json:"profile,omitempty"`
}

// EventData is the tagged payload union, discriminated by field presence:
// Tweet for post events, User (+ optional Pinned/Before) for profile events,
// User + Following for follow events.
type EventData struct {
	Tweet     *Tweet          `json:"tweet,omitempty"`
	User      *Subject        `json:"user,omitempty"`
	Following *Subject        `json:"following,omitempty"`
	Pinned    json.RawMessage `json:"pinned,omitempty"`
	Before    json.RawMessage `json:"before,omitempty"`
}

// Event is the canonical admitted unit flowing through the relay.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp string    `json:"timestamp"`
	PrimaryID string    `json:"primaryId"`
	User      Actor     `json:"user"`
	Data      EventData `json:"data"`
}

// ValidateStructure checks the shape rules that apply regardless of whether
// the event type is known: required scalar fields, and for known types a
// payload matching the implied tag. Unknown types pass (their payload shape
// cannot be implied) so the ingest path can account for them separately.
func (e *Event) ValidateStructure() error {
	if e == nil {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("nil event"))
	}
	if e.Timestamp == "" {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("timestamp required"))
	}
	if e.PrimaryID == "" {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("primaryId required"))
	}
	if e.User.Username == "" {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("user.username required"))
	}
	switch e.Type.DataKind() {
	case DataPost:
		if e.Data.Tweet == nil {
			return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("post event requires data.tweet"))
		}
	case DataFollowing:
		if e.Data.User == nil || e.Data.Following == nil {
			return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("follow event requires data.user and data.following"))
		}
	case DataProfile:
		if e.Data.User == nil {
			return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("profile event requires data.user"))
		}
	}
	return nil
}

// Validate enforces the full validity contract: a known event type plus the
// structural rules of ValidateStructure.
func (e *Event) Validate() error {
	if e == nil {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("nil event"))
	}
	if !e.Type.Valid() {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("unknown event type: "+string(e.Type)))
	}
	return e.ValidateStructure()
}

// TweetText returns the post body text, empty when absent.
func (d EventData) TweetText() string {
	if d.Tweet == nil {
		return ""
	}
	return d.Tweet.Body.Text
}

// ProfileName returns the subject profile name, empty when absent.
func (d EventData) ProfileName() string {
	if d.User == nil || d.User.Profile == nil {
		return ""
	}
	return d.User.Profile.Name
}

// ProfileDescription returns the subject profile description text, empty when absent.
func (d EventData) ProfileDescription() string {
	if d.User == nil || d.User.Profile == nil || d.User.Profile.Description == nil {
		return ""
	}
	return d.User.Profile.Description.Text
}

// FollowingHandle returns the follow target handle, empty when absent.
func (d EventData) FollowingHandle() string {
	if d.Following == nil {
		return ""
	}
	return d.Following.Handle
}

// FollowingName returns the follow target profile name, empty when absent.
func (d EventData) FollowingName() string {
	if d.Following == nil || d.Following.Profile == nil {
		return ""
	}
	return d.Following.Profile.Name
}

// ParseEvent decodes a wire frame into an Event without validating it.
func ParseEvent(raw []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, errs.New("schema/event", errs.CodeInvalid,
			errs.WithMessage("malformed event frame"), errs.WithCause(err))
	}
	return &evt, nil
}
