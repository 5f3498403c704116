package schema

import (
	"testing"

	"github.com/flitstream/flit/errs"
)

func validPostEvent() *Event {
	return &Event{
		Type:      EventPostCreated,
		Timestamp: "2024-05-01T10:00:00Z",
		PrimaryID: "tw1",
		User:      Actor{Username: "alice", DisplayName: "Alice", UserID: "u1"},
		Data: EventData{
			Tweet: &Tweet{ID: "tw1", Body: TweetBody{Text: "hello world"}},
		},
	}
}

func validFollowEvent() *Event {
	return &Event{
		Type:      EventFollowCreated,
		Timestamp: "2024-05-01T10:00:00Z",
		PrimaryID: "u1",
		User:      Actor{Username: "alice", UserID: "u1"},
		Data: EventData{
			User:      &Subject{ID: "u1"},
			Following: &Subject{ID: "u2", Handle: "bob", Profile: &Profile{Name: "Bob"}},
		},
	}
}

func validProfileEvent() *Event {
	return &Event{
		Type:      EventProfileUpdated,
		Timestamp: "2024-05-01T10:00:00Z",
		PrimaryID: "u1",
		User:      Actor{Username: "alice", UserID: "u1"},
		Data: EventData{
			User: &Subject{ID: "u1", Profile: &Profile{
				Name:        "Alice",
				Description: &ProfileDescription{Text: "crypto watcher"},
			}},
		},
	}
}

func TestValidateAcceptsWellFormedEvents(t *testing.T) {
	for _, evt := range []*Event{validPostEvent(), validFollowEvent(), validProfileEvent()} {
		if err := evt.Validate(); err != nil {
			t.Fatalf("expected %s event to validate, got %v", evt.Type, err)
		}
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Event)
	}{
		{"missing timestamp", func(e *Event) { e.Timestamp = "" }},
		{"missing primaryId", func(e *Event) { e.PrimaryID = "" }},
		{"missing username", func(e *Event) { e.User.Username = "" }},
		{"post without tweet", func(e *Event) { e.Data.Tweet = nil }},
	}
	for _, tc := range cases {
		evt := validPostEvent()
		tc.mutate(evt)
		err := evt.Validate()
		if err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
		if !errs.IsCode(err, errs.CodeInvalid) {
			t.Fatalf("%s: expected invalid code, got %v", tc.name, err)
		}
	}
}

func TestValidateRejectsShapeMismatch(t *testing.T) {
	follow := validFollowEvent()
	follow.Data.Following = nil
	if follow.Validate() == nil {
		t.Fatalf("follow event without following must fail")
	}

	follow = validFollowEvent()
	follow.Data.User = nil
	if follow.Validate() == nil {
		t.Fatalf("follow event without data.user must fail")
	}

	profile := validProfileEvent()
	profile.Data.User = nil
	if profile.Validate() == nil {
		t.Fatalf("profile event without data.user must fail")
	}
}

func TestUnknownTypePassesStructureButFailsValidate(t *testing.T) {
	evt := validPostEvent()
	evt.Type = EventType("mystery_event")

	if err := evt.ValidateStructure(); err != nil {
		t.Fatalf("structure check should pass for unknown type, got %v", err)
	}
	if evt.Validate() == nil {
		t.Fatalf("full validation must reject unknown type")
	}
}

func TestNilEventValidation(t *testing.T) {
	var evt *Event
	if evt.Validate() == nil || evt.ValidateStructure() == nil {
		t.Fatalf("nil event must fail validation")
	}
}

func TestParseEventDecodesWireFrame(t *testing.T) {
	raw := []byte(`{
		"type": "follow_created",
		"timestamp": "2024-05-01T10:00:00Z",
		"primaryId": "u1",
		"user": {"username": "alice", "displayName": "Alice", "userId": "u1"},
		"data": {
			"user": {"id": "u1"},
			"following": {"id": "u2", "handle": "bob", "profile": {"name": "Bob"}}
		}
	}`)

	evt, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if evt.Type != EventFollowCreated {
		t.Fatalf("unexpected type: %s", evt.Type)
	}
	if evt.User.DisplayName != "Alice" {
		t.Fatalf("unexpected displayName: %q", evt.User.DisplayName)
	}
	if evt.Data.FollowingHandle() != "bob" || evt.Data.FollowingName() != "Bob" {
		t.Fatalf("follow target not decoded: %+v", evt.Data.Following)
	}
	if err := evt.Validate(); err != nil {
		t.Fatalf("decoded event should validate: %v", err)
	}
}

func TestParseEventRejectsMalformedJSON(t *testing.T) {
	if _, err := ParseEvent([]byte("{nope")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestDataKindMapping(t *testing.T) {
	cases := []struct {
		typ  EventType
		kind DataKind
	}{
		{EventPostCreated, DataPost},
		{EventPostUpdated, DataPost},
		{EventFollowCreated, DataFollowing},
		{EventFollowUpdated, DataFollowing},
		{EventUserUpdated, DataProfile},
		{EventProfileUpdated, DataProfile},
		{EventProfilePinned, DataProfile},
		{EventType("mystery"), DataUnknown},
	}
	for _, tc := range cases {
		if got := tc.typ.DataKind(); got != tc.kind {
			t.Fatalf("%s: expected kind %q, got %q", tc.typ, tc.kind, got)
		}
	}
}

func TestChannelParsing(t *testing.T) {
	if c, ok := ParseChannel(" Tweets "); !ok || c != ChannelTweets {
		t.Fatalf("expected tweets channel, got %q ok=%v", c, ok)
	}
	if _, ok := ParseChannel("orders"); ok {
		t.Fatalf("orders must not parse as a channel")
	}
	if len(KnownChannels()) != 3 {
		t.Fatalf("closed channel set must have 3 members")
	}
}

func TestEventTypeParsing(t *testing.T) {
	if _, ok := ParseEventType("post_created"); !ok {
		t.Fatalf("post_created must parse")
	}
	if _, ok := ParseEventType("order_created"); ok {
		t.Fatalf("order_created must not parse")
	}
	if len(KnownEventTypes()) != 7 {
		t.Fatalf("closed event type set must have 7 members")
	}
}

func TestDataAccessorsNilSafety(t *testing.T) {
	var data EventData
	if data.TweetText() != "" || data.ProfileName() != "" || data.ProfileDescription() != "" ||
		data.FollowingHandle() != "" || data.FollowingName() != "" {
		t.Fatalf("accessors must be empty on zero value")
	}
}
