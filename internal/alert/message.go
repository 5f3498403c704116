// Package alert delivers admitted events to notification sinks, each guarded
// by its own rate limiter.
package alert

import (
	"fmt"

	"github.com/flitstream/flit/internal/schema"
)

// Message is the channel-independent alert payload.
type Message struct {
	EventType schema.EventType `json:"eventType"`
	Username  string           `json:"username"`
	Text      string           `json:"text"`
	Timestamp string           `json:"timestamp"`
}

// Render produces the single-line form sent to text-oriented sinks.
func (m Message) Render() string {
	return fmt.Sprintf("[%s] @%s: %s", m.EventType, m.Username, m.Text)
}

// FormatMessage derives the alert text from the event kind: posts carry the
// tweet body, follows name the target, everything else reads as a profile
// update.
func FormatMessage(evt *schema.Event) Message {
	msg := Message{
		EventType: evt.Type,
		Username:  evt.User.Username,
		Timestamp: evt.Timestamp,
	}
	switch evt.Type.DataKind() {
	case schema.DataPost:
		msg.Text = evt.Data.TweetText()
	case schema.DataFollowing:
		msg.Text = fmt.Sprintf("followed @%s", evt.Data.FollowingHandle())
	default:
		msg.Text = "updated their profile"
	}
	return msg
}
