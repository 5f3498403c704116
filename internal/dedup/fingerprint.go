package dedup

import (
	"github.com/flitstream/flit/internal/schema"
)

// Fingerprint derives the stable dedup key for an event. Timestamps are
// excluded so the key survives upstream replays across reconnects, while
// independent entities still map to distinct keys.
func Fingerprint(evt *schema.Event) string {
	switch evt.Type {
	case schema.EventPostCreated, schema.EventPostUpdated:
		var id string
		if evt.Data.Tweet != nil {
			id = evt.Data.Tweet.ID
		}
		return "post:" + id
	case schema.EventFollowCreated, schema.EventFollowUpdated:
		var follower, target string
		if evt.Data.User != nil {
			follower = evt.Data.User.ID
		}
		if evt.Data.Following != nil {
			target = evt.Data.Following.ID
		}
		return "follow:" + follower + "→" + target
	default:
		return "user:" + evt.PrimaryID + ":" + string(evt.Type)
	}
}
