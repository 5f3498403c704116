package alert

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitstream/flit/errs"
	"github.com/flitstream/flit/internal/bus"
	"github.com/flitstream/flit/internal/ratelimit"
	"github.com/flitstream/flit/internal/schema"
)

func newTestLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func postEvent() *schema.Event {
	return &schema.Event{
		Type:      schema.EventPostCreated,
		Timestamp: "2025-06-01T12:00:00Z",
		PrimaryID: "t-1",
		User:      schema.Actor{Username: "jess", DisplayName: "Jess"},
		Data:      schema.EventData{Tweet: &schema.Tweet{ID: "t-1", Body: schema.TweetBody{Text: "big news"}}},
	}
}

func followEvent() *schema.Event {
	return &schema.Event{
		Type:      schema.EventFollowCreated,
		Timestamp: "2025-06-01T12:00:00Z",
		PrimaryID: "u-1",
		User:      schema.Actor{Username: "jess"},
		Data: schema.EventData{
			User:      &schema.Subject{ID: "u-1", Handle: "jess"},
			Following: &schema.Subject{ID: "u-2", Handle: "sam"},
		},
	}
}

func TestFormatMessagePerKind(t *testing.T) {
	post := FormatMessage(postEvent())
	assert.Equal(t, "big news", post.Text)
	assert.Equal(t, "jess", post.Username)
	assert.Equal(t, "[post_created] @jess: big news", post.Render())

	follow := FormatMessage(followEvent())
	assert.Equal(t, "followed @sam", follow.Text)

	profile := FormatMessage(&schema.Event{
		Type:      schema.EventProfileUpdated,
		Timestamp: "2025-06-01T12:00:00Z",
		PrimaryID: "u-1",
		User:      schema.Actor{Username: "jess"},
		Data:      schema.EventData{User: &schema.Subject{ID: "u-1"}},
	})
	assert.Equal(t, "updated their profile", profile.Text)
}

func TestTelegramSendPostsSendMessage(t *testing.T) {
	var got atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/botBOT123/sendMessage", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		got.Store(body)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(server.Close)

	ch := NewTelegramChannel("BOT123", "chat-9")
	ch.apiBase = server.URL

	delivered, err := ch.Send(context.Background(), FormatMessage(postEvent()))
	require.NoError(t, err)
	require.True(t, delivered)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(got.Load().([]byte), &payload))
	assert.Equal(t, "chat-9", payload["chat_id"])
	assert.Equal(t, "[post_created] @jess: big news", payload["text"])
	assert.Equal(t, "HTML", payload["parse_mode"])
}

func TestDiscordSendPostsContent(t *testing.T) {
	var got atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		got.Store(body)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	ch := NewDiscordChannel(server.URL)
	delivered, err := ch.Send(context.Background(), FormatMessage(followEvent()))
	require.NoError(t, err)
	require.True(t, delivered)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(got.Load().([]byte), &payload))
	assert.Equal(t, "[follow_created] @jess: followed @sam", payload["content"])
}

func TestWebhookSendUsesMethodHeadersAndRawMessage(t *testing.T) {
	var gotMethod, gotHeader atomic.Value
	var gotBody atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod.Store(r.Method)
		gotHeader.Store(r.Header.Get("X-Relay-Key"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		gotBody.Store(body)
	}))
	t.Cleanup(server.Close)

	ch := NewWebhookChannel(server.URL, "PUT", map[string]string{"X-Relay-Key": "k1"})
	msg := FormatMessage(postEvent())
	delivered, err := ch.Send(context.Background(), msg)
	require.NoError(t, err)
	require.True(t, delivered)

	assert.Equal(t, "PUT", gotMethod.Load())
	assert.Equal(t, "k1", gotHeader.Load())

	var sent Message
	require.NoError(t, json.Unmarshal(gotBody.Load().([]byte), &sent))
	assert.Equal(t, msg, sent)
}

func TestDisabledChannelSkipsSend(t *testing.T) {
	ch := NewTelegramChannel("", "chat-9")
	assert.False(t, ch.Enabled())

	delivered, err := ch.Send(context.Background(), Message{})
	assert.False(t, delivered)
	assert.NoError(t, err)
}

func TestRateLimitedSendDropsSilently(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(server.Close)

	ch := NewDiscordChannel(server.URL)
	ch.limiter = ratelimit.New(1, time.Minute)

	delivered, err := ch.Send(context.Background(), Message{Text: "first"})
	require.NoError(t, err)
	require.True(t, delivered)

	delivered, err = ch.Send(context.Background(), Message{Text: "second"})
	assert.False(t, delivered, "over-quota send must drop, not queue")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), hits.Load())
}

func TestSendFailureSurfacesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(server.Close)

	ch := NewDiscordChannel(server.URL)
	delivered, err := ch.Send(context.Background(), Message{Text: "x"})
	assert.False(t, delivered)
	require.Error(t, err)
	assert.Equal(t, errs.CodeUpstream, errs.CodeOf(err))
}

type scriptedChannel struct {
	name      string
	enabled   bool
	delivered bool
	err       error
	calls     atomic.Int64
}

func (s *scriptedChannel) Name() string  { return s.name }
func (s *scriptedChannel) Enabled() bool { return s.enabled }
func (s *scriptedChannel) Send(context.Context, Message) (bool, error) {
	s.calls.Add(1)
	return s.delivered, s.err
}

func TestOutputTracksPerChannelCounters(t *testing.T) {
	ok := &scriptedChannel{name: "telegram", enabled: true, delivered: true}
	failing := &scriptedChannel{name: "discord", enabled: true, err: errors.New("boom")}
	limited := &scriptedChannel{name: "webhook", enabled: true, delivered: false}
	disabled := &scriptedChannel{name: "noop", enabled: false}

	out := NewOutput([]Channel{ok, failing, limited, disabled}, newTestLogger())
	require.NoError(t, out.handleEvent(context.Background(), postEvent()))
	require.NoError(t, out.handleEvent(context.Background(), followEvent()))

	snap := out.Snapshot()
	assert.Equal(t, ChannelStats{Sent: 2}, snap["telegram"])
	assert.Equal(t, ChannelStats{Failed: 2}, snap["discord"])
	assert.Equal(t, ChannelStats{}, snap["webhook"], "silent drops touch no counter")
	assert.NotContains(t, snap, "noop")

	assert.Equal(t, int64(2), ok.calls.Load())
	assert.Equal(t, int64(2), failing.calls.Load())
	assert.Zero(t, disabled.calls.Load())
}

func TestOutputSubscribesAndUnsubscribes(t *testing.T) {
	b := bus.New(bus.Config{}, newTestLogger())
	ch := &scriptedChannel{name: "telegram", enabled: true, delivered: true}
	out := NewOutput([]Channel{ch}, newTestLogger())

	out.Start(b)
	out.Start(b)
	require.Equal(t, 1, b.SubscriberCount(bus.ChannelAlerts))

	b.Publish(context.Background(), bus.ChannelAlerts, postEvent())
	assert.Equal(t, int64(1), ch.calls.Load())

	out.Stop()
	require.Equal(t, 0, b.SubscriberCount(bus.ChannelAlerts))

	b.Publish(context.Background(), bus.ChannelAlerts, postEvent())
	assert.Equal(t, int64(1), ch.calls.Load(), "no deliveries after Stop")
}
