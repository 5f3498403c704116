package stream

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitstream/flit/errs"
	"github.com/flitstream/flit/internal/bus"
	"github.com/flitstream/flit/internal/dedup"
	"github.com/flitstream/flit/internal/filter"
	"github.com/flitstream/flit/internal/schema"
	"github.com/flitstream/flit/internal/upstream"
)

func newTestLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

type updateCall struct {
	channels []schema.Channel
	users    []string
	timeout  time.Duration
}

type fakeUpstream struct {
	mu      sync.Mutex
	state   upstream.State
	events  chan *schema.Event
	states  chan upstream.State
	updates []updateCall

	connectErr    error
	updateErr     error
	updateStarted chan struct{}
	updateRelease chan struct{}

	closeOnce sync.Once
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		state:  upstream.StateConnected,
		events: make(chan *schema.Event, 32),
		states: make(chan upstream.State, 32),
	}
}

func (f *fakeUpstream) Connect(context.Context) error { return f.connectErr }

func (f *fakeUpstream) Disconnect() error {
	f.closeOnce.Do(func() {
		close(f.events)
		close(f.states)
	})
	return nil
}

func (f *fakeUpstream) State() upstream.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeUpstream) setState(s upstream.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeUpstream) Events() <-chan *schema.Event        { return f.events }
func (f *fakeUpstream) StateChanges() <-chan upstream.State { return f.states }

func (f *fakeUpstream) UpdateSubscription(_ context.Context, channels []schema.Channel, users []string, timeout time.Duration) error {
	f.mu.Lock()
	f.updates = append(f.updates, updateCall{
		channels: append([]schema.Channel(nil), channels...),
		users:    append([]string(nil), users...),
		timeout:  timeout,
	})
	started := f.updateStarted
	release := f.updateRelease
	err := f.updateErr
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return err
}

func (f *fakeUpstream) calls() []updateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]updateCall(nil), f.updates...)
}

func postEvent(id, username, text string) *schema.Event {
	return &schema.Event{
		Type:      schema.EventPostCreated,
		Timestamp: "2025-06-01T12:00:00Z",
		PrimaryID: id,
		User:      schema.Actor{Username: username, DisplayName: username},
		Data:      schema.EventData{Tweet: &schema.Tweet{ID: id, Body: schema.TweetBody{Text: text}}},
	}
}

type coreHarness struct {
	core *Core
	fake *fakeUpstream
	bus  *bus.Bus
}

func newHarness(t *testing.T, mutate func(*Config)) *coreHarness {
	t.Helper()
	fake := newFakeUpstream()
	b := bus.New(bus.Config{}, newTestLogger())
	cfg := Config{
		Channels: []schema.Channel{schema.ChannelAll},
		Users:    nil,
		Filters:  filter.FromConfig(filter.FilterConfig{}),
		Dedup:    dedup.New(0, 0),
		Bus:      b,
		Stats:    NewStats(),
		Client:   fake,
		Logger:   newTestLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	core, err := NewCore(cfg)
	require.NoError(t, err)
	return &coreHarness{core: core, fake: fake, bus: b}
}

// runCore starts Run in the background and returns a stop function that
// cancels it and waits for a clean exit.
func (h *coreHarness) runCore(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.core.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("core did not stop")
		}
	}
}

func collectChannel(b *bus.Bus, channel string) (*sync.Mutex, *[]string) {
	var mu sync.Mutex
	var ids []string
	b.Subscribe(channel, func(_ context.Context, evt *schema.Event) error {
		mu.Lock()
		ids = append(ids, evt.PrimaryID)
		mu.Unlock()
		return nil
	})
	return &mu, &ids
}

func TestIngestPublishesAdmittedEventEverywhere(t *testing.T) {
	h := newHarness(t, nil)
	cliMu, cliIDs := collectChannel(h.bus, bus.ChannelCLI)
	dashMu, dashIDs := collectChannel(h.bus, bus.ChannelDashboard)
	alertMu, alertIDs := collectChannel(h.bus, bus.ChannelAlerts)

	stop := h.runCore(t)
	h.fake.events <- postEvent("t-1", "jess", "hello")

	require.Eventually(t, func() bool {
		return h.core.Stats().Delivered == 1
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	for _, probe := range []struct {
		mu  *sync.Mutex
		ids *[]string
	}{{cliMu, cliIDs}, {dashMu, dashIDs}, {alertMu, alertIDs}} {
		probe.mu.Lock()
		assert.Equal(t, []string{"t-1"}, *probe.ids)
		probe.mu.Unlock()
	}

	snap := h.core.Stats()
	assert.Equal(t, int64(1), snap.Total)
	assert.Equal(t, int64(1), snap.Delivered)
	assert.Equal(t, int64(1), snap.ByType[schema.EventPostCreated])
}

func TestIngestDropsDuplicates(t *testing.T) {
	h := newHarness(t, nil)
	mu, ids := collectChannel(h.bus, bus.ChannelCLI)

	stop := h.runCore(t)
	h.fake.events <- postEvent("t-1", "jess", "hello")
	h.fake.events <- postEvent("t-1", "jess", "hello")
	h.fake.events <- postEvent("t-2", "jess", "again")

	require.Eventually(t, func() bool {
		return h.core.Stats().Total == 3
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	mu.Lock()
	assert.Equal(t, []string{"t-1", "t-2"}, *ids)
	mu.Unlock()

	snap := h.core.Stats()
	assert.Equal(t, int64(3), snap.Total)
	assert.Equal(t, int64(2), snap.Delivered)
	assert.Equal(t, int64(1), snap.Deduped)
}

func TestIngestPreservesUpstreamOrder(t *testing.T) {
	h := newHarness(t, nil)
	mu, ids := collectChannel(h.bus, bus.ChannelDashboard)

	stop := h.runCore(t)
	want := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		id := "t-" + string(rune('a'+i))
		want = append(want, id)
		h.fake.events <- postEvent(id, "jess", "n")
	}

	require.Eventually(t, func() bool {
		return h.core.Stats().Delivered == 20
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	mu.Lock()
	assert.Equal(t, want, *ids)
	mu.Unlock()
}

func TestIngestFiltersSilently(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Filters = filter.FromConfig(filter.FilterConfig{Users: []string{"someoneelse"}})
	})
	mu, ids := collectChannel(h.bus, bus.ChannelCLI)

	stop := h.runCore(t)
	h.fake.events <- postEvent("t-1", "jess", "hello")
	h.fake.events <- postEvent("t-2", "someoneelse", "mine")

	require.Eventually(t, func() bool {
		return h.core.Stats().Total == 2
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	mu.Lock()
	assert.Equal(t, []string{"t-2"}, *ids)
	mu.Unlock()

	snap := h.core.Stats()
	assert.Equal(t, int64(2), snap.Total)
	assert.Equal(t, int64(1), snap.Delivered)
	assert.Zero(t, snap.Deduped)
}

func TestIngestSkipsStructurallyInvalidWithoutCounting(t *testing.T) {
	h := newHarness(t, nil)
	stop := h.runCore(t)

	invalid := postEvent("t-1", "jess", "hello")
	invalid.User.Username = ""
	h.fake.events <- invalid
	h.fake.events <- postEvent("t-2", "jess", "fine")

	require.Eventually(t, func() bool {
		return h.core.Stats().Delivered == 1
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	snap := h.core.Stats()
	assert.Equal(t, int64(1), snap.Total, "invalid events must not be counted")
	assert.Empty(t, snap.UnknownTypes)
}

func TestIngestCountsUnknownTypesAndWarnsOnce(t *testing.T) {
	log, hook := logrustest.NewNullLogger()
	h := newHarness(t, func(cfg *Config) {
		cfg.Logger = logrus.NewEntry(log)
	})
	mu, ids := collectChannel(h.bus, bus.ChannelCLI)

	stop := h.runCore(t)
	mystery := &schema.Event{
		Type:      "mystery_event",
		Timestamp: "2025-06-01T12:00:00Z",
		PrimaryID: "m-1",
		User:      schema.Actor{Username: "jess"},
	}
	h.fake.events <- mystery
	second := *mystery
	second.PrimaryID = "m-2"
	h.fake.events <- &second

	require.Eventually(t, func() bool {
		return h.core.Stats().Total == 2
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	mu.Lock()
	assert.Empty(t, *ids, "unknown types must not be published")
	mu.Unlock()

	snap := h.core.Stats()
	assert.Equal(t, int64(2), snap.UnknownTypes["mystery_event"])
	assert.Zero(t, snap.Delivered)

	warns := 0
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Data["eventType"] == "mystery_event" {
			warns++
		}
	}
	assert.Equal(t, 1, warns, "unknown type warning must fire once per raw type")
}

func TestInitialSubscriptionFromConfig(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Channels = []schema.Channel{schema.ChannelTweets, schema.ChannelTweets}
		cfg.Users = []string{" Alice ", "BOB", "alice"}
	})

	sub := h.core.RuntimeSubscription()
	assert.Equal(t, []schema.Channel{schema.ChannelTweets}, sub.Channels)
	assert.Equal(t, []string{"alice", "bob"}, sub.Users)
	assert.Equal(t, ModeActive, sub.Mode)
	assert.Equal(t, SourceConfig, sub.Source)
}

func TestInitialSubscriptionIdleWhenNoChannels(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Channels = nil
	})
	assert.Equal(t, ModeIdle, h.core.RuntimeSubscription().Mode)
}

func TestUpdateRuntimeSubscriptionNormalizesAndApplies(t *testing.T) {
	h := newHarness(t, nil)

	got, err := h.core.UpdateRuntimeSubscription(context.Background(),
		[]string{"TWEETS", "tweets", "following"},
		[]string{"  Carol ", "BOB", "carol", ""})
	require.NoError(t, err)

	assert.Equal(t, []schema.Channel{schema.ChannelTweets, schema.ChannelFollowing}, got.Channels)
	assert.Equal(t, []string{"bob", "carol"}, got.Users)
	assert.Equal(t, ModeActive, got.Mode)
	assert.Equal(t, SourceRuntime, got.Source)
	assert.False(t, got.UpdatedAt.IsZero())

	calls := h.fake.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []schema.Channel{schema.ChannelTweets, schema.ChannelFollowing}, calls[0].channels)
	assert.Equal(t, []string{"bob", "carol"}, calls[0].users)
	assert.Equal(t, DefaultAckTimeout, calls[0].timeout)

	assert.Equal(t, got.Channels, h.core.RuntimeSubscription().Channels)
}

func TestUpdateRuntimeSubscriptionCollapsesAll(t *testing.T) {
	h := newHarness(t, nil)

	got, err := h.core.UpdateRuntimeSubscription(context.Background(),
		[]string{"tweets", "all", "following"}, []string{})
	require.NoError(t, err)
	assert.Equal(t, []schema.Channel{schema.ChannelAll}, got.Channels)
}

func TestUpdateRuntimeSubscriptionEmptyChannelsGoesIdle(t *testing.T) {
	h := newHarness(t, nil)

	got, err := h.core.UpdateRuntimeSubscription(context.Background(), []string{}, []string{})
	require.NoError(t, err)
	assert.Equal(t, ModeIdle, got.Mode)
	assert.Empty(t, got.Channels)
}

func TestUpdateRuntimeSubscriptionRejectsUnknownChannel(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.core.UpdateRuntimeSubscription(context.Background(), []string{"sports"}, []string{})
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
	assert.Empty(t, h.fake.calls(), "invalid payloads must not reach the transport")
	assert.Equal(t, SourceConfig, h.core.RuntimeSubscription().Source)
}

func TestUpdateRuntimeSubscriptionRequiresUsers(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.core.UpdateRuntimeSubscription(context.Background(), []string{"tweets"}, nil)
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestUpdateRuntimeSubscriptionRequiresConnected(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.setState(upstream.StateReconnecting)

	_, err := h.core.UpdateRuntimeSubscription(context.Background(), []string{"tweets"}, []string{})
	require.Error(t, err)
	assert.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))
	assert.Equal(t, SourceConfig, h.core.RuntimeSubscription().Source)
}

func TestUpdateRuntimeSubscriptionKeepsStateOnAckFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.updateErr = errs.New("upstream", errs.CodeTimeout,
		errs.WithMessage("timed out waiting for subscription ack"))

	_, err := h.core.UpdateRuntimeSubscription(context.Background(), []string{"tweets"}, []string{})
	require.Error(t, err)
	assert.Equal(t, errs.CodeTimeout, errs.CodeOf(err))

	sub := h.core.RuntimeSubscription()
	assert.Equal(t, SourceConfig, sub.Source)
	assert.Equal(t, []schema.Channel{schema.ChannelAll}, sub.Channels)
}

func TestUpdateRuntimeSubscriptionRejectsConcurrentUpdate(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.updateStarted = make(chan struct{}, 1)
	h.fake.updateRelease = make(chan struct{})

	firstErr := make(chan error, 1)
	go func() {
		_, err := h.core.UpdateRuntimeSubscription(context.Background(), []string{"tweets"}, []string{})
		firstErr <- err
	}()

	select {
	case <-h.fake.updateStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("first update never reached the transport")
	}

	_, err := h.core.UpdateRuntimeSubscription(context.Background(), []string{"following"}, []string{})
	require.Error(t, err)
	assert.Equal(t, errs.CodeConflict, errs.CodeOf(err))

	close(h.fake.updateRelease)
	require.NoError(t, <-firstErr)

	sub := h.core.RuntimeSubscription()
	assert.Equal(t, []schema.Channel{schema.ChannelTweets}, sub.Channels,
		"only the in-flight update may land")
}

func TestStateChangesReachListeners(t *testing.T) {
	h := newHarness(t, nil)

	var mu sync.Mutex
	var seen []upstream.State
	h.core.OnStateChange(func(s upstream.State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	stop := h.runCore(t)
	h.fake.states <- upstream.StateConnected
	h.fake.states <- upstream.StateReconnecting

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	mu.Lock()
	assert.Equal(t, []upstream.State{upstream.StateConnected, upstream.StateReconnecting}, seen)
	mu.Unlock()
}

func TestConnectionUptimeTracksConnectedState(t *testing.T) {
	h := newHarness(t, nil)
	stop := h.runCore(t)

	h.fake.states <- upstream.StateConnected
	require.Eventually(t, func() bool {
		return h.core.ConnectionUptime() > 0
	}, 2*time.Second, 5*time.Millisecond)

	h.fake.states <- upstream.StateDisconnected
	require.Eventually(t, func() bool {
		return h.core.ConnectionUptime() == 0
	}, 2*time.Second, 5*time.Millisecond)
	stop()
}

func TestNewCoreRequiresCollaborators(t *testing.T) {
	_, err := NewCore(Config{})
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}
