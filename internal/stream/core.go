package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/flitstream/flit/errs"
	"github.com/flitstream/flit/internal/bus"
	"github.com/flitstream/flit/internal/dedup"
	"github.com/flitstream/flit/internal/filter"
	"github.com/flitstream/flit/internal/schema"
	"github.com/flitstream/flit/internal/telemetry"
	"github.com/flitstream/flit/internal/upstream"
)

const component = "stream"

// DefaultAckTimeout bounds how long a runtime-subscription update waits for
// the upstream ack.
const DefaultAckTimeout = 10 * time.Second

// Upstream is the transport surface the core drives. *upstream.Client
// satisfies it; tests substitute fakes.
type Upstream interface {
	Connect(ctx context.Context) error
	Disconnect() error
	State() upstream.State
	Events() <-chan *schema.Event
	StateChanges() <-chan upstream.State
	UpdateSubscription(ctx context.Context, channels []schema.Channel, users []string, ackTimeout time.Duration) error
}

// Config assembles the core's collaborators. Client may be nil, in which
// case the core constructs the real upstream client from URL and Token.
type Config struct {
	URL   string
	Token string

	Channels []schema.Channel
	Users    []string

	Filters *filter.Pipeline
	Dedup   *dedup.Cache
	Bus     *bus.Bus
	Stats   *Stats

	Client     Upstream
	AckTimeout time.Duration
	Debug      bool
	Logger     *logrus.Entry
}

// Core runs the admission pipeline and owns the upstream connection.
type Core struct {
	log   *logrus.Entry
	debug bool

	filters *filter.Pipeline
	dedup   *dedup.Cache
	bus     *bus.Bus
	stats   *Stats
	client  Upstream

	ackTimeout time.Duration

	subMu sync.RWMutex
	sub   RuntimeSubscription

	updating atomic.Bool

	stateMu     sync.RWMutex
	connectedAt time.Time
	listeners   []func(upstream.State)

	processedCounter metric.Int64Counter
}

// NewCore validates the wiring and derives the initial subscription state
// from configuration.
func NewCore(cfg Config) (*Core, error) {
	if cfg.Bus == nil || cfg.Filters == nil || cfg.Dedup == nil || cfg.Stats == nil {
		return nil, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("bus, filters, dedup, and stats are required"))
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}

	channels := NormalizeChannels(cfg.Channels)
	users := NormalizeUsers(cfg.Users)

	client := cfg.Client
	if client == nil {
		real, err := upstream.New(upstream.Config{
			URL:      cfg.URL,
			Token:    cfg.Token,
			Channels: channels,
			Users:    users,
			Logger:   log,
		})
		if err != nil {
			return nil, err
		}
		client = real
	}

	c := &Core{
		log:        log,
		debug:      cfg.Debug,
		filters:    cfg.Filters,
		dedup:      cfg.Dedup,
		bus:        cfg.Bus,
		stats:      cfg.Stats,
		client:     client,
		ackTimeout: cfg.AckTimeout,
		sub: RuntimeSubscription{
			Channels:  channels,
			Users:     users,
			Mode:      modeFor(channels),
			Source:    SourceConfig,
			UpdatedAt: time.Now(),
		},
	}

	meter := otel.Meter("stream")
	c.processedCounter, _ = meter.Int64Counter("stream.events.processed",
		metric.WithDescription("Events processed by the admission pipeline, by outcome"),
		metric.WithUnit("{event}"))

	return c, nil
}

// OnStateChange registers a listener invoked from the run loop for every
// upstream transition. Register before Run.
func (c *Core) OnStateChange(fn func(upstream.State)) {
	if fn == nil {
		return
	}
	c.stateMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.stateMu.Unlock()
}

// Run connects the upstream client and consumes its events and state
// transitions until the context is cancelled. Events are ingested one at a
// time, so subscriber ordering matches upstream order.
func (c *Core) Run(ctx context.Context) error {
	if err := c.client.Connect(ctx); err != nil {
		return err
	}

	events := c.client.Events()
	states := c.client.StateChanges()
	ctxDone := ctx.Done()

	for {
		select {
		case <-ctxDone:
			ctxDone = nil
			_ = c.client.Disconnect()
		case evt, ok := <-events:
			if !ok {
				events = nil
				break
			}
			c.ingest(ctx, evt)
		case st, ok := <-states:
			if !ok {
				states = nil
				break
			}
			c.handleStateChange(st)
		}
		if events == nil && states == nil {
			return nil
		}
	}
}

// ingest is the admission pipeline: validate, count, filter, dedup, publish.
func (c *Core) ingest(ctx context.Context, evt *schema.Event) {
	if evt == nil {
		return
	}
	if err := evt.ValidateStructure(); err != nil {
		if c.debug {
			c.log.WithError(err).Debug("dropping malformed event")
		}
		c.observe(ctx, string(evt.Type), telemetry.OutcomeInvalid)
		return
	}

	if !evt.Type.Valid() {
		raw := string(evt.Type)
		if c.stats.RecordUnknown(raw) == 1 {
			c.log.WithField("eventType", raw).Warn("unknown event type, dropping")
		}
		c.observe(ctx, raw, telemetry.OutcomeUnknownType)
		return
	}
	c.stats.RecordEvent(evt.Type)

	if !c.filters.Apply(evt) {
		c.observe(ctx, string(evt.Type), telemetry.OutcomeFiltered)
		return
	}

	fp := dedup.Fingerprint(evt)
	if c.dedup.Seen(fp) {
		c.stats.RecordDeduped()
		c.observe(ctx, string(evt.Type), telemetry.OutcomeDeduped)
		return
	}
	c.dedup.Admit(fp)
	c.stats.RecordDelivered()

	var wg conc.WaitGroup
	for _, channel := range []string{bus.ChannelCLI, bus.ChannelDashboard, bus.ChannelAlerts} {
		ch := channel
		wg.Go(func() { c.bus.Publish(ctx, ch, evt) })
	}
	wg.Wait()

	c.observe(ctx, string(evt.Type), telemetry.OutcomeAdmitted)
	if c.debug {
		c.log.Infof("Event processed: %s from @%s", evt.Type, evt.User.Username)
	}
}

func (c *Core) handleStateChange(st upstream.State) {
	c.stateMu.Lock()
	if st == upstream.StateConnected {
		c.connectedAt = time.Now()
	} else {
		c.connectedAt = time.Time{}
	}
	listeners := append([](func(upstream.State))(nil), c.listeners...)
	c.stateMu.Unlock()

	c.log.WithField("state", st).Info("upstream state changed")
	for _, fn := range listeners {
		fn(st)
	}
}

// UpdateRuntimeSubscription validates, normalizes, and applies a new
// upstream selection. Only one update may be in flight; a concurrent call
// is rejected. The stored state changes only after the upstream ack.
func (c *Core) UpdateRuntimeSubscription(ctx context.Context, channels []string, users []string) (RuntimeSubscription, error) {
	if !c.updating.CompareAndSwap(false, true) {
		return RuntimeSubscription{}, errs.New(component, errs.CodeConflict,
			errs.WithMessage("subscription update already in progress"))
	}
	defer c.updating.Store(false)

	if users == nil {
		return RuntimeSubscription{}, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("users must be provided"))
	}
	parsed := make([]schema.Channel, 0, len(channels))
	for _, raw := range channels {
		ch, ok := schema.ParseChannel(raw)
		if !ok {
			return RuntimeSubscription{}, errs.New(component, errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("unknown channel %q", raw)))
		}
		parsed = append(parsed, ch)
	}

	normalizedChannels := NormalizeChannels(parsed)
	normalizedUsers := NormalizeUsers(users)

	if c.client.State() != upstream.StateConnected {
		return RuntimeSubscription{}, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("not connected to upstream"))
	}
	if err := c.client.UpdateSubscription(ctx, normalizedChannels, normalizedUsers, c.ackTimeout); err != nil {
		return RuntimeSubscription{}, err
	}

	c.subMu.Lock()
	c.sub = RuntimeSubscription{
		Channels:  normalizedChannels,
		Users:     normalizedUsers,
		Mode:      modeFor(normalizedChannels),
		Source:    SourceRuntime,
		UpdatedAt: time.Now(),
	}
	out := c.sub.clone()
	c.subMu.Unlock()

	c.log.WithFields(logrus.Fields{
		"channels": normalizedChannels,
		"users":    len(normalizedUsers),
		"mode":     out.Mode,
	}).Info("runtime subscription updated")
	return out, nil
}

// RuntimeSubscription returns a copy of the effective selection.
func (c *Core) RuntimeSubscription() RuntimeSubscription {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.sub.clone()
}

// Stats returns a snapshot of the admission counters.
func (c *Core) Stats() StatsSnapshot { return c.stats.Snapshot() }

// Filters returns the filter configuration the pipeline was built from.
func (c *Core) Filters() filter.FilterConfig { return c.filters.Snapshot() }

// ConnectionState reports the upstream transport state.
func (c *Core) ConnectionState() upstream.State { return c.client.State() }

// ConnectionUptime is the time since the last successful connect, zero when
// not connected.
func (c *Core) ConnectionUptime() time.Duration {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.connectedAt.IsZero() {
		return 0
	}
	return time.Since(c.connectedAt)
}

func (c *Core) observe(ctx context.Context, eventType, outcome string) {
	if c.processedCounter == nil {
		return
	}
	c.processedCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.EventAttributes(telemetry.Environment(), eventType, outcome)...))
}
