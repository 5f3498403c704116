// Package dashboard serves the relay's monitoring socket and control
// surface: a websocket hub that streams admitted events and state changes
// to connected UIs, a small acked request protocol for control RPCs, and
// the HTTP health endpoints.
package dashboard

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/flitstream/flit/errs"
	"github.com/flitstream/flit/internal/alert"
	"github.com/flitstream/flit/internal/bus"
	"github.com/flitstream/flit/internal/filter"
	"github.com/flitstream/flit/internal/schema"
	"github.com/flitstream/flit/internal/stream"
	"github.com/flitstream/flit/internal/telemetry"
	"github.com/flitstream/flit/internal/upstream"
)

const component = "dashboard"

// Core is the stream surface the gateway reads from and mutates through.
// *stream.Core satisfies it.
type Core interface {
	RuntimeSubscription() stream.RuntimeSubscription
	UpdateRuntimeSubscription(ctx context.Context, channels []string, users []string) (stream.RuntimeSubscription, error)
	Stats() stream.StatsSnapshot
	Filters() filter.FilterConfig
	ConnectionState() upstream.State
	ConnectionUptime() time.Duration
}

// UserSource reports the cached monitored-user roster.
type UserSource interface {
	Cached() []string
}

// AlertSource reports per-channel alert delivery counters.
type AlertSource interface {
	Snapshot() map[string]alert.ChannelStats
}

// Config assembles the gateway's collaborators.
type Config struct {
	Core   Core
	Users  UserSource
	Alerts AlertSource

	// RingSize bounds the event backfill replayed to new clients.
	// Zero means DefaultRingSize.
	RingSize int

	Logger *logrus.Entry
}

// outbound is a frame queued for the hub loop: for one client, or for
// every client when target is nil.
type outbound struct {
	target *client
	frame  []byte
}

// Gateway owns the client set. All registration, fanout, and ring writes
// happen on the hub loop, which is what guarantees a client sees exactly
// one state snapshot before any event frames.
type Gateway struct {
	log    *logrus.Entry
	core   Core
	users  UserSource
	alerts AlertSource

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	events     chan *schema.Event
	out        chan outbound

	ring *eventRing

	filterMu sync.RWMutex
	filters  filter.FilterConfig

	healthMu sync.RWMutex
	healthFn func() any

	busRef *bus.Bus
	subID  string

	started   atomic.Bool
	running   atomic.Bool
	connected atomic.Int64

	clientGauge metric.Int64UpDownCounter
	rpcCounter  metric.Int64Counter
}

// New builds a stopped gateway. The filter mirror is seeded from the
// core's admission config so the first state snapshot reflects it.
func New(cfg Config) (*Gateway, error) {
	if cfg.Core == nil || cfg.Users == nil {
		return nil, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("core and user source are required"))
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		log:        log,
		core:       cfg.Core,
		users:      cfg.Users,
		alerts:     cfg.Alerts,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		events:     make(chan *schema.Event, 16),
		out:        make(chan outbound, 64),
		ring:       newEventRing(cfg.RingSize),
		filters:    cfg.Core.Filters(),
	}

	meter := otel.Meter("dashboard")
	g.clientGauge, _ = meter.Int64UpDownCounter("dashboard.clients.active",
		metric.WithDescription("Connected dashboard clients"),
		metric.WithUnit("{client}"))
	g.rpcCounter, _ = meter.Int64Counter("dashboard.rpc.handled",
		metric.WithDescription("Dashboard RPCs by op and outcome"),
		metric.WithUnit("{request}"))

	return g, nil
}

// Start launches the hub loop and attaches the gateway to the bus. A
// gateway starts at most once; Start after Stop is a no-op.
func (g *Gateway) Start(b *bus.Bus) {
	if !g.started.CompareAndSwap(false, true) {
		return
	}
	if b != nil {
		g.busRef = b
		g.subID = b.Subscribe(bus.ChannelDashboard, g.HandleEvent)
	}
	g.running.Store(true)
	go func() {
		defer close(g.done)
		g.run()
	}()
	g.log.Info("Dashboard gateway started")
}

// Stop detaches from the bus, disconnects every client, and waits for the
// hub loop to exit.
func (g *Gateway) Stop() {
	if !g.started.Load() || !g.running.CompareAndSwap(true, false) {
		return
	}
	if g.busRef != nil {
		g.busRef.Unsubscribe(g.subID)
	}
	g.cancel()
	<-g.done
	g.log.Info("Dashboard gateway stopped")
}

// HandleEvent is the bus subscriber: events are handed to the hub loop,
// which records them in the replay ring and fans them out.
func (g *Gateway) HandleEvent(ctx context.Context, evt *schema.Event) error {
	if evt == nil {
		return nil
	}
	select {
	case g.events <- evt:
	case <-g.ctx.Done():
	case <-ctx.Done():
	}
	return nil
}

// BroadcastConnectionStatus pushes the upstream transport status to every
// client. Wire it to the core's state-change listener.
func (g *Gateway) BroadcastConnectionStatus(st upstream.State) {
	g.broadcast(opConnectionStatus, connectionStatus(st))
}

// BroadcastActiveUsers pushes a refreshed monitored-user roster to every
// client. Wire it to the fetcher's refresh callback.
func (g *Gateway) BroadcastActiveUsers(roster []string) {
	if roster == nil {
		roster = []string{}
	}
	g.broadcast(opActiveUsers, roster)
}

// ClientCount reports the number of registered clients.
func (g *Gateway) ClientCount() int {
	return int(g.connected.Load())
}

func (g *Gateway) run() {
	for {
		select {
		case <-g.ctx.Done():
			g.closeAll()
			return
		case c := <-g.register:
			g.addClient(c)
		case c := <-g.unregister:
			g.removeClient(c, "closed")
		case evt := <-g.events:
			g.ring.Add(evt)
			frame, err := encodePush(opEvent, evt)
			if err != nil {
				g.log.WithError(err).Error("Encode event frame")
				continue
			}
			g.fanout(frame)
		case msg := <-g.out:
			if msg.frame == nil {
				continue
			}
			if msg.target != nil {
				g.deliver(msg.target, msg.frame)
			} else {
				g.fanout(msg.frame)
			}
		}
	}
}

// addClient sends the state snapshot and joins the client to the fanout
// set. Both happen on the hub loop, so nothing can interleave between the
// snapshot and later event frames.
func (g *Gateway) addClient(c *client) {
	frame, err := encodePush(opState, g.snapshotState())
	if err != nil {
		c.log.WithError(err).Error("Encode state snapshot")
		close(c.send)
		return
	}
	g.clients[c] = struct{}{}
	g.deliver(c, frame)
	g.connected.Store(int64(len(g.clients)))
	if g.clientGauge != nil {
		g.clientGauge.Add(g.ctx, 1)
	}
	c.log.WithField("clients", len(g.clients)).Info("Dashboard client connected")
}

func (g *Gateway) removeClient(c *client, reason string) {
	if _, ok := g.clients[c]; !ok {
		return
	}
	delete(g.clients, c)
	close(c.send)
	g.connected.Store(int64(len(g.clients)))
	if g.clientGauge != nil {
		g.clientGauge.Add(g.ctx, -1)
	}
	c.log.WithFields(logrus.Fields{"clients": len(g.clients), "reason": reason}).Info("Dashboard client disconnected")
}

// deliver queues one frame for one client without blocking the hub loop.
// A client whose buffer is full cannot keep up and is dropped.
func (g *Gateway) deliver(c *client, frame []byte) {
	if _, ok := g.clients[c]; !ok {
		return
	}
	select {
	case c.send <- frame:
	default:
		g.removeClient(c, "send buffer full")
	}
}

func (g *Gateway) fanout(frame []byte) {
	for c := range g.clients {
		g.deliver(c, frame)
	}
}

func (g *Gateway) closeAll() {
	for c := range g.clients {
		delete(g.clients, c)
		close(c.send)
	}
	g.connected.Store(0)
}

// broadcast encodes a push frame and hands it to the hub loop for fanout.
func (g *Gateway) broadcast(op string, data any) {
	frame, err := encodePush(op, data)
	if err != nil {
		g.log.WithError(err).WithField("op", op).Error("Encode broadcast frame")
		return
	}
	select {
	case g.out <- outbound{frame: frame}:
	case <-g.ctx.Done():
	}
}

// sendTo queues a frame for a single client via the hub loop.
func (g *Gateway) sendTo(c *client, frame []byte) {
	select {
	case g.out <- outbound{target: c, frame: frame}:
	case <-g.ctx.Done():
	}
}

func (g *Gateway) enqueueRegister(c *client) bool {
	select {
	case g.register <- c:
		return true
	case <-g.ctx.Done():
		return false
	}
}

func (g *Gateway) enqueueUnregister(c *client) {
	select {
	case g.unregister <- c:
	case <-g.ctx.Done():
	}
}

// snapshotState assembles the full dashboard state document.
func (g *Gateway) snapshotState() stateSnapshot {
	stats := g.core.Stats()
	return stateSnapshot{
		Events:            g.ring.Snapshot(),
		ActiveUsers:       rosterOrEmpty(g.users.Cached()),
		ConnectionStatus:  connectionStatus(g.core.ConnectionState()),
		Stats:             stats,
		Filters:           g.filtersSnapshot(),
		UnknownEventTypes: sortedUnknownTypes(stats.UnknownTypes),
	}
}

func (g *Gateway) filtersSnapshot() filter.FilterConfig {
	g.filterMu.RLock()
	defer g.filterMu.RUnlock()
	return g.filters
}

func (g *Gateway) setFilters(cfg filter.FilterConfig) {
	g.filterMu.Lock()
	g.filters = cfg
	g.filterMu.Unlock()
}

func (g *Gateway) observeRPC(op, outcome string) {
	if g.rpcCounter == nil {
		return
	}
	attrs := metric.WithAttributes(telemetry.RPCAttributes(telemetry.Environment(), op, outcome)...)
	g.rpcCounter.Add(g.ctx, 1, attrs)
}

func rosterOrEmpty(roster []string) []string {
	if roster == nil {
		return []string{}
	}
	return roster
}

func sortedUnknownTypes(counts map[string]int64) []string {
	out := make([]string, 0, len(counts))
	for name := range counts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
