// Package upstream maintains the long-lived WebSocket session to the event
// source, with automatic reconnection and live subscription updates.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/flitstream/flit/errs"
	"github.com/flitstream/flit/internal/schema"
)

// State describes the transport lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

const (
	// Reconnection and keepalive tuning. The server is considered gone
	// after serverSilenceTimeout without any inbound traffic.
	DefaultConnectTimeout  = 20 * time.Second
	DefaultAckTimeout      = 10 * time.Second
	defaultBackoffInitial  = 1 * time.Second
	defaultBackoffMax      = 5 * time.Second
	heartbeatInterval      = 25 * time.Second
	serverSilenceTimeout   = 60 * time.Second
	pingTimeout            = 5 * time.Second
	writeTimeout           = 5 * time.Second
	subscribeMinInterval   = 250 * time.Millisecond
	defaultReadLimit       = 1 << 20
	defaultEventBufferSize = 256
)

const component = "upstream"

// Config carries the connection parameters. Channels and Users form the
// initial subscription replayed on every (re)connect.
type Config struct {
	URL      string
	Token    string
	Channels []schema.Channel
	Users    []string
	Logger   *logrus.Entry

	ConnectTimeout  time.Duration
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	ReadLimit       int64
	EventBufferSize int
}

func (c Config) normalize() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = defaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = defaultEventBufferSize
	}
	return c
}

type subscribeFrame struct {
	Op       string           `json:"op"`
	Channels []schema.Channel `json:"channels"`
	Users    []string         `json:"users,omitempty"`
}

type serverFrame struct {
	Op       string           `json:"op"`
	Channels []schema.Channel `json:"channels,omitempty"`
	Users    []string         `json:"users,omitempty"`
}

// Client owns one upstream WebSocket session. Events decoded from inbound
// frames are delivered on Events(); lifecycle transitions on StateChanges().
type Client struct {
	cfg Config
	log *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	conn   *websocket.Conn
	connMu sync.RWMutex

	subMu    sync.Mutex
	channels []schema.Channel
	users    []string

	stateMu sync.RWMutex
	state   State

	events chan *schema.Event
	states chan State

	ackMu     sync.Mutex
	ackWaiter chan serverFrame

	sendLimiter  *rate.Limiter
	lastActivity atomic.Int64
	started      atomic.Bool
}

// New builds a client; the connection loop starts on Connect.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("upstream URL is required"))
	}
	cfg = cfg.normalize()
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	channels := make([]schema.Channel, len(cfg.Channels))
	copy(channels, cfg.Channels)
	users := make([]string, len(cfg.Users))
	copy(users, cfg.Users)
	return &Client{
		cfg:         cfg,
		log:         log,
		done:        make(chan struct{}),
		channels:    channels,
		users:       users,
		state:       StateDisconnected,
		events:      make(chan *schema.Event, cfg.EventBufferSize),
		states:      make(chan State, 16),
		sendLimiter: rate.NewLimiter(rate.Every(subscribeMinInterval), 1),
	}, nil
}

// Connect launches the connect/read/reconnect loop and returns once it is
// running. The first connect outcome surfaces through StateChanges.
func (c *Client) Connect(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errs.New(component, errs.CodeConflict, errs.WithMessage("client already connected"))
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.run()
	return nil
}

// Disconnect stops the loop, closes the transport, and closes the Events and
// StateChanges channels once the loop has drained.
func (c *Client) Disconnect() error {
	if !c.started.Load() {
		return nil
	}
	c.cancel()
	c.closeConn(websocket.StatusNormalClosure, "shutdown")
	<-c.done
	return nil
}

// State reports the current transport state.
func (c *Client) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Events delivers decoded inbound events. Closed after Disconnect.
func (c *Client) Events() <-chan *schema.Event { return c.events }

// StateChanges delivers transport state transitions. Closed after Disconnect.
func (c *Client) StateChanges() <-chan State { return c.states }

// Subscription returns a copy of the selectors currently replayed on
// reconnect.
func (c *Client) Subscription() ([]schema.Channel, []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	channels := make([]schema.Channel, len(c.channels))
	copy(channels, c.channels)
	users := make([]string, len(c.users))
	copy(users, c.users)
	return channels, users
}

// UpdateSubscription sends a subscribe frame with the new selectors over the
// live connection and waits for the server ack. It fails immediately when
// the transport is not connected. On ack the new selectors become the ones
// replayed after future reconnects.
func (c *Client) UpdateSubscription(ctx context.Context, channels []schema.Channel, users []string, ackTimeout time.Duration) error {
	if c.State() != StateConnected {
		return errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("not connected to upstream"))
	}
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}

	c.ackMu.Lock()
	if c.ackWaiter != nil {
		c.ackMu.Unlock()
		return errs.New(component, errs.CodeConflict,
			errs.WithMessage("subscription update already pending"))
	}
	waiter := make(chan serverFrame, 1)
	c.ackWaiter = waiter
	c.ackMu.Unlock()

	defer func() {
		c.ackMu.Lock()
		c.ackWaiter = nil
		c.ackMu.Unlock()
	}()

	if err := c.sendSubscribe(ctx, channels, users); err != nil {
		return err
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case <-waiter:
		c.subMu.Lock()
		c.channels = append([]schema.Channel(nil), channels...)
		c.users = append([]string(nil), users...)
		c.subMu.Unlock()
		return nil
	case <-timer.C:
		return errs.New(component, errs.CodeTimeout,
			errs.WithMessage("timed out waiting for subscription ack"))
	case <-ctx.Done():
		return errs.New(component, errs.CodeTimeout,
			errs.WithMessage("context done waiting for subscription ack"), errs.WithCause(ctx.Err()))
	case <-c.ctx.Done():
		return errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("client shutting down"))
	}
}

// run keeps a single session alive until the context terminates. Each pass
// dials, replays the current subscription, and runs isolated read and
// heartbeat loops that can cancel one another.
func (c *Client) run() {
	defer func() {
		c.setState(StateDisconnected)
		close(c.events)
		close(c.states)
		close(c.done)
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BackoffInitial
	bo.MaxInterval = c.cfg.BackoffMax

	attempt := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if attempt == 0 {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
		}

		conn, err := c.dial()
		if err != nil {
			c.log.WithError(err).WithField("attempt", attempt+1).Warn("upstream connect failed")
			attempt++
			if !c.sleep(c.nextInterval(bo)) {
				return
			}
			continue
		}

		session := uuid.NewString()
		c.log.WithFields(logrus.Fields{"session": session, "attempt": attempt + 1}).
			Info("upstream connected")

		conn.SetReadLimit(c.cfg.ReadLimit)
		c.setConn(conn)
		c.markActivity()
		c.setState(StateConnected)
		bo.Reset()
		attempt++

		channels, users := c.Subscription()
		if err := c.sendSubscribe(c.ctx, channels, users); err != nil {
			c.log.WithError(err).WithField("session", session).Warn("subscribe after connect failed")
		}

		connCtx, connCancel := context.WithCancel(c.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			errCh <- c.readLoop(connCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- c.heartbeatLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()

		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")

		wg.Wait()
		close(errCh)

		sessionErr := firstErr
		for e := range errCh {
			if sessionErr == nil || errors.Is(sessionErr, context.Canceled) {
				sessionErr = e
			}
		}
		if sessionErr != nil && !errors.Is(sessionErr, context.Canceled) {
			c.log.WithError(sessionErr).WithField("session", session).Warn("upstream connection lost")
		}

		if !c.sleep(c.nextInterval(bo)) {
			return
		}
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
	defer cancel()

	opts := &websocket.DialOptions{}
	if c.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.cfg.Token}}
	}
	conn, resp, err := websocket.Dial(dialCtx, c.cfg.URL, opts)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errs.New(component, errs.CodeNetwork,
			errs.WithMessage(fmt.Sprintf("dial %s", c.cfg.URL)), errs.WithCause(err))
	}
	return conn, nil
}

// readLoop consumes inbound frames, routing control frames to the ack waiter
// and event frames to the Events channel.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return context.Canceled
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}

		c.markActivity()
		if msgType != websocket.MessageText {
			continue
		}

		var frame serverFrame
		if err := json.Unmarshal(data, &frame); err == nil && frame.Op != "" {
			c.handleControlFrame(frame)
			continue
		}

		evt, err := schema.ParseEvent(data)
		if err != nil {
			c.log.WithError(err).Warn("dropping undecodable upstream frame")
			continue
		}
		select {
		case c.events <- evt:
		case <-ctx.Done():
			return context.Canceled
		}
	}
}

func (c *Client) handleControlFrame(frame serverFrame) {
	if frame.Op != "subscribed" {
		c.log.WithField("op", frame.Op).Debug("ignoring unknown control frame")
		return
	}
	c.ackMu.Lock()
	waiter := c.ackWaiter
	c.ackMu.Unlock()
	if waiter != nil {
		select {
		case waiter <- frame:
		default:
		}
		return
	}
	c.log.WithFields(logrus.Fields{
		"channels": frame.Channels,
		"users":    len(frame.Users),
	}).Debug("subscription acknowledged")
}

// heartbeatLoop pings on an interval and forces a reconnect when the server
// has been silent past the tolerance.
func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			if silence := time.Since(c.lastActivityTime()); silence > serverSilenceTimeout {
				return fmt.Errorf("no server activity for %s", silence.Truncate(time.Second))
			}
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
					return context.Canceled
				}
				return fmt.Errorf("ping: %w", err)
			}
			c.markActivity()
		}
	}
}

func (c *Client) sendSubscribe(ctx context.Context, channels []schema.Channel, users []string) error {
	if ctx == nil {
		ctx = c.ctx
	}
	if err := c.sendLimiter.Wait(ctx); err != nil {
		return errs.New(component, errs.CodeTimeout,
			errs.WithMessage("context done while pacing subscribe"), errs.WithCause(err))
	}

	frame := subscribeFrame{Op: "subscribe", Channels: channels, Users: users}
	data, err := json.Marshal(frame)
	if err != nil {
		return errs.New(component, errs.CodeInvalid,
			errs.WithMessage("marshal subscribe frame"), errs.WithCause(err))
	}

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("not connected to upstream"))
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.New(component, errs.CodeNetwork,
			errs.WithMessage("write subscribe frame"), errs.WithCause(err))
	}

	c.log.WithFields(logrus.Fields{
		"channels": channels,
		"users":    len(users),
	}).Debug("subscribe frame sent")
	return nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) closeConn(status websocket.StatusCode, reason string) {
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(status, reason)
		c.conn = nil
	}
	c.connMu.Unlock()
}

func (c *Client) setState(next State) {
	c.stateMu.Lock()
	if c.state == next {
		c.stateMu.Unlock()
		return
	}
	c.state = next
	c.stateMu.Unlock()

	select {
	case c.states <- next:
	default:
		c.log.WithField("state", next).Debug("state change dropped, consumer lagging")
	}
}

func (c *Client) markActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Client) lastActivityTime() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// sleep waits for the interval or context cancellation, reporting whether
// the loop should keep running.
func (c *Client) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Client) nextInterval(bo *backoff.ExponentialBackOff) time.Duration {
	d := bo.NextBackOff()
	if d == backoff.Stop || d > c.cfg.BackoffMax {
		return c.cfg.BackoffMax
	}
	return d
}
