// Package bus implements the in-process pub/sub that fans admitted events
// out to the relay outputs.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/flitstream/flit/internal/schema"
	"github.com/flitstream/flit/internal/telemetry"
)

// Well-known output channels.
const (
	ChannelCLI       = "cli"
	ChannelDashboard = "dashboard"
	ChannelAlerts    = "alerts"
)

// DefaultFanoutWorkers bounds concurrent handler invocations per publish.
const DefaultFanoutWorkers = 8

// Handler consumes one published event. Returning an error marks the
// delivery failed for this subscriber only; it never affects peers or the
// publisher.
type Handler func(ctx context.Context, evt *schema.Event) error

// Config tunes the bus.
type Config struct {
	FanoutWorkers int
}

func (c Config) normalize() Config {
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = DefaultFanoutWorkers
	}
	return c
}

type subscription struct {
	id      string
	channel string
	handler Handler
}

// Bus is a single-process pub/sub keyed by string channel. Publish invokes
// every subscriber concurrently and returns only after all of them settle.
type Bus struct {
	cfg Config
	log *logrus.Entry

	mu       sync.RWMutex
	channels map[string]map[string]*subscription
	nextID   uint64

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	deliveryErrorCounter   metric.Int64Counter
	fanoutHistogram        metric.Int64Histogram
	publishDuration        metric.Float64Histogram
}

// New constructs an empty bus.
func New(cfg Config, log *logrus.Entry) *Bus {
	cfg = cfg.normalize()
	b := &Bus{
		cfg:      cfg,
		log:      log,
		channels: make(map[string]map[string]*subscription),
	}

	meter := otel.Meter("eventbus")
	b.eventsPublishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	b.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	b.deliveryErrorCounter, _ = meter.Int64Counter("eventbus.delivery.errors",
		metric.WithDescription("Number of event delivery errors"),
		metric.WithUnit("{error}"))
	b.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	b.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))

	return b
}

// Subscribe registers a handler on the channel and returns its subscription id.
func (b *Bus) Subscribe(channel string, handler Handler) string {
	if channel == "" || handler == nil {
		return ""
	}
	id := fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1))
	sub := &subscription{id: id, channel: channel, handler: handler}

	b.mu.Lock()
	if _, ok := b.channels[channel]; !ok {
		b.channels[channel] = make(map[string]*subscription)
	}
	b.channels[channel][id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.ChannelAttributes(telemetry.Environment(), channel)...))
	}
	return id
}

// Unsubscribe removes the subscription with the given id.
func (b *Bus) Unsubscribe(id string) bool {
	if id == "" {
		return false
	}
	b.mu.Lock()
	for channel, subs := range b.channels {
		if _, ok := subs[id]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.channels, channel)
			}
			b.mu.Unlock()
			if b.subscriberGauge != nil {
				b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
					telemetry.ChannelAttributes(telemetry.Environment(), channel)...))
			}
			return true
		}
	}
	b.mu.Unlock()
	return false
}

// Publish invokes every subscriber on the channel concurrently and returns
// after all of them have settled. Handler errors and panics are logged with
// the subscription id and channel; they never propagate to other handlers or
// to the caller. Publishing to a channel with no subscribers is a no-op.
func (b *Bus) Publish(ctx context.Context, channel string, evt *schema.Event) {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt == nil || channel == "" {
		return
	}

	start := time.Now()
	defer func() {
		if b.publishDuration != nil {
			b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0,
				metric.WithAttributes(telemetry.ChannelAttributes(telemetry.Environment(), channel)...))
		}
	}()

	// Snapshot subscribers before fanning out; the lock is never held
	// across handler invocations.
	b.mu.RLock()
	subMap := b.channels[channel]
	subscribers := make([]*subscription, 0, len(subMap))
	for _, sub := range subMap {
		subscribers = append(subscribers, sub)
	}
	b.mu.RUnlock()

	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(len(subscribers)), metric.WithAttributes(
			telemetry.ChannelAttributes(telemetry.Environment(), channel)...))
	}
	if len(subscribers) == 0 {
		return
	}

	p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, subscriber := range subscribers {
		sub := subscriber
		p.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					b.recordDeliveryError(ctx, channel, sub.id, fmt.Errorf("handler panic: %v", r))
				}
			}()
			if err := sub.handler(ctx, evt); err != nil {
				b.recordDeliveryError(ctx, channel, sub.id, err)
			}
		})
	}
	p.Wait()

	if b.eventsPublishedCounter != nil {
		b.eventsPublishedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.ChannelAttributes(telemetry.Environment(), channel)...))
	}
}

// Channels lists the channels that currently have subscribers.
func (b *Bus) Channels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.channels))
	for channel := range b.channels {
		out = append(out, channel)
	}
	return out
}

// SubscriberCount returns the number of subscribers on the channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}

// Clear removes every subscription.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = make(map[string]map[string]*subscription)
}

func (b *Bus) recordDeliveryError(ctx context.Context, channel, subscriptionID string, err error) {
	if b.log != nil {
		b.log.WithFields(logrus.Fields{
			"channel":      channel,
			"subscription": subscriptionID,
		}).WithError(err).Error("event handler failed")
	}
	if b.deliveryErrorCounter != nil {
		b.deliveryErrorCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.ChannelAttributes(telemetry.Environment(), channel)...))
	}
}
