package alert

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/flitstream/flit/internal/bus"
	"github.com/flitstream/flit/internal/schema"
	"github.com/flitstream/flit/internal/telemetry"
)

// ChannelStats counts deliveries per channel. Silent drops (disabled or
// rate-limited) touch neither counter.
type ChannelStats struct {
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
}

// Output fans one Message per admitted event out to every enabled channel.
type Output struct {
	log      *logrus.Entry
	channels []Channel

	mu    sync.Mutex
	stats map[string]*ChannelStats

	busRef *bus.Bus
	subID  string

	sendDuration      metric.Float64Histogram
	dispatchedCounter metric.Int64Counter
}

// NewOutput wires the given channels; disabled channels are kept but never
// receive sends and never appear in Snapshot.
func NewOutput(channels []Channel, log *logrus.Entry) *Output {
	o := &Output{
		log:      log,
		channels: channels,
		stats:    make(map[string]*ChannelStats),
	}
	for _, ch := range channels {
		if ch.Enabled() {
			o.stats[ch.Name()] = &ChannelStats{}
		}
	}

	meter := otel.Meter("alerts")
	o.sendDuration, _ = meter.Float64Histogram("alerts.send.duration",
		metric.WithDescription("Latency of alert channel sends"),
		metric.WithUnit("ms"))
	o.dispatchedCounter, _ = meter.Int64Counter("alerts.dispatched",
		metric.WithDescription("Alert sends by channel and result"),
		metric.WithUnit("{alert}"))

	return o
}

// Start subscribes the output on the alerts channel. Calling Start on a
// started output is a no-op.
func (o *Output) Start(b *bus.Bus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subID != "" {
		return
	}
	o.busRef = b
	o.subID = b.Subscribe(bus.ChannelAlerts, o.handleEvent)
}

// Stop unsubscribes from the bus.
func (o *Output) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busRef == nil || o.subID == "" {
		return
	}
	o.busRef.Unsubscribe(o.subID)
	o.subID = ""
}

// Snapshot copies the per-channel counters.
func (o *Output) Snapshot() map[string]ChannelStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]ChannelStats, len(o.stats))
	for name, s := range o.stats {
		out[name] = *s
	}
	return out
}

// handleEvent formats the message once and dispatches to every enabled
// channel concurrently. One channel's failure never affects the others.
func (o *Output) handleEvent(ctx context.Context, evt *schema.Event) error {
	msg := FormatMessage(evt)

	var wg conc.WaitGroup
	for _, ch := range o.channels {
		channel := ch
		if !channel.Enabled() {
			continue
		}
		wg.Go(func() {
			start := time.Now()
			delivered, err := channel.Send(ctx, msg)
			o.observeSend(ctx, channel.Name(), delivered, err, time.Since(start))

			switch {
			case err != nil:
				o.recordFailure(channel.Name())
				o.log.WithError(err).WithFields(logrus.Fields{
					"channel":   channel.Name(),
					"eventType": msg.EventType,
				}).Warn("alert delivery failed")
			case delivered:
				o.recordSent(channel.Name())
			}
		})
	}
	if recovered := wg.WaitAndRecover(); recovered != nil {
		o.log.WithField("panic", recovered.Value).Error("alert channel panicked")
	}
	return nil
}

func (o *Output) recordSent(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.stats[name]; ok {
		s.Sent++
	}
}

func (o *Output) recordFailure(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.stats[name]; ok {
		s.Failed++
	}
}

func (o *Output) observeSend(ctx context.Context, name string, delivered bool, err error, elapsed time.Duration) {
	result := "dropped"
	switch {
	case err != nil:
		result = "failed"
	case delivered:
		result = "sent"
	}
	attrs := metric.WithAttributes(telemetry.AlertAttributes(telemetry.Environment(), name, result)...)
	if o.sendDuration != nil {
		o.sendDuration.Record(ctx, float64(elapsed.Microseconds())/1000.0, attrs)
	}
	if o.dispatchedCounter != nil {
		o.dispatchedCounter.Add(ctx, 1, attrs)
	}
}
