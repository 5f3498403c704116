// Package console prints admitted events and periodic throughput summaries
// to standard output.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flitstream/flit/internal/bus"
	"github.com/flitstream/flit/internal/schema"
	"github.com/flitstream/flit/internal/stream"
)

const (
	// DefaultStatsInterval is how often the summary line is printed.
	DefaultStatsInterval = 60 * time.Second

	maxSummaryLength = 100
)

var newlineReplacer = strings.NewReplacer("\r", " ", "\n", " ")

// Output is the cli-channel subscriber.
type Output struct {
	stats    *stream.Stats
	log      *logrus.Entry
	interval time.Duration

	mu     sync.Mutex
	w      io.Writer
	busRef *bus.Bus
	subID  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Option adjusts an Output at construction.
type Option func(*Output)

// WithWriter redirects output away from stdout.
func WithWriter(w io.Writer) Option {
	return func(o *Output) {
		if w != nil {
			o.w = w
		}
	}
}

// WithStatsInterval overrides the summary cadence.
func WithStatsInterval(d time.Duration) Option {
	return func(o *Output) {
		if d > 0 {
			o.interval = d
		}
	}
}

// New builds a console output over the shared stats.
func New(stats *stream.Stats, log *logrus.Entry, opts ...Option) *Output {
	o := &Output{
		stats:    stats,
		log:      log,
		interval: DefaultStatsInterval,
		w:        os.Stdout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start subscribes on the cli channel and launches the summary ticker.
// Subsequent calls are no-ops.
func (o *Output) Start(b *bus.Bus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subID != "" {
		return
	}
	o.busRef = b
	o.subID = b.Subscribe(bus.ChannelCLI, o.handleEvent)

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.runTicker(ctx, o.done)
}

// Stop unsubscribes and halts the ticker.
func (o *Output) Stop() {
	o.mu.Lock()
	if o.subID == "" {
		o.mu.Unlock()
		return
	}
	o.busRef.Unsubscribe(o.subID)
	o.subID = ""
	cancel := o.cancel
	done := o.done
	o.cancel = nil
	o.done = nil
	o.mu.Unlock()

	cancel()
	<-done
}

// DisplayStats prints the summary line immediately.
func (o *Output) DisplayStats() {
	o.println(o.statsLine())
}

// IncrementDeduped bumps the shared deduped counter.
func (o *Output) IncrementDeduped() {
	o.stats.IncrementDeduped()
}

func (o *Output) runTicker(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.DisplayStats()
		}
	}
}

func (o *Output) handleEvent(_ context.Context, evt *schema.Event) error {
	o.println(FormatLine(evt))
	return nil
}

func (o *Output) println(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, err := fmt.Fprintln(o.w, line); err != nil && o.log != nil {
		o.log.WithError(err).Warn("console write failed")
	}
}

func (o *Output) statsLine() string {
	snap := o.stats.Snapshot()
	return fmt.Sprintf("events_total=%d delivered=%d deduped=%d rate=%.1f/s",
		snap.Total, snap.Delivered, snap.Deduped, snap.Rate)
}

// FormatLine renders one event as a single console line. Newlines inside the
// summary are flattened to spaces.
func FormatLine(evt *schema.Event) string {
	return fmt.Sprintf("[%s] @%s: %s", evt.Type, evt.User.Username, summarize(evt))
}

func summarize(evt *schema.Event) string {
	if evt.Type == schema.EventProfilePinned {
		return "pinned"
	}
	switch evt.Type.DataKind() {
	case schema.DataPost:
		return truncate(newlineReplacer.Replace(evt.Data.TweetText()))
	case schema.DataFollowing:
		return fmt.Sprintf("followed @%s", evt.Data.FollowingHandle())
	default:
		return "profile updated"
	}
}

// truncate caps the summary at maxSummaryLength runes, appending an ellipsis
// only when something was actually cut.
func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxSummaryLength {
		return s
	}
	return string(runes[:maxSummaryLength]) + "..."
}
