package dashboard

import (
	"github.com/flitstream/flit/internal/alert"
	"github.com/flitstream/flit/internal/filter"
	"github.com/flitstream/flit/internal/schema"
)

// Health is the document served from the status endpoint.
type Health struct {
	Connection ConnectionHealth              `json:"connection"`
	Events     EventsHealth                  `json:"events"`
	Alerts     map[string]alert.ChannelStats `json:"alerts"`
	Filters    filter.FilterConfig           `json:"filters"`
}

// ConnectionHealth describes the upstream transport.
type ConnectionHealth struct {
	Status        string           `json:"status"`
	Channels      []schema.Channel `json:"channels"`
	UptimeSeconds int64            `json:"uptimeSeconds"`
}

// EventsHealth summarises the admission counters.
type EventsHealth struct {
	Total     int64   `json:"total"`
	Delivered int64   `json:"delivered"`
	Deduped   int64   `json:"deduped"`
	Rate      float64 `json:"rate"`
}

// SetHealthProvider overrides the derived status document with a custom
// one. A nil provider restores the default derivation.
func (g *Gateway) SetHealthProvider(fn func() any) {
	g.healthMu.Lock()
	g.healthFn = fn
	g.healthMu.Unlock()
}

func (g *Gateway) healthDocument() any {
	g.healthMu.RLock()
	fn := g.healthFn
	g.healthMu.RUnlock()
	if fn != nil {
		return fn()
	}

	stats := g.core.Stats()
	sub := g.core.RuntimeSubscription()
	doc := Health{
		Connection: ConnectionHealth{
			Status:        connectionStatus(g.core.ConnectionState()),
			Channels:      sub.Channels,
			UptimeSeconds: int64(g.core.ConnectionUptime().Seconds()),
		},
		Events: EventsHealth{
			Total:     stats.Total,
			Delivered: stats.Delivered,
			Deduped:   stats.Deduped,
			Rate:      stats.Rate,
		},
		Alerts:  map[string]alert.ChannelStats{},
		Filters: g.core.Filters(),
	}
	if g.alerts != nil {
		doc.Alerts = g.alerts.Snapshot()
	}
	return doc
}
