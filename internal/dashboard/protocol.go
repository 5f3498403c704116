package dashboard

import (
	json "github.com/goccy/go-json"

	"github.com/flitstream/flit/internal/filter"
	"github.com/flitstream/flit/internal/schema"
	"github.com/flitstream/flit/internal/stream"
	"github.com/flitstream/flit/internal/upstream"
)

// Request ops accepted from clients.
const (
	opGetRuntimeSubscription = "getRuntimeSubscription"
	opSetRuntimeSubscription = "setRuntimeSubscription"
	opUpdateFilters          = "updateFilters"
	opRequestActiveUsers     = "requestActiveUsers"
)

// Ops pushed from the server.
const (
	opAck                        = "ack"
	opState                      = "state"
	opEvent                      = "event"
	opActiveUsers                = "activeUsers"
	opFilters                    = "filters"
	opConnectionStatus           = "connectionStatus"
	opRuntimeSubscriptionUpdated = "runtimeSubscriptionUpdated"
)

const forbiddenSubscriptionMessage = "Forbidden: subscription modifications only allowed from local control clients"

// request is a decoded client frame. Requests carrying an id are answered
// with exactly one ack; requests without one are logged and dropped.
type request struct {
	Op   string          `json:"op"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// push is a server-initiated frame.
type push struct {
	Op   string `json:"op"`
	Data any    `json:"data,omitempty"`
}

// ack answers one request, matched by id. Success and Error are mutually
// exclusive.
type ack struct {
	Op      string `json:"op"`
	ID      string `json:"id"`
	Success bool   `json:"success,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// subscriptionRequest is the setRuntimeSubscription payload.
type subscriptionRequest struct {
	Channels []string `json:"channels"`
	Users    []string `json:"users"`
}

// stateSnapshot is the full dashboard state: pushed once on connect and
// served from the REST state endpoint.
type stateSnapshot struct {
	Events            []*schema.Event      `json:"events"`
	ActiveUsers       []string             `json:"activeUsers"`
	ConnectionStatus  string               `json:"connectionStatus"`
	Stats             stream.StatsSnapshot `json:"stats"`
	Filters           filter.FilterConfig  `json:"filters"`
	UnknownEventTypes []string             `json:"unknownEventTypes"`
}

func encodePush(op string, data any) ([]byte, error) {
	return json.Marshal(push{Op: op, Data: data})
}

func encodeAck(id string, data any) ([]byte, error) {
	return json.Marshal(ack{Op: opAck, ID: id, Success: true, Data: data})
}

func encodeAckError(id, message string) ([]byte, error) {
	return json.Marshal(ack{Op: opAck, ID: id, Error: message})
}

// connectionStatus folds the transport lifecycle into the three values the
// dashboard protocol exposes.
func connectionStatus(st upstream.State) string {
	switch st {
	case upstream.StateConnected:
		return "connected"
	case upstream.StateConnecting, upstream.StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}
