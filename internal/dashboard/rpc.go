package dashboard

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/flitstream/flit/errs"
	"github.com/flitstream/flit/internal/filter"
)

// subscriptionRPCTimeout bounds setRuntimeSubscription end to end; the
// core's own ack deadline expires first in practice.
const subscriptionRPCTimeout = 15 * time.Second

// handleRequest dispatches one decoded client frame. It runs on the
// client's read goroutine, so a slow RPC stalls only its caller.
func (g *Gateway) handleRequest(c *client, raw []byte) {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		c.log.WithError(err).Warn("Malformed dashboard frame")
		return
	}
	if req.ID == "" {
		c.log.WithField("op", req.Op).Debug("Request without id ignored")
		return
	}

	switch req.Op {
	case opGetRuntimeSubscription:
		g.handleGetSubscription(c, req)
	case opSetRuntimeSubscription:
		g.handleSetSubscription(c, req)
	case opUpdateFilters:
		g.handleUpdateFilters(c, req)
	case opRequestActiveUsers:
		g.handleActiveUsers(c, req)
	default:
		g.observeRPC(req.Op, "unknown")
		g.ackError(c, req.ID, fmt.Sprintf("unknown op %q", req.Op))
	}
}

func (g *Gateway) handleGetSubscription(c *client, req request) {
	g.observeRPC(req.Op, "ok")
	g.ackSuccess(c, req.ID, g.core.RuntimeSubscription())
}

// handleSetSubscription is the only mutating RPC. Non-control clients are
// refused before the payload is even parsed.
func (g *Gateway) handleSetSubscription(c *client, req request) {
	if !c.control {
		c.log.Warn("Rejected subscription update from non-control client")
		g.observeRPC(req.Op, "forbidden")
		g.ackError(c, req.ID, forbiddenSubscriptionMessage)
		return
	}

	var payload subscriptionRequest
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &payload); err != nil {
			g.observeRPC(req.Op, "invalid")
			g.ackError(c, req.ID, "invalid subscription payload")
			return
		}
	}

	ctx, cancel := context.WithTimeout(g.ctx, subscriptionRPCTimeout)
	defer cancel()
	sub, err := g.core.UpdateRuntimeSubscription(ctx, payload.Channels, payload.Users)
	if err != nil {
		c.log.WithError(err).Warn("Runtime subscription update failed")
		outcome := string(errs.CodeOf(err))
		if outcome == "" {
			outcome = "error"
		}
		g.observeRPC(req.Op, outcome)
		g.ackError(c, req.ID, errs.MessageOf(err))
		return
	}

	g.observeRPC(req.Op, "ok")
	g.ackSuccess(c, req.ID, sub)
	g.broadcast(opRuntimeSubscriptionUpdated, sub)
	c.log.WithField("mode", sub.Mode).Info("Runtime subscription updated from dashboard")
}

// handleUpdateFilters replaces the gateway's filter mirror shown in state
// snapshots. It does not reconfigure the admission pipeline.
func (g *Gateway) handleUpdateFilters(c *client, req request) {
	if len(req.Data) == 0 {
		g.observeRPC(req.Op, "invalid")
		g.ackError(c, req.ID, "missing filter payload")
		return
	}
	var cfg filter.FilterConfig
	if err := json.Unmarshal(req.Data, &cfg); err != nil {
		g.observeRPC(req.Op, "invalid")
		g.ackError(c, req.ID, "invalid filter payload")
		return
	}

	g.setFilters(cfg)
	g.observeRPC(req.Op, "ok")
	g.ackSuccess(c, req.ID, cfg)
	g.broadcast(opFilters, cfg)
	c.log.Info("Dashboard filter mirror updated")
}

func (g *Gateway) handleActiveUsers(c *client, req request) {
	g.observeRPC(req.Op, "ok")
	g.ackSuccess(c, req.ID, rosterOrEmpty(g.users.Cached()))
}

func (g *Gateway) ackSuccess(c *client, id string, data any) {
	frame, err := encodeAck(id, data)
	if err != nil {
		c.log.WithError(err).Error("Encode ack")
		return
	}
	g.sendTo(c, frame)
}

func (g *Gateway) ackError(c *client, id, message string) {
	frame, err := encodeAckError(id, message)
	if err != nil {
		c.log.WithError(err).Error("Encode error ack")
		return
	}
	g.sendTo(c, frame)
}
