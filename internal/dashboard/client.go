package dashboard

import (
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong before the peer is considered gone.
	pongWait = 60 * time.Second

	// Ping interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Largest request frame accepted from a client.
	maxMessageSize = 64 * 1024

	// Outbound frames queued per client before it is dropped as too slow.
	sendBufferSize = 256
)

// Peers connecting from these hosts are control clients: they may invoke
// mutating RPCs. Everyone else is read-only.
var controlHosts = map[string]struct{}{
	"127.0.0.1":        {},
	"::1":              {},
	"::ffff:127.0.0.1": {},
	"localhost":        {},
}

// isControlPeer classifies a connection by its remote address. The
// classification is made once at upgrade time and never revisited.
func isControlPeer(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	_, ok := controlHosts[host]
	return ok
}

// client is one dashboard socket connection. The hub owns the send channel:
// it is the only goroutine that closes it, and all frames reach the client
// through it.
type client struct {
	id      string
	control bool

	gw   *Gateway
	conn *websocket.Conn
	send chan []byte
	log  *logrus.Entry
}

// readPump consumes request frames until the connection dies, then
// unregisters the client.
func (c *client) readPump() {
	defer func() {
		c.gw.enqueueUnregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("Dashboard client read failed")
			}
			return
		}
		c.gw.handleRequest(c, raw)
	}
}

// writePump drains the send channel onto the wire and keeps the connection
// alive with pings. It exits when the hub closes the send channel or a
// write fails.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
