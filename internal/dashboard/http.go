package dashboard

import (
	"net/http"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	healthzPath = "/healthz"
	statusPath  = "/status"
	statePath   = "/api/state"
	socketPath  = "/ws"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboards are served from arbitrary origins; auth is not this
	// surface's job.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler assembles the gateway's HTTP surface: liveness, the status
// document, the dashboard state document, and the websocket upgrade.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(healthzPath, methodHandlers(map[string]handlerFunc{
		http.MethodGet: g.handleHealthz,
	}))
	mux.Handle(statusPath, methodHandlers(map[string]handlerFunc{
		http.MethodGet: g.handleStatus,
	}))
	mux.Handle(statePath, methodHandlers(map[string]handlerFunc{
		http.MethodGet: g.handleState,
	}))
	mux.HandleFunc(socketPath, g.ServeWS)
	return withCORS(mux)
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.healthDocument())
}

func (g *Gateway) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.snapshotState())
}

// ServeWS upgrades the request and registers the connection with the hub.
// The control classification is fixed here from the peer address and never
// changes for the life of the connection.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !g.running.Load() {
		writeError(w, http.StatusServiceUnavailable, "dashboard gateway not running")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	id := uuid.NewString()
	c := &client{
		id:      id,
		control: isControlPeer(r.RemoteAddr),
		gw:      g,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		log: g.log.WithFields(logrus.Fields{
			"clientID": id,
			"remote":   r.RemoteAddr,
		}),
	}
	c.log = c.log.WithField("control", c.control)

	if !g.enqueueRegister(c) {
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
