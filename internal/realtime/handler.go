package realtime

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WelcomeMessage is sent to every client right after the upgrade.
const WelcomeMessage = "connected to stockroom change stream"

// Frame is the envelope for server-originated control frames.
type Frame struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Handler upgrades requests to websocket connections registered on a Hub.
type Handler struct {
	hub      *Hub
	config   ConnConfig
	upgrader websocket.Upgrader
}

// NewHandler creates a Handler. Browser origins must appear in
// allowedOrigins; an empty list accepts every origin.
func NewHandler(hub *Hub, config ConnConfig, allowedOrigins []string) *Handler {
	return &Handler{
		hub:    hub,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		if len(set) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Not a browser.
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ServeHTTP upgrades the connection, writes the welcome frame and hands the
// connection to the hub.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		h.hub.log.Debug("websocket upgrade failed", map[string]interface{}{"error": err.Error(), "remote": r.RemoteAddr})
		return
	}

	c := newConn(ws, h.hub, h.config)

	ws.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
	welcome := Frame{Type: "connection", Message: WelcomeMessage, Timestamp: time.Now().Unix()}
	if err := ws.WriteJSON(welcome); err != nil {
		c.close()
		return
	}

	if err := h.hub.Register(c); err != nil {
		c.log.Debug("rejecting connection", map[string]interface{}{"error": err.Error()})
		c.close()
		return
	}

	go c.writePump()
	go c.readPump()
}
