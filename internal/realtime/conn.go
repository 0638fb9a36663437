package realtime

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"github.com/kimhsiao/stockroom/backend/internal/logging"
)

const (
	// maxMessageSize bounds client frames; clients only send liveness pings.
	maxMessageSize = 4096
	// closeGracePeriod bounds the close frame sent to a departing client.
	closeGracePeriod = time.Second
)

// State is the lifecycle state of a Conn.
type State int32

const (
	// StateOpen is a connection that has been upgraded but not registered.
	StateOpen State = iota
	// StateRegistered is a connection that receives broadcasts.
	StateRegistered
	// StateClosed is a connection that has been shut down.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ConnConfig holds per-connection liveness and buffering settings.
type ConnConfig struct {
	// PingInterval is the time between liveness probes.
	PingInterval time.Duration
	// WriteWait bounds every write to the peer.
	WriteWait time.Duration
	// MaxMissedPongs is the number of unanswered probes after which the
	// connection is dropped.
	MaxMissedPongs int
	// SendBuffer is the number of frames queued per connection.
	SendBuffer int
}

// Conn is one websocket client.
type Conn struct {
	id     string
	ws     *websocket.Conn
	hub    *Hub
	config ConnConfig
	log    *logging.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	state     atomic.Int32
	missed    atomic.Int32
}

func newConn(ws *websocket.Conn, hub *Hub, config ConnConfig) *Conn {
	id := xid.New().String()
	return &Conn{
		id:     id,
		ws:     ws,
		hub:    hub,
		config: config,
		log:    hub.log.With(map[string]interface{}{"conn_id": id}),
		send:   make(chan []byte, config.SendBuffer),
		done:   make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) setState(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// enqueue queues frame without blocking. It reports false when the
// connection is closed or its buffer is full.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		if c.ws != nil {
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(closeGracePeriod))
			c.ws.Close()
		}
	})
}

type clientMessage struct {
	Action string `json:"action"`
}

var pongFrame = []byte(`{"type":"pong"}`)

// readPump reads client frames until the connection fails. Control frames
// are handled by the pong handler during reads.
func (c *Conn) readPump() {
	defer c.hub.Unregister(c)

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		c.missed.Store(0)
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read failed", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Action == "ping" {
			c.enqueue(pongFrame)
		}
	}
}

// writePump writes queued frames and liveness probes. It is the only
// writer once the connection is registered.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.hub.remove(c, reasonWriteFailed)
				return
			}

		case <-ticker.C:
			if int(c.missed.Load()) >= c.config.MaxMissedPongs {
				c.log.Info("client missed liveness probes", map[string]interface{}{"missed": c.missed.Load()})
				c.hub.remove(c, reasonMissedPongs)
				return
			}
			// Count the probe before sending it so a fast pong cannot be
			// overwritten.
			c.missed.Add(1)
			c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.remove(c, reasonWriteFailed)
				return
			}
		}
	}
}
