// Package realtime fans change events out to websocket clients.
package realtime

import (
	"sync"

	"github.com/juju/errors"

	"github.com/kimhsiao/stockroom/backend/internal/logging"
	"github.com/kimhsiao/stockroom/backend/internal/metrics"
)

// Reasons a connection is dropped, used in logs and metrics.
const (
	reasonSendBufferFull = "send_buffer_full"
	reasonMissedPongs    = "missed_pongs"
	reasonWriteFailed    = "write_failed"
	reasonClientClosed   = "client_closed"
	reasonShutdown       = "shutdown"
)

// Hub maintains the registered connections and broadcasts frames to them.
type Hub struct {
	mu      sync.RWMutex
	conns   map[*Conn]struct{}
	closed  bool
	metrics *metrics.Collector
	log     *logging.Logger
}

// NewHub creates an empty hub.
func NewHub(m *metrics.Collector, log *logging.Logger) *Hub {
	if log == nil {
		log = logging.Get()
	}
	return &Hub{
		conns:   make(map[*Conn]struct{}),
		metrics: m,
		log:     log.With(map[string]interface{}{"component": "hub"}),
	}
}

// Register adds c to the hub. It fails once the hub is closed.
func (h *Hub) Register(c *Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("hub is closed")
	}
	if !c.setState(StateOpen, StateRegistered) {
		return errors.Errorf("connection %s is %s", c.id, c.State())
	}
	h.conns[c] = struct{}{}
	h.metrics.ClientConnected()
	h.log.Debug("client connected", map[string]interface{}{"conn_id": c.id, "total": len(h.conns)})
	return nil
}

// Unregister removes c from the hub and closes it. It is safe to call more
// than once.
func (h *Hub) Unregister(c *Conn) {
	h.remove(c, reasonClientClosed)
}

func (h *Hub) remove(c *Conn, reason string) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	total := len(h.conns)
	h.mu.Unlock()

	c.close()
	if !ok {
		return
	}
	h.metrics.ClientDisconnected()
	if reason != reasonClientClosed {
		h.metrics.ConnectionDropped(reason)
	}
	h.log.Debug("client disconnected", map[string]interface{}{"conn_id": c.id, "reason": reason, "total": total})
}

// Broadcast queues frame on every registered connection and returns how
// many accepted it. A connection whose send buffer is full is dropped;
// the others still receive the frame.
func (h *Hub) Broadcast(frame []byte) int {
	var sent int
	var slow []*Conn

	h.mu.RLock()
	for c := range h.conns {
		if c.enqueue(frame) {
			sent++
		} else {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("dropping slow client", map[string]interface{}{"conn_id": c.id})
		h.remove(c, reasonSendBufferFull)
	}
	return sent
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close closes every connection and rejects further registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.remove(c, reasonShutdown)
	}
}
