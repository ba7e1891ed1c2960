package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/pipeline"
)

// SnapshotFunc builds the detection message pushed on every tick
type SnapshotFunc func() *DetectionMessage

const clientBuffer = 16

// client is one connection and its outgoing queue. Only the client's
// write pump writes to conn.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// DetectionHub fans detection snapshots and vehicle events out to WebSocket clients
type DetectionHub struct {
	clients map[*client]bool
	mu      sync.RWMutex
	dropped uint64
}

// NewDetectionHub creates a new detection hub
func NewDetectionHub() *DetectionHub {
	return &DetectionHub{
		clients: make(map[*client]bool),
	}
}

// Register adds a connection
func (h *DetectionHub) Register(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()

	log.Printf("[WS] Client registered (total: %d)", total)
	return c
}

// Unregister removes a connection and stops its write pump
func (h *DetectionHub) Unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
		log.Printf("[WS] Client unregistered (total: %d)", len(h.clients))
	}
}

// ClientCount returns the number of connected clients
func (h *DetectionHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many messages were skipped for slow clients
func (h *DetectionHub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Broadcast queues message for every client. Clients whose queue is full miss it.
func (h *DetectionHub) Broadcast(message []byte) {
	h.mu.RLock()
	var dropped uint64
	for c := range h.clients {
		select {
		case c.send <- message:
		default:
			dropped++
		}
	}
	h.mu.RUnlock()

	if dropped > 0 {
		h.mu.Lock()
		h.dropped += dropped
		h.mu.Unlock()
	}
}

// BroadcastDetection sends a detection snapshot
func (h *DetectionHub) BroadcastDetection(msg *DetectionMessage) {
	h.broadcastJSON(msg)
}

// BroadcastEvent sends a vehicle event
func (h *DetectionHub) BroadcastEvent(ev pipeline.VehicleEvent) {
	h.broadcastJSON(NewEventMessage(ev))
}

func (h *DetectionHub) broadcastJSON(v any) {
	if h.ClientCount() == 0 {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[WS] Error marshaling message: %v", err)
		return
	}
	h.Broadcast(data)
}

// Run pushes a snapshot every interval and forwards events until ctx is
// done. A nil or closed events channel only disables event forwarding.
func (h *DetectionHub) Run(ctx context.Context, interval time.Duration, snapshot SnapshotFunc, events <-chan pipeline.VehicleEvent) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			h.BroadcastEvent(ev)
		case <-ticker.C:
			if h.ClientCount() == 0 || snapshot == nil {
				continue
			}
			if msg := snapshot(); msg != nil {
				h.BroadcastDetection(msg)
			}
		}
	}
}

// Close disconnects every client
func (h *DetectionHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
