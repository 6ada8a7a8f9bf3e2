// Package websocket pushes live store events to connected viewers so open
// panes stay current without polling. The outline is shared, so there is no
// per-viewer routing: every connection receives every frame and the pane
// filters locally. The socket is push-only; edits travel through the REST
// and MCP surfaces.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"lattice-core/domain/outline"
)

const (
	registerQueueSize  = 100
	broadcastQueueSize = 1000
	healthInterval     = 30 * time.Second
)

// Frame types beyond the event kinds that pass through from the store.
const (
	FrameHello = "hello"
	FramePing  = "ping"
)

// Frame is the wire format for every message pushed to a viewer. Event
// frames carry the node (the last known record for deletions) and the
// provenance of the mutation; hello and ping frames carry only type and
// timestamp.
type Frame struct {
	Type   string          `json:"type"`
	Node   *outline.Node   `json:"node,omitempty"`
	Source *outline.Source `json:"source,omitempty"`
	TS     int64           `json:"ts"`
}

// NewEventFrame converts a store notification into its wire frame.
func NewEventFrame(ev outline.Event) *Frame {
	src := ev.Source
	return &Frame{
		Type:   string(ev.Kind),
		Node:   ev.Node,
		Source: &src,
		TS:     time.Now().UnixMilli(),
	}
}

// HubStats is a point-in-time snapshot of delivery counters.
type HubStats struct {
	ActiveConnections  int
	FramesSent         int64
	FramesDropped      int64
	SlowClientsEvicted int64
}

// Hub owns every live connection and fans frames out to all of them.
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Frame

	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	statsMu       sync.Mutex
	framesSent    int64
	framesDropped int64
	slowEvictions int64
}

// NewHub creates a hub. Run must be started for frames to flow.
func NewHub(logger *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client, registerQueueSize),
		unregister: make(chan *Client, registerQueueSize),
		broadcast:  make(chan *Frame, broadcastQueueSize),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.Named("ws"),
	}
}

// Run drives the hub until Stop is called. Registration, removal and
// fan-out all funnel through this loop, so the client set is mutated from
// a single goroutine.
func (h *Hub) Run() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.closeAllConnections()
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case frame := <-h.broadcast:
			h.broadcastFrame(frame)

		case <-ticker.C:
			h.pingClients()
		}
	}
}

// Stop shuts the hub down and closes every connection. Safe to call twice.
func (h *Hub) Stop() {
	h.cancel()
}

// Broadcast queues one frame for delivery to every connection. It never
// blocks: store subscribers run on the mutating goroutine, and a full queue
// must not stall an edit. The frame is dropped instead and the caller gets
// the error.
func (h *Hub) Broadcast(f *Frame) error {
	select {
	case h.broadcast <- f:
		return nil
	default:
		h.statsMu.Lock()
		h.framesDropped++
		h.statsMu.Unlock()
		return fmt.Errorf("broadcast queue full, %s frame dropped", f.Type)
	}
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ConnectionsForViewer counts live connections claiming the given identity.
func (h *Hub) ConnectionsForViewer(viewerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for c := range h.clients {
		if c.viewerID == viewerID {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the hub's counters.
func (h *Hub) Stats() HubStats {
	h.statsMu.Lock()
	sent, dropped, evicted := h.framesSent, h.framesDropped, h.slowEvictions
	h.statsMu.Unlock()

	return HubStats{
		ActiveConnections:  h.ConnectionCount(),
		FramesSent:         sent,
		FramesDropped:      dropped,
		SlowClientsEvicted: evicted,
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("viewer connected",
		zap.String("viewer", client.viewerID),
		zap.String("connection", client.id),
		zap.Int("connections", total),
	)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.send)
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("viewer disconnected",
		zap.String("viewer", client.viewerID),
		zap.String("connection", client.id),
		zap.Int("connections", total),
	)
}

// broadcastFrame marshals once and fans out. A client whose send buffer is
// full gets evicted on the spot: one stuck pane must not hold frames for
// the rest, and an evicted viewer reconnects with a fresh hydrate anyway.
func (h *Hub) broadcastFrame(f *Frame) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("frame marshal failed",
			zap.String("type", f.Type),
			zap.Error(err),
		)
		return
	}

	sent := 0
	for _, client := range clients {
		select {
		case client.send <- data:
			sent++
		default:
			h.evict(client)
		}
	}

	h.statsMu.Lock()
	h.framesSent += int64(sent)
	h.statsMu.Unlock()
}

func (h *Hub) evict(client *Client) {
	h.statsMu.Lock()
	h.framesDropped++
	h.slowEvictions++
	h.statsMu.Unlock()

	h.logger.Warn("evicting slow viewer",
		zap.String("viewer", client.viewerID),
		zap.String("connection", client.id),
	)

	// Removal goes through the channel so it serializes with the run loop;
	// closing the connection unblocks both pumps.
	go func() {
		h.unregister <- client
		client.conn.Close()
	}()
}

// pingClients sends an application-level ping so panes can surface staleness
// even when an intermediary answers the protocol pings for them.
func (h *Hub) pingClients() {
	data, err := json.Marshal(&Frame{Type: FramePing, TS: time.Now().UnixMilli()})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Buffer still full at ping time; the next broadcast evicts it.
			h.logger.Warn("viewer missed ping",
				zap.String("viewer", client.viewerID),
				zap.String("connection", client.id),
			)
		}
	}
}

func (h *Hub) closeAllConnections() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		client.conn.Close()
		delete(h.clients, client)
	}

	h.logger.Info("all viewer connections closed")
}
