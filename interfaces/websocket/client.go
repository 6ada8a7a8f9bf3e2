package websocket

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong before the connection is dead.
	pongWait = 60 * time.Second

	// Protocol ping cadence; must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Viewers only ever send pongs and small acks.
	maxMessageSize = 4 * 1024

	// Outbound frame buffer per connection.
	sendBufferSize = 256
)

// Client is one live viewer connection.
type Client struct {
	id       string
	viewerID string
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	logger   *zap.Logger
}

// NewClient wraps an upgraded connection for the hub.
func NewClient(viewerID string, hub *Hub, conn *websocket.Conn, logger *zap.Logger) *Client {
	id := uuid.New().String()

	return &Client{
		id:       id,
		viewerID: viewerID,
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		logger: logger.With(
			zap.String("viewer", viewerID),
			zap.String("connection", id),
		),
	}
}

// Start queues the hello frame, registers with the hub and begins the read
// and write pumps. The hello goes into the send buffer before registration
// so it is always the first frame a viewer sees.
func (c *Client) Start() {
	c.queueHello()
	c.hub.register <- c

	go c.writePump()
	go c.readPump()
}

// ID returns the connection's identifier.
func (c *Client) ID() string {
	return c.id
}

// ViewerID returns the identity the connection claimed at upgrade time.
func (c *Client) ViewerID() string {
	return c.viewerID
}

func (c *Client) queueHello() {
	data, err := json.Marshal(&Frame{Type: FrameHello, TS: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	// The channel is freshly made and empty, so this cannot block.
	c.send <- data
}

// readPump drains the connection until it dies, then unregisters. Inbound
// traffic is chatter only; mutations belong to the REST and MCP surfaces.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
			) {
				c.logger.Warn("read failed", zap.Error(err))
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}
		c.handleMessage(bytes.TrimSpace(message))
	}
}

// writePump relays queued frames and keeps the connection alive with
// protocol pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Drain whatever queued while we were writing.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(message []byte) {
	if bytes.Equal(message, []byte(`{"type":"pong"}`)) {
		return
	}
	c.logger.Debug("ignoring inbound message", zap.ByteString("message", message))
}
