package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// pongWait is the maximum time to wait for a pong reply from the peer.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize is the maximum inbound message size in bytes.
	maxMessageSize = 1024
)

// controlMessage is the JSON frame a subscriber sends to follow or unfollow
// a specific order's scoped channel.
type controlMessage struct {
	Action  string `json:"action"` // "subscribe" | "unsubscribe"
	OrderID string `json:"orderId"`
}

// Client represents one subscriber connection.
type Client struct {
	ID            string
	conn          *websocket.Conn
	subscriptions map[string]bool // order IDs this client follows
	subMu         sync.RWMutex
	send          chan []byte
	hub           *Hub
	logger        *zap.Logger
}

// NewClient wraps an upgraded connection. Register it with the hub and run
// both pumps in their own goroutines.
func NewClient(hub *Hub, conn *websocket.Conn, logger *zap.Logger) *Client {
	return &Client{
		ID:            uuid.New().String(),
		conn:          conn,
		subscriptions: make(map[string]bool),
		send:          make(chan []byte, hub.sendBuffer),
		hub:           hub,
		logger:        logger,
	}
}

// IsSubscribed reports whether this client follows the given order.
func (c *Client) IsSubscribed(orderID string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.subscriptions[orderID]
}

// trySend enqueues data without blocking. Reports false when the buffer is
// full, in which case the hub disconnects the client.
func (c *Client) trySend(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// ReadPump consumes control messages until the connection drops, then
// unregisters the client. Runs in its own goroutine per client.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("client read error", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}

		var cm controlMessage
		if err := json.Unmarshal(msg, &cm); err != nil {
			c.logger.Warn("invalid control message", zap.String("client_id", c.ID), zap.Error(err))
			continue
		}

		switch cm.Action {
		case "subscribe":
			c.subMu.Lock()
			c.subscriptions[cm.OrderID] = true
			c.subMu.Unlock()
		case "unsubscribe":
			c.subMu.Lock()
			delete(c.subscriptions, cm.OrderID)
			c.subMu.Unlock()
		default:
			c.logger.Warn("unknown control action",
				zap.String("client_id", c.ID),
				zap.String("action", cm.Action))
		}
	}
}

// WritePump moves frames from the send channel to the connection. Runs in
// its own goroutine per client; exits when the hub closes the channel.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
