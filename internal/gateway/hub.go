// Package gateway implements the broadcast fan-out layer: it owns the
// registry of live WebSocket subscribers and pushes every forwarded
// completion to all of them, plus to subscribers of that specific order.
package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/orderpipe/orderpipe/internal/event"
	"github.com/orderpipe/orderpipe/internal/metrics"
)

// GlobalEvent is the envelope name every subscriber receives for every
// completion. Order-scoped envelopes are named "order-<id>-completed".
const GlobalEvent = "order-update"

func scopedEvent(orderID string) string {
	return "order-" + orderID + "-completed"
}

// envelope is the frame written to subscribers.
type envelope struct {
	Event string            `json:"event"`
	Data  event.OrderUpdate `json:"data"`
}

// Hub owns the subscriber registry. Registry mutation and fan-out are
// serialized through one event loop, so a connect or disconnect occurring
// mid-broadcast neither races nor deadlocks. The hub never deduplicates:
// duplicate completions are broadcast independently and deduplication, if
// needed, is the subscriber's job (keyed by order id).
type Hub struct {
	logger     *zap.Logger
	metrics    *metrics.Metrics
	sendBuffer int

	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan event.OrderUpdate
	mu         sync.RWMutex
}

// NewHub allocates a Hub. Call Run in a dedicated goroutine to start the
// event loop.
func NewHub(sendBuffer int, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if sendBuffer < 1 {
		sendBuffer = 64
	}
	return &Hub{
		logger:     logger,
		metrics:    m,
		sendBuffer: sendBuffer,
		clients:    make(map[string]*Client),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		broadcast:  make(chan event.OrderUpdate, 256),
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, closing
// every subscriber connection on the way out.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.ID] = c
			h.mu.Unlock()
			h.metrics.Subscribers.Inc()
			h.logger.Info("subscriber connected", zap.String("client_id", c.ID))

		case c := <-h.unregister:
			h.remove(c)

		case u := <-h.broadcast:
			h.fanOut(u)
		}
	}
}

// Register enqueues a new subscriber for addition to the registry.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// Unregister enqueues a subscriber for removal.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}

// Broadcast enqueues one completion notification for fan-out.
func (h *Hub) Broadcast(u event.OrderUpdate) {
	h.broadcast <- u
}

// ClientCount reports the number of live subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// fanOut delivers the update to every subscriber and additionally to
// subscribers of this order's scoped channel. Each delivery is a
// non-blocking enqueue onto the subscriber's buffered send channel; a full
// buffer marks the subscriber for disconnection so one slow reader cannot
// delay the rest.
func (h *Hub) fanOut(u event.OrderUpdate) {
	global, err := json.Marshal(envelope{Event: GlobalEvent, Data: u})
	if err != nil {
		h.logger.Error("marshal broadcast failed", zap.Error(err))
		return
	}
	scoped, err := json.Marshal(envelope{Event: scopedEvent(u.ID), Data: u})
	if err != nil {
		h.logger.Error("marshal scoped broadcast failed", zap.Error(err))
		return
	}

	var dropped []*Client

	h.mu.RLock()
	for _, c := range h.clients {
		if !c.trySend(global) {
			dropped = append(dropped, c)
			continue
		}
		h.metrics.BroadcastsSent.Inc()

		if c.IsSubscribed(u.ID) {
			if !c.trySend(scoped) {
				dropped = append(dropped, c)
				continue
			}
			h.metrics.BroadcastsSent.Inc()
		}
	}
	h.mu.RUnlock()

	for _, c := range dropped {
		h.metrics.SubscribersDropped.Inc()
		h.logger.Warn("dropping slow subscriber", zap.String("client_id", c.ID))
		h.remove(c)
	}
}

// remove deletes the client from the registry and closes its send channel,
// which terminates its write pump.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.ID]
	if ok {
		delete(h.clients, c.ID)
	}
	h.mu.Unlock()

	if ok {
		close(c.send)
		h.metrics.Subscribers.Dec()
		h.logger.Info("subscriber disconnected", zap.String("client_id", c.ID))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
		h.metrics.Subscribers.Dec()
	}
}
