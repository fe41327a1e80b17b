package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orderpipe/orderpipe/internal/event"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The gateway carries no credentials and broadcasts the same public
	// notifications to everyone, so cross-origin subscribers are allowed.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ingressAck is written back to the relay for every notification received.
type ingressAck struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler exposes the subscriber and ingress WebSocket endpoints.
type Handler struct {
	hub    *Hub
	logger *zap.Logger
}

// NewHandler creates the gateway's WebSocket handler.
func NewHandler(hub *Hub, logger *zap.Logger) *Handler {
	return &Handler{hub: hub, logger: logger}
}

// RegisterRoutes wires the WebSocket endpoints.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws", h.ServeWS).Methods(http.MethodGet)
	r.HandleFunc("/ws/ingress", h.ServeIngress).Methods(http.MethodGet)
}

// ServeWS upgrades a subscriber connection and registers it with the hub.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := NewClient(h.hub, conn, h.logger)
	h.hub.Register(c)
	go c.WritePump()
	go c.ReadPump()
}

// ServeIngress upgrades the relay's persistent connection. Every received
// notification is handed to the hub for fan-out and then acknowledged on
// the same connection, so the relay knows when it may commit its offset.
func (h *Handler) ServeIngress(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	h.logger.Info("relay connected to ingress", zap.String("remote", r.RemoteAddr))

	for {
		var update event.OrderUpdate
		if err := conn.ReadJSON(&update); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("ingress read error", zap.Error(err))
			} else {
				h.logger.Info("relay disconnected from ingress")
			}
			return
		}

		h.hub.Broadcast(update)

		ack := ingressAck{ID: update.ID, Status: "broadcasted", Timestamp: time.Now().UTC()}
		conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
		if err := conn.WriteJSON(ack); err != nil {
			h.logger.Warn("ingress ack write failed", zap.Error(err))
			return
		}
	}
}
