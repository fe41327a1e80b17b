package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orderpipe/orderpipe/internal/event"
)

// ingressAck is the acknowledgement frame the gateway writes back for every
// forwarded notification.
type ingressAck struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// WSForwarder forwards notifications to the gateway's ingress endpoint over
// a persistent WebSocket connection with an explicit per-message ack. It is
// not safe for concurrent use; the relay calls it from a single loop.
type WSForwarder struct {
	url    string
	logger *zap.Logger
	dialer *websocket.Dialer
	conn   *websocket.Conn
}

// NewWSForwarder creates a forwarder for the given ws:// ingress URL. The
// connection is established lazily on the first Forward.
func NewWSForwarder(url string, handshakeTimeout time.Duration, logger *zap.Logger) *WSForwarder {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	return &WSForwarder{
		url:    url,
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
}

// Forward writes the update and waits for the gateway's matching ack. Any
// failure tears down the connection so the next call redials; the caller
// owns retry policy.
func (f *WSForwarder) Forward(ctx context.Context, update event.OrderUpdate) error {
	if f.conn == nil {
		conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
		if err != nil {
			return fmt.Errorf("dial gateway ingress: %w", err)
		}
		f.conn = conn
		f.logger.Info("connected to gateway ingress", zap.String("url", f.url))
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}

	if err := f.conn.SetWriteDeadline(deadline); err != nil {
		return f.fail(fmt.Errorf("set write deadline: %w", err))
	}
	if err := f.conn.WriteJSON(update); err != nil {
		return f.fail(fmt.Errorf("write notification: %w", err))
	}

	if err := f.conn.SetReadDeadline(deadline); err != nil {
		return f.fail(fmt.Errorf("set read deadline: %w", err))
	}
	var ack ingressAck
	if err := f.conn.ReadJSON(&ack); err != nil {
		return f.fail(fmt.Errorf("read ack: %w", err))
	}
	if ack.ID != update.ID || ack.Status != "broadcasted" {
		return f.fail(fmt.Errorf("unexpected ack %+v for order %s", ack, update.ID))
	}
	return nil
}

// fail drops the connection so the next Forward redials, and returns err.
func (f *WSForwarder) fail(err error) error {
	if f.conn != nil {
		f.conn.Close() //nolint:errcheck
		f.conn = nil
	}
	return err
}

// Close closes the persistent connection if one is open.
func (f *WSForwarder) Close() error {
	if f.conn == nil {
		return nil
	}
	err := f.conn.Close()
	f.conn = nil
	return err
}
