package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/orderpipe/orderpipe/internal/event"
	"github.com/orderpipe/orderpipe/internal/metrics"
)

func newTestHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub(8, zap.NewNop(), metrics.New(prometheus.NewRegistry()))
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	return h, cancel
}

// newTestClient builds a client without a real connection; the hub only
// touches the send channel and subscription set.
func newTestClient(h *Hub, id string, buffer int) *Client {
	return &Client{
		ID:            id,
		subscriptions: make(map[string]bool),
		send:          make(chan []byte, buffer),
		hub:           h,
		logger:        zap.NewNop(),
	}
}

func waitForClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d clients, have %d", want, h.ClientCount())
}

func recvEnvelope(t *testing.T, c *Client, timeout time.Duration) envelope {
	t.Helper()
	select {
	case data, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed while expecting a frame")
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("invalid envelope: %v", err)
		}
		return env
	case <-time.After(timeout):
		t.Fatal("timed out waiting for broadcast frame")
		return envelope{}
	}
}

func TestHub_BroadcastReachesAllSubscribers(t *testing.T) {
	h, cancel := newTestHub(t)
	defer cancel()

	c1 := newTestClient(h, "c1", 8)
	c2 := newTestClient(h, "c2", 8)
	h.Register(c1)
	h.Register(c2)
	waitForClients(t, h, 2)

	update := event.OrderUpdate{ID: "order-1", Status: event.StatusCompleted, Quantity: 2}
	h.Broadcast(update)

	for _, c := range []*Client{c1, c2} {
		env := recvEnvelope(t, c, time.Second)
		if env.Event != GlobalEvent {
			t.Errorf("client %s: expected %s, got %q", c.ID, GlobalEvent, env.Event)
		}
		if env.Data.ID != "order-1" || env.Data.Quantity != 2 {
			t.Errorf("client %s: unexpected payload %+v", c.ID, env.Data)
		}
	}
}

func TestHub_ScopedChannelOnlyForSubscribers(t *testing.T) {
	h, cancel := newTestHub(t)
	defer cancel()

	follower := newTestClient(h, "follower", 8)
	follower.subscriptions["X"] = true
	bystander := newTestClient(h, "bystander", 8)
	h.Register(follower)
	h.Register(bystander)
	waitForClients(t, h, 2)

	h.Broadcast(event.OrderUpdate{ID: "X", Status: event.StatusCompleted})

	env := recvEnvelope(t, follower, time.Second)
	if env.Event != GlobalEvent {
		t.Errorf("expected global frame first, got %q", env.Event)
	}
	env = recvEnvelope(t, follower, time.Second)
	if env.Event != "order-X-completed" {
		t.Errorf("expected scoped frame, got %q", env.Event)
	}

	env = recvEnvelope(t, bystander, time.Second)
	if env.Event != GlobalEvent {
		t.Errorf("bystander should only get the global frame, got %q", env.Event)
	}
	select {
	case data := <-bystander.send:
		t.Fatalf("bystander received unexpected extra frame %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_DuplicateBroadcastsDeliveredIndependently(t *testing.T) {
	h, cancel := newTestHub(t)
	defer cancel()

	c := newTestClient(h, "c1", 8)
	h.Register(c)
	waitForClients(t, h, 1)

	update := event.OrderUpdate{ID: "dup", Status: event.StatusCompleted}
	h.Broadcast(update)
	h.Broadcast(update)

	for i := 0; i < 2; i++ {
		env := recvEnvelope(t, c, time.Second)
		if env.Data.ID != "dup" {
			t.Errorf("frame %d: expected dup, got %q", i, env.Data.ID)
		}
	}
}

func TestHub_SlowSubscriberDroppedWithoutDelayingOthers(t *testing.T) {
	h, cancel := newTestHub(t)
	defer cancel()

	slow := newTestClient(h, "slow", 1)
	slow.send <- []byte("stuck") // fill the buffer; nobody is draining it
	fast := newTestClient(h, "fast", 8)
	h.Register(slow)
	h.Register(fast)
	waitForClients(t, h, 2)

	start := time.Now()
	h.Broadcast(event.OrderUpdate{ID: "order-1", Status: event.StatusCompleted})

	env := recvEnvelope(t, fast, 100*time.Millisecond)
	if env.Data.ID != "order-1" {
		t.Errorf("unexpected payload %+v", env.Data)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("fast subscriber waited %v behind a slow one", elapsed)
	}

	// The slow client is disconnected rather than blocking the hub.
	waitForClients(t, h, 1)
}

func TestHub_LateSubscriberReceivesSubsequentBroadcasts(t *testing.T) {
	h, cancel := newTestHub(t)
	defer cancel()

	early := newTestClient(h, "early", 8)
	h.Register(early)
	waitForClients(t, h, 1)

	h.Broadcast(event.OrderUpdate{ID: "first", Status: event.StatusCompleted})
	recvEnvelope(t, early, time.Second)

	late := newTestClient(h, "late", 8)
	h.Register(late)
	waitForClients(t, h, 2)

	h.Broadcast(event.OrderUpdate{ID: "second", Status: event.StatusCompleted})
	for _, c := range []*Client{early, late} {
		env := recvEnvelope(t, c, time.Second)
		if env.Data.ID != "second" {
			t.Errorf("client %s: expected second, got %q", c.ID, env.Data.ID)
		}
	}
}

func TestHub_UnknownOrderStillBroadcast(t *testing.T) {
	h, cancel := newTestHub(t)
	defer cancel()

	c := newTestClient(h, "c1", 8)
	h.Register(c)
	waitForClients(t, h, 1)

	// The gateway keeps no record of work items; an id it never saw is
	// broadcast like any other.
	h.Broadcast(event.OrderUpdate{ID: "never-submitted", Status: event.StatusCompleted})
	env := recvEnvelope(t, c, time.Second)
	if env.Data.ID != "never-submitted" {
		t.Errorf("unexpected payload %+v", env.Data)
	}
}

func TestHub_ShutdownClosesSubscribers(t *testing.T) {
	h, cancel := newTestHub(t)

	c := newTestClient(h, "c1", 8)
	h.Register(c)
	waitForClients(t, h, 1)

	cancel()

	select {
	case _, ok := <-c.send:
		if ok {
			t.Fatal("expected send channel to be closed, got a frame")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for shutdown to close the client")
	}
}
