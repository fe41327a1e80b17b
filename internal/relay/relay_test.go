package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/orderpipe/orderpipe/internal/broker"
	"github.com/orderpipe/orderpipe/internal/event"
	"github.com/orderpipe/orderpipe/internal/metrics"
)

const testGroup = "completion-relay"

// fakeForwarder records forwarded updates and can be told to fail the
// first n calls.
type fakeForwarder struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	failAll   bool
	forwarded chan event.OrderUpdate
}

func newFakeForwarder() *fakeForwarder {
	return &fakeForwarder{forwarded: make(chan event.OrderUpdate, 16)}
}

func (f *fakeForwarder) Forward(_ context.Context, update event.OrderUpdate) error {
	f.mu.Lock()
	f.calls++
	fail := f.failAll || f.calls <= f.failFirst
	f.mu.Unlock()
	if fail {
		return errors.New("gateway unreachable")
	}
	f.forwarded <- update
	return nil
}

func (f *fakeForwarder) Close() error { return nil }

func (f *fakeForwarder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newRelay(t *testing.T, b *broker.Inmem, fwd Forwarder) (*Relay, broker.Consumer) {
	t.Helper()
	consumer, err := b.Subscribe(event.TopicOrderCompleted, testGroup)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	opts := Options{ForwardTimeout: time.Second, Backoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}
	r := New(consumer, fwd, opts, zap.NewNop(), metrics.New(prometheus.NewRegistry()))
	return r, consumer
}

func publishCompletion(t *testing.T, b *broker.Inmem, completion event.OrderCompleted) {
	t.Helper()
	data, err := json.Marshal(completion)
	if err != nil {
		t.Fatalf("marshal completion failed: %v", err)
	}
	if err := b.Publish(context.Background(), event.TopicOrderCompleted, []byte(completion.ID), data); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

func awaitForward(t *testing.T, fwd *fakeForwarder, timeout time.Duration) event.OrderUpdate {
	t.Helper()
	select {
	case u := <-fwd.forwarded:
		return u
	case <-time.After(timeout):
		t.Fatal("timed out waiting for forward")
		return event.OrderUpdate{}
	}
}

func TestRelay_ForwardsCompletionAsUpdate(t *testing.T) {
	b := broker.NewInmem(broker.DefaultPartitions)
	defer b.Close()
	fwd := newFakeForwarder()
	r, _ := newRelay(t, b, fwd)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx) //nolint:errcheck

	processedAt := time.Now().UTC().Truncate(time.Millisecond)
	publishCompletion(t, b, event.OrderCompleted{
		ID:          "order-1",
		Status:      event.StatusCompleted,
		ProcessedAt: processedAt,
		Quantity:    4,
		ProcessedBy: "worker-1",
	})

	u := awaitForward(t, fwd, 2*time.Second)
	if u.ID != "order-1" || u.Status != event.StatusCompleted || u.Quantity != 4 {
		t.Errorf("unexpected update %+v", u)
	}
	if u.Message != "Order order-1 is ready!" {
		t.Errorf("unexpected message %q", u.Message)
	}
	if !u.ProcessedAt.Equal(processedAt) {
		t.Errorf("processedAt not carried over: %v != %v", u.ProcessedAt, processedAt)
	}
}

func TestRelay_RetriesUntilForwardSucceeds(t *testing.T) {
	b := broker.NewInmem(broker.DefaultPartitions)
	defer b.Close()
	fwd := newFakeForwarder()
	fwd.failFirst = 3
	r, _ := newRelay(t, b, fwd)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx) //nolint:errcheck

	publishCompletion(t, b, event.OrderCompleted{ID: "order-2", Status: event.StatusCompleted})

	u := awaitForward(t, fwd, 2*time.Second)
	if u.ID != "order-2" {
		t.Errorf("unexpected update %+v", u)
	}
	if got := fwd.callCount(); got != 4 {
		t.Errorf("expected 4 forward attempts, got %d", got)
	}
}

func TestRelay_CommitsOnlyAfterAck(t *testing.T) {
	b := broker.NewInmem(broker.DefaultPartitions)
	defer b.Close()

	// First relay instance never gets an ack. Its offset must stay
	// uncommitted so a replacement instance sees the event again.
	stuck := newFakeForwarder()
	stuck.failAll = true
	r1, c1 := newRelay(t, b, stuck)

	ctx1, cancel1 := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r1.Run(ctx1) //nolint:errcheck
		close(done)
	}()

	publishCompletion(t, b, event.OrderCompleted{ID: "order-3", Status: event.StatusCompleted})

	// Let it fail at least once before tearing it down.
	deadline := time.Now().Add(2 * time.Second)
	for stuck.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if stuck.callCount() == 0 {
		t.Fatal("first relay never attempted a forward")
	}

	cancel1()
	<-done
	c1.Close() //nolint:errcheck

	healthy := newFakeForwarder()
	r2, _ := newRelay(t, b, healthy)
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go r2.Run(ctx2) //nolint:errcheck

	u := awaitForward(t, healthy, 2*time.Second)
	if u.ID != "order-3" {
		t.Errorf("expected redelivery of order-3, got %+v", u)
	}
}

func TestRelay_NoRedeliveryAfterCommit(t *testing.T) {
	b := broker.NewInmem(broker.DefaultPartitions)
	defer b.Close()

	fwd := newFakeForwarder()
	r1, c1 := newRelay(t, b, fwd)
	ctx1, cancel1 := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r1.Run(ctx1) //nolint:errcheck
		close(done)
	}()

	publishCompletion(t, b, event.OrderCompleted{ID: "order-4", Status: event.StatusCompleted})
	awaitForward(t, fwd, 2*time.Second)

	// The commit happens after the forward; give the loop a moment.
	time.Sleep(50 * time.Millisecond)
	cancel1()
	<-done
	c1.Close() //nolint:errcheck

	fwd2 := newFakeForwarder()
	r2, _ := newRelay(t, b, fwd2)
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go r2.Run(ctx2) //nolint:errcheck

	select {
	case u := <-fwd2.forwarded:
		t.Fatalf("committed completion redelivered: %+v", u)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRelay_SkipsMalformedPayload(t *testing.T) {
	b := broker.NewInmem(broker.DefaultPartitions)
	defer b.Close()
	fwd := newFakeForwarder()
	r, _ := newRelay(t, b, fwd)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx) //nolint:errcheck

	if err := b.Publish(context.Background(), event.TopicOrderCompleted, []byte("bad"), []byte("{not json")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	publishCompletion(t, b, event.OrderCompleted{ID: "order-5", Status: event.StatusCompleted})

	u := awaitForward(t, fwd, 2*time.Second)
	if u.ID != "order-5" {
		t.Errorf("expected order-5 after skipping garbage, got %+v", u)
	}
	select {
	case u := <-fwd.forwarded:
		t.Fatalf("unexpected extra forward %+v", u)
	case <-time.After(100 * time.Millisecond):
	}
}
