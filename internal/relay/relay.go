// Package relay bridges the completion topic to the broadcast gateway. It
// is a single logical consumer: one consumer-group identity that drains
// order.completed and forwards every event over a persistent connection,
// committing offsets only after the gateway acknowledged the forward.
package relay

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/orderpipe/orderpipe/internal/broker"
	"github.com/orderpipe/orderpipe/internal/event"
	"github.com/orderpipe/orderpipe/internal/metrics"
)

// Forwarder delivers one notification to the gateway and returns only after
// the gateway acknowledged it. Implementations must be safe to call again
// after an error (reconnecting as needed).
type Forwarder interface {
	Forward(ctx context.Context, update event.OrderUpdate) error
	Close() error
}

// Options tunes the relay's retry behaviour.
type Options struct {
	ForwardTimeout time.Duration
	Backoff        time.Duration
	MaxBackoff     time.Duration
}

// Relay drains the completion topic into the gateway.
type Relay struct {
	consumer broker.Consumer
	fwd      Forwarder
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// New creates a relay around an already-subscribed consumer.
func New(consumer broker.Consumer, fwd Forwarder, opts Options, logger *zap.Logger, m *metrics.Metrics) *Relay {
	if opts.ForwardTimeout <= 0 {
		opts.ForwardTimeout = 5 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	return &Relay{consumer: consumer, fwd: fwd, opts: opts, logger: logger, metrics: m}
}

// Run is the relay's main loop. It returns when ctx is cancelled. A
// completion that cannot be forwarded is retried with doubling backoff
// rather than committed-and-dropped; redelivery after a restart is
// acceptable because the gateway broadcast is idempotent for subscribers.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("relay started")

	for {
		msg, err := r.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("relay stopping")
				return nil
			}
			r.logger.Warn("fetch failed", zap.Error(err))
			continue
		}

		var completion event.OrderCompleted
		if err := json.Unmarshal(msg.Value, &completion); err != nil {
			r.logger.Error("dropping malformed completion payload",
				zap.Int64("offset", msg.Offset), zap.Error(err))
			r.commit(msg)
			continue
		}

		update := event.NewOrderUpdate(completion, time.Now().UTC())
		if !r.forward(ctx, update) {
			// ctx cancelled mid-retry; offset stays uncommitted so the
			// event is redelivered on restart.
			return nil
		}
		r.commit(msg)
		r.metrics.CompletionsRelayed.Inc()
		r.logger.Info("completion forwarded", zap.String("order_id", update.ID))
	}
}

// forward retries until the gateway acknowledges or ctx is done. Reports
// whether the forward succeeded.
func (r *Relay) forward(ctx context.Context, update event.OrderUpdate) bool {
	backoff := r.opts.Backoff
	for {
		callCtx, cancel := context.WithTimeout(ctx, r.opts.ForwardTimeout)
		err := r.fwd.Forward(callCtx, update)
		cancel()
		if err == nil {
			return true
		}

		r.metrics.RelayRetries.Inc()
		r.logger.Warn("forward failed, retrying",
			zap.String("order_id", update.ID),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > r.opts.MaxBackoff {
			backoff = r.opts.MaxBackoff
		}
	}
}

func (r *Relay) commit(msg broker.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.consumer.Commit(ctx, msg); err != nil {
		r.logger.Warn("offset commit failed, duplicate forward possible",
			zap.Int64("offset", msg.Offset), zap.Error(err))
	}
}
