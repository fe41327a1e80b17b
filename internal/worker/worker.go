// Package worker implements one Worker Pool instance. Instances share a
// consumer-group identity on the orders topic; the broker hands each a
// disjoint subset of partitions, so instances compete for work while
// per-order ordering is preserved.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/orderpipe/orderpipe/internal/broker"
	"github.com/orderpipe/orderpipe/internal/event"
	"github.com/orderpipe/orderpipe/internal/metrics"
)

// Options tunes a worker instance.
type Options struct {
	// InstanceID identifies this worker in CompletionEvent.processedBy.
	InstanceID string
	// CompletedTopic receives the completion events.
	CompletedTopic string
	// PerUnit is the simulated processing time per quantity unit.
	PerUnit time.Duration
	// Publish retry budget for completion events.
	PublishTimeout  time.Duration
	PublishAttempts int
	PublishBackoff  time.Duration
}

// Worker consumes OrderSubmitted events one at a time, blocks for the
// simulated duration and publishes an OrderCompleted event. Handling is
// strictly sequential within an instance: one in-flight message at a time,
// which is what keeps per-partition ordering meaningful.
type Worker struct {
	consumer broker.Consumer
	pub      broker.Publisher
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// New creates a worker around an already-subscribed consumer.
func New(consumer broker.Consumer, pub broker.Publisher, opts Options, logger *zap.Logger, m *metrics.Metrics) *Worker {
	if opts.CompletedTopic == "" {
		opts.CompletedTopic = event.TopicOrderCompleted
	}
	if opts.PerUnit <= 0 {
		opts.PerUnit = 2 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.PublishAttempts < 1 {
		opts.PublishAttempts = 1
	}
	if opts.PublishBackoff <= 0 {
		opts.PublishBackoff = 200 * time.Millisecond
	}
	return &Worker{consumer: consumer, pub: pub, opts: opts, logger: logger, metrics: m}
}

// Run is the worker's main loop. It returns when ctx is cancelled; an order
// whose simulated task already started is finished first (fire-and-forget
// work is never abandoned mid-task).
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		zap.String("instance", w.opts.InstanceID),
		zap.Duration("per_unit", w.opts.PerUnit))

	for {
		msg, err := w.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopping", zap.String("instance", w.opts.InstanceID))
				return nil
			}
			w.logger.Warn("fetch failed", zap.Error(err))
			continue
		}
		w.handle(msg)
	}
}

func (w *Worker) handle(msg broker.Message) {
	var order event.OrderSubmitted
	if err := json.Unmarshal(msg.Value, &order); err != nil {
		// Poison pill: redelivering a payload that cannot parse can never
		// succeed, so commit past it and move on.
		w.logger.Error("dropping malformed order payload",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		w.commit(msg)
		return
	}

	duration := time.Duration(order.Quantity) * w.opts.PerUnit
	w.logger.Info("processing order",
		zap.String("order_id", order.ID),
		zap.Int("quantity", order.Quantity),
		zap.Duration("duration", duration))

	start := time.Now()

	// Deliberately uninterruptible: once processing starts the task runs to
	// completion, even across shutdown or client disconnect. If it outlives
	// the group's session timeout the broker reassigns our partitions and
	// redelivers; downstream consumers tolerate the duplicate completion.
	timer := time.NewTimer(duration)
	<-timer.C

	completion := event.OrderCompleted{
		ID:          order.ID,
		Status:      event.StatusCompleted,
		ProcessedAt: time.Now().UTC(),
		Quantity:    order.Quantity,
		ProcessedBy: w.opts.InstanceID,
	}
	payload, err := json.Marshal(completion)
	if err != nil {
		w.logger.Error("marshal completion failed", zap.String("order_id", order.ID), zap.Error(err))
		return
	}

	pubCtx, cancel := context.WithTimeout(context.Background(), w.opts.PublishTimeout)
	defer cancel()

	if err := broker.PublishRetry(pubCtx, w.pub, w.opts.CompletedTopic, []byte(order.ID), payload,
		w.opts.PublishAttempts, w.opts.PublishBackoff); err != nil {
		// Do not commit: the message must be redelivered rather than
		// silently dropped.
		w.logger.Error("completion publish failed, leaving offset uncommitted",
			zap.String("order_id", order.ID),
			zap.Error(err))
		return
	}

	w.commit(msg)
	w.metrics.OrdersProcessed.Inc()
	w.metrics.ProcessingSeconds.Observe(time.Since(start).Seconds())
	w.logger.Info("order completed",
		zap.String("order_id", order.ID),
		zap.String("processed_by", w.opts.InstanceID),
		zap.Duration("took", time.Since(start)))
}

// commit advances the consumption offset. A failed commit is logged and
// accepted: the message will be redelivered and handled idempotently
// downstream.
func (w *Worker) commit(msg broker.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.consumer.Commit(ctx, msg); err != nil {
		w.logger.Warn("offset commit failed, duplicate delivery possible",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
	}
}
