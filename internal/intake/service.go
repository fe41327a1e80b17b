// Package intake accepts new orders over the synchronous boundary and hands
// them to the asynchronous pipeline. Submit returns as soon as the broker
// has durably acknowledged the OrderSubmitted event; processing happens
// elsewhere.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orderpipe/orderpipe/internal/broker"
	"github.com/orderpipe/orderpipe/internal/event"
	"github.com/orderpipe/orderpipe/internal/metrics"
)

// Ack is returned to the caller once the order event is durably accepted.
type Ack struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Options tunes the publish path of the service.
type Options struct {
	Topic           string
	PublishTimeout  time.Duration
	PublishAttempts int
	PublishBackoff  time.Duration
}

// Service validates submissions and publishes OrderSubmitted events.
type Service struct {
	pub     broker.Publisher
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewService creates an intake service publishing to the given topic.
func NewService(pub broker.Publisher, opts Options, logger *zap.Logger, m *metrics.Metrics) *Service {
	if opts.Topic == "" {
		opts.Topic = event.TopicOrders
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
	return &Service{pub: pub, opts: opts, logger: logger, metrics: m}
}

// Submit validates the quantity, assigns a fresh order ID and publishes one
// OrderSubmitted event keyed by that ID. The ack is returned only after the
// broker acknowledged the publish; on failure the caller never receives an
// ID for a message that was not durably accepted.
func (s *Service) Submit(ctx context.Context, quantity int) (Ack, error) {
	if err := event.ValidateQuantity(quantity); err != nil {
		s.metrics.SubmitRejected.Inc()
		return Ack{}, err
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	payload, err := json.Marshal(event.OrderSubmitted{
		ID:          id,
		Quantity:    quantity,
		SubmittedAt: now,
	})
	if err != nil {
		return Ack{}, fmt.Errorf("marshal order: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.opts.PublishTimeout)
	defer cancel()

	if err := broker.PublishRetry(pubCtx, s.pub, s.opts.Topic, []byte(id), payload,
		s.opts.PublishAttempts, s.opts.PublishBackoff); err != nil {
		s.metrics.SubmitFailed.Inc()
		s.logger.Warn("order publish failed",
			zap.String("order_id", id),
			zap.Int("quantity", quantity),
			zap.Error(err))
		return Ack{}, fmt.Errorf("publish order: %w", err)
	}

	s.metrics.OrdersSubmitted.Inc()
	s.logger.Info("order submitted",
		zap.String("order_id", id),
		zap.Int("quantity", quantity))

	return Ack{
		ID:        id,
		Message:   "Order received and being processed",
		Timestamp: now,
	}, nil
}
