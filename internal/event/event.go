package event

import (
	"errors"
	"fmt"
	"time"
)

// Broker topics. Both are keyed by order ID so that all events for one
// order land on the same partition and are observed in publish order.
const (
	TopicOrders         = "orders"
	TopicOrderCompleted = "order.completed"
)

// Quantity bounds accepted at intake.
const (
	MinQuantity = 1
	MaxQuantity = 10
)

// StatusCompleted is the only server-side order status. There is no
// intermediate "processing" state; anything of that sort is a client-side
// presentation concern.
const StatusCompleted = "completed"

// ErrInvalidQuantity is returned for submissions outside [MinQuantity,
// MaxQuantity]. Nothing is published when it occurs.
var ErrInvalidQuantity = errors.New("quantity must be an integer between 1 and 10")

// OrderSubmitted is the payload written to the orders topic when intake
// accepts a new order.
type OrderSubmitted struct {
	ID          string    `json:"id"`
	Quantity    int       `json:"quantity"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// OrderCompleted is the payload written to the order.completed topic by the
// worker that processed the order. Under redelivery the same order may
// produce more than one of these; downstream consumers must tolerate that.
type OrderCompleted struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	ProcessedAt time.Time `json:"processedAt"`
	Quantity    int       `json:"quantity"`
	ProcessedBy string    `json:"processedBy"`
}

// OrderUpdate is the notification pushed to live subscribers. It is derived
// from an OrderCompleted by the relay and never stored.
type OrderUpdate struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	ProcessedAt time.Time `json:"processedAt"`
	Quantity    int       `json:"quantity"`
	Timestamp   time.Time `json:"timestamp"`
}

// ValidateQuantity checks the intake quantity bounds.
func ValidateQuantity(q int) error {
	if q < MinQuantity || q > MaxQuantity {
		return fmt.Errorf("%w: got %d", ErrInvalidQuantity, q)
	}
	return nil
}

// NewOrderUpdate derives the subscriber-facing notification from a
// completion event. now becomes the relay-side timestamp on the update.
func NewOrderUpdate(c OrderCompleted, now time.Time) OrderUpdate {
	return OrderUpdate{
		ID:          c.ID,
		Status:      c.Status,
		Message:     fmt.Sprintf("Order %s is ready!", c.ID),
		ProcessedAt: c.ProcessedAt,
		Quantity:    c.Quantity,
		Timestamp:   now,
	}
}
