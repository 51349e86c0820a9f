// Package events carries domain events out of the core after the triggering
// transaction has committed. Delivery is at-least-once and never feeds back
// into the transaction.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	OrderCreated       = "order.created"
	OrderReserved      = "order.reserved"
	OrderPaid          = "order.paid"
	OrderProcessing    = "order.processing"
	OrderFulfilled     = "order.fulfilled"
	OrderShipped       = "order.shipped"
	OrderDelivered     = "order.delivered"
	OrderCancelled     = "order.cancelled"
	OrderRefunded      = "order.refunded"
	OrderStatusChanged = "order.status_changed"
	PaymentCreated     = "payment.created"
	PaymentSucceeded   = "payment.succeeded"
	PaymentFailed      = "payment.failed"
)

const schemaVersion = 1

type Event struct {
	ID          string         `json:"event_id"`
	Name        string         `json:"event_type"`
	Version     int            `json:"event_version"`
	AggregateID int64          `json:"aggregate_id"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Payload     map[string]any `json:"payload"`
}

func New(name string, aggregateID int64, payload map[string]any) Event {
	return Event{
		ID:          uuid.NewString(),
		Name:        name,
		Version:     schemaVersion,
		AggregateID: aggregateID,
		OccurredAt:  time.Now().UTC(),
		Payload:     payload,
	}
}

// Sink accepts events for asynchronous delivery. Emit must only be called
// after the state change the events describe has committed.
type Sink interface {
	Emit(ctx context.Context, events ...Event)
}

// Publisher delivers a single event to a transport.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(context.Context, ...Event) {}
