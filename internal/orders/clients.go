package orders

import (
	"context"
	"time"
)

// AccountValidator checks that a user may place orders.
type AccountValidator interface {
	ValidateUser(ctx context.Context, tenantID, userID string) (bool, error)
}

// InventoryService reserves and releases stock. Reserve is idempotent on
// reservationKey and returns the reservation id.
type InventoryService interface {
	Reserve(ctx context.Context, tenantID string, items []LineItem, reservationKey string) (string, error)
	Release(ctx context.Context, reservationID string) error
}

// PaymentService captures and refunds payments. Capture is idempotent on
// idempotencyKey and returns the payment id.
type PaymentService interface {
	Capture(ctx context.Context, tenantID string, amount int64, currency, paymentToken, idempotencyKey string) (string, error)
	Refund(ctx context.Context, paymentID string) error
}

// EventSink publishes domain events. Delivery is at-least-once.
type EventSink interface {
	Publish(ctx context.Context, topic string, event Event) error
}

// ListFilter selects orders for batch reads. Zero fields are unbounded.
type ListFilter struct {
	TenantID string
	Status   Status
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// Store persists orders.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, orderID string) (*Order, error)
	// UpdateStatus applies from -> to atomically, failing with ErrStaleOrder
	// when the stored status is no longer from.
	UpdateStatus(ctx context.Context, orderID string, from, to Status, at time.Time) error
	OrderNumberExists(ctx context.Context, tenantID, number string) (bool, error)
	List(ctx context.Context, filter ListFilter) ([]Order, error)
}
