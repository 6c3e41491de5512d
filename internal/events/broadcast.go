package events

import (
	"context"
	"encoding/json"
	"time"

	"fulfillment/internal/orders"
)

// Broadcaster pushes messages to a tenant's connected clients.
type Broadcaster interface {
	Broadcast(ctx context.Context, tenantID string, data []byte) error
}

// Update is the compact order update pushed to live subscribers.
type Update struct {
	Type       string    `json:"type"`
	EventID    string    `json:"event_id"`
	OrderID    string    `json:"order_id"`
	Number     string    `json:"number"`
	Status     string    `json:"status"`
	TenantID   string    `json:"tenant_id"`
	Replayed   bool      `json:"replayed"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewUpdate summarises an event for subscribers.
func NewUpdate(event orders.Event) Update {
	return Update{
		Type:       string(event.Type),
		EventID:    event.ID,
		OrderID:    event.OrderID,
		Number:     event.Order.Number,
		Status:     string(event.Order.Status),
		TenantID:   event.TenantID,
		Replayed:   event.Replayed,
		OccurredAt: event.OccurredAt,
	}
}

// BroadcastSink sends order updates to live subscribers.
type BroadcastSink struct {
	broadcaster Broadcaster
}

// NewBroadcastSink constructs a sink backed by broadcaster.
func NewBroadcastSink(broadcaster Broadcaster) *BroadcastSink {
	return &BroadcastSink{broadcaster: broadcaster}
}

// Publish broadcasts the event summary to the event's tenant.
func (b *BroadcastSink) Publish(ctx context.Context, _ string, event orders.Event) error {
	if b.broadcaster == nil {
		return nil
	}
	data, err := json.Marshal(NewUpdate(event))
	if err != nil {
		return err
	}
	return b.broadcaster.Broadcast(ctx, event.TenantID, data)
}
