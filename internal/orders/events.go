package orders

import "time"

// EventType doubles as the topic an event is published on.
type EventType string

const (
	EventCreated    EventType = "order.created"
	EventConfirmed  EventType = "order.confirmed"
	EventProcessing EventType = "order.processing"
	EventShipped    EventType = "order.shipped"
	EventDelivered  EventType = "order.delivered"
	EventCancelled  EventType = "order.cancelled"
)

// Event is a domain event carrying a snapshot of the order.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OrderID    string    `json:"order_id"`
	TenantID   string    `json:"tenant_id"`
	Replayed   bool      `json:"replayed"`
	OccurredAt time.Time `json:"occurred_at"`
	Order      Order     `json:"order"`
}

// NewEvent builds an event for the given order snapshot.
func NewEvent(id string, typ EventType, o Order, at time.Time) Event {
	return Event{
		ID:         id,
		Type:       typ,
		OrderID:    o.ID,
		TenantID:   o.TenantID,
		OccurredAt: at,
		Order:      o,
	}
}

// Topic returns the topic the event is published on.
func (e Event) Topic() string {
	return string(e.Type)
}

var forwardEvents = []EventType{EventCreated, EventConfirmed, EventProcessing, EventShipped, EventDelivered}

// EventSequence lists the events an order in status must have emitted, in order.
func EventSequence(status Status) []EventType {
	switch status {
	case StatusPending:
		return forwardEvents[:1]
	case StatusConfirmed:
		return forwardEvents[:2]
	case StatusProcessing:
		return forwardEvents[:3]
	case StatusShipped:
		return forwardEvents[:4]
	case StatusDelivered:
		return forwardEvents[:5]
	case StatusCancelled:
		return []EventType{EventCreated, EventCancelled}
	}
	return nil
}
