package orders

import (
	"context"
	"sync"
)

// NoopEventSink discards events.
type NoopEventSink struct{}

func (NoopEventSink) Publish(context.Context, string, Event) error {
	return nil
}

// RecordingEventSink keeps published events in memory.
type RecordingEventSink struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (r *RecordingEventSink) Publish(_ context.Context, _ string, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (r *RecordingEventSink) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the types of published events for one order, in order.
func (r *RecordingEventSink) Types(orderID string) []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventType
	for _, e := range r.events {
		if e.OrderID == orderID {
			out = append(out, e.Type)
		}
	}
	return out
}
