package events

import (
	"context"
	"errors"

	"fulfillment/internal/orders"
)

// Fanout publishes each event to several sinks in order.
type Fanout struct {
	sinks []orders.EventSink
}

// NewFanout constructs a sink that forwards to every non-nil sink.
func NewFanout(sinks ...orders.EventSink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Publish forwards the event to each sink, collecting errors so all sinks get a chance to receive it.
func (f *Fanout) Publish(ctx context.Context, topic string, event orders.Event) error {
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Publish(ctx, topic, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
