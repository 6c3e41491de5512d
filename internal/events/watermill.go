package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"

	"fulfillment/internal/orders"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"golang.org/x/sync/errgroup"
)

// BusTopic carries every order event. A single topic keeps one order's
// events in publish order for the relay.
const BusTopic = "order_events"

// NewBus returns an in-process pub/sub for order events. Publish returns
// once the subscriber has acked, so a publisher's events arrive in order.
func NewBus(bufferSize int64) *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            bufferSize,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: true,
		},
		watermill.NewStdLogger(false, false),
	)
}

// WatermillSink publishes events as watermill messages keyed by event id.
type WatermillSink struct {
	pub message.Publisher
}

// NewWatermillSink constructs a sink on top of pub.
func NewWatermillSink(pub message.Publisher) *WatermillSink {
	return &WatermillSink{pub: pub}
}

// Publish serialises the event and publishes it on BusTopic. topic travels
// in the message metadata.
func (w *WatermillSink) Publish(ctx context.Context, topic string, event orders.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := message.NewMessage(event.ID, payload)
	msg.Metadata.Set("topic", topic)
	msg.Metadata.Set("event_type", string(event.Type))
	msg.Metadata.Set("order_id", event.OrderID)
	msg.Metadata.Set("tenant_id", event.TenantID)
	msg.Metadata.Set("replayed", strconv.FormatBool(event.Replayed))

	if err := w.pub.Publish(BusTopic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Relay drains the bus into a downstream sink from a single goroutine.
type Relay struct {
	sub   message.Subscriber
	sink  orders.EventSink
	logf  func(format string, args ...any)
	group *errgroup.Group
}

// NewRelay constructs a relay.
func NewRelay(sub message.Subscriber, sink orders.EventSink, logf func(format string, args ...any)) *Relay {
	if logf == nil {
		logf = log.Printf
	}
	return &Relay{sub: sub, sink: sink, logf: logf}
}

// Start subscribes to BusTopic and forwards messages until ctx ends.
func (r *Relay) Start(ctx context.Context) error {
	if r.group != nil {
		return errors.New("relay already started")
	}
	if r.sink == nil {
		return errors.New("relay sink is required")
	}

	ch, err := r.sub.Subscribe(ctx, BusTopic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", BusTopic, err)
	}

	r.group = &errgroup.Group{}
	r.group.Go(func() error {
		for msg := range ch {
			r.forward(ctx, msg)
		}
		return nil
	})
	return nil
}

// Wait blocks until the subscription has drained.
func (r *Relay) Wait() error {
	if r.group == nil {
		return nil
	}
	return r.group.Wait()
}

func (r *Relay) forward(ctx context.Context, msg *message.Message) {
	// Ack releases the publisher; the next message is read only after this
	// one is forwarded.
	msg.Ack()

	var event orders.Event
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		r.logf("relay: drop malformed message %s: %v", msg.UUID, err)
		return
	}
	topic := msg.Metadata.Get("topic")
	if topic == "" {
		topic = event.Topic()
	}
	if err := r.sink.Publish(ctx, topic, event); err != nil {
		r.logf("relay: forward %s on %s: %v", event.ID, topic, err)
	}
}
