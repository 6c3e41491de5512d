package events

import (
	"context"
	"encoding/json"
	"time"

	"fulfillment/internal/orders"

	"github.com/redis/go-redis/v9"
)

// RedisStreamSink appends events to a Redis stream and keeps the latest
// event per order in a hash.
type RedisStreamSink struct {
	client    RedisPipelineClient
	stream    string
	keyPrefix string
	ttl       time.Duration
	maxLen    int64
}

// RedisPipelineClient is the minimal client surface used by RedisStreamSink.
type RedisPipelineClient interface {
	Pipeline() RedisPipeliner
}

// RedisPipeliner is the subset of commands used within a pipeline.
type RedisPipeliner interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Exec(ctx context.Context) ([]redis.Cmder, error)
}

// NewRedisStreamSink constructs a Redis-backed event sink.
func NewRedisStreamSink(client RedisPipelineClient, stream string, ttl time.Duration, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = "order_events"
	}
	return &RedisStreamSink{
		client:    client,
		stream:    stream,
		keyPrefix: "order:latest:",
		ttl:       ttl,
		maxLen:    maxLen,
	}
}

// Publish records the event as the order's latest and appends it to the stream.
func (r *RedisStreamSink) Publish(ctx context.Context, topic string, event orders.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	occurred := event.OccurredAt.UTC().Format(time.RFC3339Nano)
	fields := map[string]any{
		"event_id":    event.ID,
		"topic":       topic,
		"order_id":    event.OrderID,
		"tenant_id":   event.TenantID,
		"status":      string(event.Order.Status),
		"replayed":    event.Replayed,
		"occurred_at": occurred,
	}

	key := r.keyPrefix + event.OrderID
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}

	values := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		values[k] = v
	}
	values["payload"] = string(payload)
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: values,
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	pipe.XAdd(ctx, args)

	_, err = pipe.Exec(ctx)
	return err
}
