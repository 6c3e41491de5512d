package main

import (
	"context"
	"time"

	"fulfillment/cmd/server/config"
	ordersdb "fulfillment/internal/db/orders"
	"fulfillment/internal/events"
	"fulfillment/internal/fulfillment"
	"fulfillment/internal/idempotency"
	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

var openDB = ordersdb.Open

// buildBackends selects Postgres stores when a database is configured and
// in-memory ones otherwise. Redis, when configured, holds idempotency tokens
// and the order event stream.
func buildBackends(ctx context.Context, cfg config.Config, logf logFunc) (fulfillment.Backends, []orders.EventSink, func(), error) {
	var (
		backends fulfillment.Backends
		sinks    []orders.EventSink
		closers  []func()
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	backends.Accounts = orders.NewInMemoryAccountValidator()
	if cfg.Postgres.URL != "" {
		db, err := openDB(ctx, cfg.Postgres.URL, ordersdb.PoolConfig{
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return backends, nil, nil, err
		}
		closers = append(closers, closeWith(db, "orders db", logf))
		stores, err := ordersdb.NewStoresWithSchema(ctx, db)
		if err != nil {
			cleanup()
			return backends, nil, nil, err
		}
		backends.Orders = stores.Orders
		backends.Sagas = stores.Sagas
		backends.Idempotency = stores.Idempotency
		backends.Inventory = stores.Inventory
		backends.Payments = stores.Payments
		logf("using postgres backends")
	} else {
		backends.Orders = orders.NewMemoryStore()
		backends.Sagas = saga.NewMemoryStore()
		backends.Idempotency = idempotency.NewMemoryStore()
		backends.Inventory = orders.NewInMemoryInventory(nil)
		backends.Payments = orders.NewInMemoryPaymentService()
		logf("DATABASE_URL not set, using in-memory backends")
	}

	if cfg.Redis.URL != "" {
		client, err := newRedisClient(ctx, cfg.Redis)
		if err != nil {
			cleanup()
			return backends, nil, nil, err
		}
		closers = append(closers, closeWith(client, "redis", logf))
		backends.Idempotency = idempotency.NewRedisStore(client, cfg.Idempotency.RedisPrefix)
		sinks = append(sinks, events.NewRedisStreamSink(redisClientAdapter{client: client}, cfg.Redis.Stream, cfg.Redis.SnapshotTTL, cfg.Redis.StreamMaxLen))
		logf("redis enabled: idempotency tokens and stream %q", cfg.Redis.Stream)
	}
	return backends, sinks, cleanup, nil
}

func newRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

type closer interface {
	Close() error
}

func closeWith(c closer, name string, logf logFunc) func() {
	return func() {
		if err := c.Close(); err != nil {
			logf("close %s: %v", name, err)
		}
	}
}

type redisClientAdapter struct {
	client *redis.Client
}

func (a redisClientAdapter) Pipeline() events.RedisPipeliner {
	return redisPipelineAdapter{pipe: a.client.Pipeline()}
}

type redisPipelineAdapter struct {
	pipe redis.Pipeliner
}

func (p redisPipelineAdapter) HSet(ctx context.Context, key string, values ...any) *redis.IntCmd {
	return p.pipe.HSet(ctx, key, values...)
}

func (p redisPipelineAdapter) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	return p.pipe.Expire(ctx, key, expiration)
}

func (p redisPipelineAdapter) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	return p.pipe.XAdd(ctx, a)
}

func (p redisPipelineAdapter) Exec(ctx context.Context) ([]redis.Cmder, error) {
	return p.pipe.Exec(ctx)
}
