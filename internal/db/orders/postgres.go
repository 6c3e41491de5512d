package ordersdb

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

var sqlOpen = sql.Open

// Open connects through the pgx driver and pings the server.
func Open(ctx context.Context, dsn string, pool PoolConfig) (*sql.DB, error) {
	db, err := sqlOpen("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Stores groups every Postgres-backed component.
type Stores struct {
	Orders      *OrderStore
	Sagas       *SagaStore
	Idempotency *IdempotencyStore
	Payments    *PostgresPaymentService
	Inventory   *PostgresInventoryService
}

// NewStoresWithSchema creates all tables and returns the stores.
func NewStoresWithSchema(ctx context.Context, db *sql.DB) (*Stores, error) {
	orderStore, err := NewOrderStoreWithSchema(ctx, db)
	if err != nil {
		return nil, err
	}
	sagaStore, err := NewSagaStoreWithSchema(ctx, db)
	if err != nil {
		return nil, err
	}
	idem, err := NewIdempotencyStoreWithSchema(ctx, db)
	if err != nil {
		return nil, err
	}
	payments, err := NewPostgresPaymentServiceWithSchema(ctx, db)
	if err != nil {
		return nil, err
	}
	inventory, err := NewPostgresInventoryServiceWithSchema(ctx, db)
	if err != nil {
		return nil, err
	}
	return &Stores{
		Orders:      orderStore,
		Sagas:       sagaStore,
		Idempotency: idem,
		Payments:    payments,
		Inventory:   inventory,
	}, nil
}
