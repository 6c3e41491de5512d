package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"fulfillment/internal/orders"

	"github.com/google/uuid"
)

// PostgresInventoryService reserves stock rows in Postgres. Products without
// a stock row are untracked and always available.
type PostgresInventoryService struct {
	db    *sql.DB
	newID func() string
}

// NewPostgresInventoryService constructs an InventoryService backed by Postgres.
func NewPostgresInventoryService(db *sql.DB) *PostgresInventoryService {
	return &PostgresInventoryService{db: db, newID: func() string { return "res-" + uuid.NewString() }}
}

// NewPostgresInventoryServiceWithSchema initializes the schema then returns the service.
func NewPostgresInventoryServiceWithSchema(ctx context.Context, db *sql.DB) (*PostgresInventoryService, error) {
	svc := NewPostgresInventoryService(db)
	if err := svc.InitSchema(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

// InitSchema creates the stock and reservation tables if they do not exist.
func (s *PostgresInventoryService) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS inventory_stock (
			tenant_id TEXT NOT NULL,
			product_id TEXT NOT NULL,
			available INTEGER NOT NULL CHECK (available >= 0),
			PRIMARY KEY (tenant_id, product_id)
		)`,
		`CREATE TABLE IF NOT EXISTS inventory_reservations (
			id TEXT PRIMARY KEY,
			reservation_key TEXT UNIQUE NOT NULL,
			tenant_id TEXT NOT NULL,
			items JSONB NOT NULL,
			reserved_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			released_at TIMESTAMPTZ
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SetStock overwrites the available quantity of a product.
func (s *PostgresInventoryService) SetStock(ctx context.Context, tenantID, productID string, available int) error {
	if tenantID == "" || productID == "" {
		return fmt.Errorf("tenant and product ids are required")
	}
	if available < 0 {
		return fmt.Errorf("available must not be negative")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_stock (tenant_id, product_id, available) VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, product_id) DO UPDATE SET available = EXCLUDED.available`,
		tenantID, productID, available,
	)
	return err
}

// Reserve decrements stock for items once per reservation key.
func (s *PostgresInventoryService) Reserve(ctx context.Context, tenantID string, items []orders.LineItem, reservationKey string) (string, error) {
	if reservationKey == "" {
		return "", fmt.Errorf("reservation key required")
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode items: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", orders.Transient("inventory reserve", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT id FROM inventory_reservations WHERE reservation_key = $1`, reservationKey).Scan(&existing)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", orders.Transient("inventory reserve", err)
	}

	for _, item := range items {
		res, err := tx.ExecContext(ctx, `
			UPDATE inventory_stock SET available = available - $3
			WHERE tenant_id = $1 AND product_id = $2 AND available >= $3`,
			tenantID, item.ProductID, item.Quantity,
		)
		if err != nil {
			return "", orders.Transient("inventory reserve", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return "", orders.Transient("inventory reserve", err)
		}
		if affected > 0 {
			continue
		}

		var available int
		err = tx.QueryRowContext(ctx, `SELECT available FROM inventory_stock WHERE tenant_id = $1 AND product_id = $2`,
			tenantID, item.ProductID).Scan(&available)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			continue
		case err != nil:
			return "", orders.Transient("inventory reserve", err)
		}
		return "", &orders.ValidationError{
			Field:  "items",
			Reason: fmt.Sprintf("insufficient stock for %s: want %d, have %d", item.ProductID, item.Quantity, available),
		}
	}

	id := s.newID()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_reservations (id, reservation_key, tenant_id, items)
		VALUES ($1, $2, $3, $4)`,
		id, reservationKey, tenantID, encoded,
	); err != nil {
		return "", orders.Transient("inventory reserve", err)
	}
	if err := tx.Commit(); err != nil {
		return "", orders.Transient("inventory reserve", err)
	}
	return id, nil
}

// Release returns reserved stock. Unknown or already released reservations
// are a no-op.
func (s *PostgresInventoryService) Release(ctx context.Context, reservationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return orders.Transient("inventory release", err)
	}
	defer tx.Rollback()

	var (
		tenantID string
		raw      []byte
	)
	err = tx.QueryRowContext(ctx, `
		UPDATE inventory_reservations SET released_at = NOW()
		WHERE id = $1 AND released_at IS NULL
		RETURNING tenant_id, items`, reservationID).Scan(&tenantID, &raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return orders.Transient("inventory release", err)
	}

	var items []orders.LineItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return fmt.Errorf("decode reservation %s items: %w", reservationID, err)
	}
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
			UPDATE inventory_stock SET available = available + $3
			WHERE tenant_id = $1 AND product_id = $2`,
			tenantID, item.ProductID, item.Quantity,
		); err != nil {
			return orders.Transient("inventory release", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return orders.Transient("inventory release", err)
	}
	return nil
}
