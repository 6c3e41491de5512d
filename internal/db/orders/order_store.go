package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fulfillment/internal/orders"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

const uniqueViolation = "23505"

// OrderStore persists orders in Postgres.
type OrderStore struct {
	db *sqlx.DB
}

// NewOrderStore wraps db, which must use the pgx driver.
func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: sqlx.NewDb(db, "pgx")}
}

// NewOrderStoreWithSchema initializes the schema then returns the store.
func NewOrderStoreWithSchema(ctx context.Context, db *sql.DB) (*OrderStore, error) {
	store := NewOrderStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the orders table if it does not exist.
func (s *OrderStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			number TEXT NOT NULL,
			items JSONB NOT NULL,
			subtotal BIGINT NOT NULL,
			tax BIGINT NOT NULL,
			total BIGINT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			billing_address JSONB NOT NULL,
			shipping_address JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT orders_tenant_number_key UNIQUE (tenant_id, number)
		)`,
		`CREATE INDEX IF NOT EXISTS orders_tenant_created_idx ON orders (tenant_id, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS orders_status_idx ON orders (status)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

type orderRow struct {
	ID              string    `db:"id"`
	TenantID        string    `db:"tenant_id"`
	UserID          string    `db:"user_id"`
	Number          string    `db:"number"`
	Items           []byte    `db:"items"`
	Subtotal        int64     `db:"subtotal"`
	Tax             int64     `db:"tax"`
	Total           int64     `db:"total"`
	Currency        string    `db:"currency"`
	Status          string    `db:"status"`
	BillingAddress  []byte    `db:"billing_address"`
	ShippingAddress []byte    `db:"shipping_address"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

const orderColumns = `id, tenant_id, user_id, number, items, subtotal, tax, total, currency, status,
	billing_address, shipping_address, created_at, updated_at`

func toRow(o *orders.Order) (orderRow, error) {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return orderRow{}, fmt.Errorf("encode items: %w", err)
	}
	billing, err := json.Marshal(o.BillingAddress)
	if err != nil {
		return orderRow{}, fmt.Errorf("encode billing address: %w", err)
	}
	shipping, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return orderRow{}, fmt.Errorf("encode shipping address: %w", err)
	}
	return orderRow{
		ID:              o.ID,
		TenantID:        o.TenantID,
		UserID:          o.UserID,
		Number:          o.Number,
		Items:           items,
		Subtotal:        o.Totals.Subtotal,
		Tax:             o.Totals.Tax,
		Total:           o.Totals.Total,
		Currency:        o.Totals.Currency,
		Status:          string(o.Status),
		BillingAddress:  billing,
		ShippingAddress: shipping,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}, nil
}

func (r orderRow) order() (orders.Order, error) {
	o := orders.Order{
		ID:       r.ID,
		TenantID: r.TenantID,
		UserID:   r.UserID,
		Number:   r.Number,
		Totals: orders.Totals{
			Subtotal: r.Subtotal,
			Tax:      r.Tax,
			Total:    r.Total,
			Currency: r.Currency,
		},
		Status:    orders.Status(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if err := json.Unmarshal(r.Items, &o.Items); err != nil {
		return orders.Order{}, fmt.Errorf("decode order %s items: %w", r.ID, err)
	}
	if err := json.Unmarshal(r.BillingAddress, &o.BillingAddress); err != nil {
		return orders.Order{}, fmt.Errorf("decode order %s billing address: %w", r.ID, err)
	}
	if err := json.Unmarshal(r.ShippingAddress, &o.ShippingAddress); err != nil {
		return orders.Order{}, fmt.Errorf("decode order %s shipping address: %w", r.ID, err)
	}
	return o, nil
}

// Create inserts o. A taken (tenant, number) pair yields ErrDuplicateNumber.
func (s *OrderStore) Create(ctx context.Context, o *orders.Order) error {
	row, err := toRow(o)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (:id, :tenant_id, :user_id, :number, :items, :subtotal, :tax, :total, :currency, :status,
			:billing_address, :shipping_address, :created_at, :updated_at)`, row)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "orders_tenant_number_key" {
		return orders.ErrDuplicateNumber
	}
	return err
}

// Get loads one order.
func (s *OrderStore) Get(ctx context.Context, orderID string) (*orders.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", orders.ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	o, err := row.order()
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// UpdateStatus moves the order from -> to when it is still in from.
func (s *OrderStore) UpdateStatus(ctx context.Context, orderID string, from, to orders.Status, at time.Time) error {
	if !from.CanTransitionTo(to) {
		return &orders.InvalidTransitionError{OrderID: orderID, From: from, To: to}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2`,
		orderID, string(from), string(to), at,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var current string
	err = s.db.GetContext(ctx, &current, `SELECT status FROM orders WHERE id = $1`, orderID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", orders.ErrOrderNotFound, orderID)
	case err != nil:
		return err
	}
	return fmt.Errorf("%w: %s is %s, expected %s", orders.ErrStaleOrder, orderID, current, from)
}

// OrderNumberExists reports whether tenantID already used number.
func (s *OrderStore) OrderNumberExists(ctx context.Context, tenantID, number string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM orders WHERE tenant_id = $1 AND number = $2)`, tenantID, number)
	return exists, err
}

// List pages through orders matching filter, oldest first.
func (s *OrderStore) List(ctx context.Context, filter orders.ListFilter) ([]orders.Order, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.TenantID != "" {
		add("tenant_id = $%d", filter.TenantID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at < $%d", filter.To)
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var rows []orderRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]orders.Order, 0, len(rows))
	for _, row := range rows {
		o, err := row.order()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}
