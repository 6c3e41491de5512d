package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment/internal/orders"

	"github.com/google/uuid"
)

// ErrCaptureConflict signals an idempotency key reused for a different charge.
var ErrCaptureConflict = errors.New("capture key reused with different amount")

// PostgresPaymentService records captures and refunds in Postgres.
type PostgresPaymentService struct {
	db    *sql.DB
	newID func() string
}

// NewPostgresPaymentService constructs a PaymentService backed by Postgres.
func NewPostgresPaymentService(db *sql.DB) *PostgresPaymentService {
	return &PostgresPaymentService{db: db, newID: func() string { return "pay-" + uuid.NewString() }}
}

// NewPostgresPaymentServiceWithSchema initializes the schema then returns the service.
func NewPostgresPaymentServiceWithSchema(ctx context.Context, db *sql.DB) (*PostgresPaymentService, error) {
	svc := NewPostgresPaymentService(db)
	if err := svc.InitSchema(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

// InitSchema creates the payments table if it does not exist.
func (p *PostgresPaymentService) InitSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			idempotency_key TEXT UNIQUE NOT NULL,
			tenant_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			captured_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			refunded_at TIMESTAMPTZ
		)
	`)
	return err
}

// Capture records a charge once per idempotency key and returns its id.
func (p *PostgresPaymentService) Capture(ctx context.Context, tenantID string, amount int64, currency, paymentToken, idempotencyKey string) (string, error) {
	if paymentToken == "" {
		return "", &orders.ValidationError{Field: "payment_token", Reason: "is required"}
	}
	if idempotencyKey == "" {
		return "", fmt.Errorf("idempotency key required")
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (id, idempotency_key, tenant_id, amount, currency)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		p.newID(), idempotencyKey, tenantID, amount, currency,
	)
	if err != nil {
		return "", orders.Transient("payment capture", err)
	}

	var (
		id             string
		storedAmount   int64
		storedCurrency string
	)
	row := p.db.QueryRowContext(ctx, `SELECT id, amount, currency FROM payments WHERE idempotency_key = $1`, idempotencyKey)
	if err := row.Scan(&id, &storedAmount, &storedCurrency); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("payment not found after insert")
		}
		return "", orders.Transient("payment capture", err)
	}
	if storedAmount != amount || storedCurrency != currency {
		return "", fmt.Errorf("%w: key %s", ErrCaptureConflict, idempotencyKey)
	}
	return id, nil
}

// Refund marks a capture refunded. Refunding twice is a no-op.
func (p *PostgresPaymentService) Refund(ctx context.Context, paymentID string) error {
	if paymentID == "" {
		return fmt.Errorf("payment id required")
	}

	res, err := p.db.ExecContext(ctx, `UPDATE payments SET refunded_at = NOW() WHERE id = $1 AND refunded_at IS NULL`, paymentID)
	if err != nil {
		return orders.Transient("payment refund", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return orders.Transient("payment refund", err)
	}
	if affected > 0 {
		return nil
	}

	var refunded bool
	row := p.db.QueryRowContext(ctx, `SELECT refunded_at IS NOT NULL FROM payments WHERE id = $1`, paymentID)
	switch scanErr := row.Scan(&refunded); {
	case scanErr == nil:
		return nil
	case errors.Is(scanErr, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", orders.ErrUnknownPayment, paymentID)
	default:
		return orders.Transient("payment refund", scanErr)
	}
}
