package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"fulfillment/internal/idempotency"
)

// IdempotencyStore keeps idempotency tokens in Postgres. Expired rows are
// invisible to reads and are removed by PurgeExpired or replaced on Create.
type IdempotencyStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewIdempotencyStore constructs an IdempotencyStore backed by Postgres.
func NewIdempotencyStore(db *sql.DB) *IdempotencyStore {
	return &IdempotencyStore{db: db, now: time.Now}
}

// NewIdempotencyStoreWithSchema initializes the schema then returns the store.
func NewIdempotencyStoreWithSchema(ctx context.Context, db *sql.DB) (*IdempotencyStore, error) {
	store := NewIdempotencyStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the token table and its in-flight uniqueness index.
func (s *IdempotencyStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_tokens (
			tenant_id TEXT NOT NULL,
			key TEXT NOT NULL,
			user_id TEXT NOT NULL,
			request_hash TEXT NOT NULL,
			order_id TEXT NOT NULL DEFAULT '',
			response JSONB,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, key)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idempotency_tokens_processing_idx
			ON idempotency_tokens (tenant_id, user_id, request_hash)
			WHERE status = 'PROCESSING'`,
		`CREATE INDEX IF NOT EXISTS idempotency_tokens_expires_idx ON idempotency_tokens (expires_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const tokenColumns = `tenant_id, key, user_id, request_hash, order_id, response, status, created_at, updated_at, expires_at`

// Create clears expired rows that would block tok, then inserts it. It
// returns false when a live token holds the key or the in-flight slot.
func (s *IdempotencyStore) Create(ctx context.Context, tok idempotency.Token) (bool, error) {
	now := s.now()
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_tokens
		WHERE tenant_id = $1 AND expires_at <= $5
			AND (key = $2 OR (user_id = $3 AND request_hash = $4 AND status = 'PROCESSING'))`,
		tok.TenantID, tok.Key, tok.UserID, tok.RequestHash, now,
	); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING`,
		tok.TenantID, tok.Key, tok.UserID, tok.RequestHash, tok.OrderID, nullableJSON(tok.Response),
		string(tok.Status), tok.CreatedAt, tok.UpdatedAt, tok.ExpiresAt,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Get returns the live token for key.
func (s *IdempotencyStore) Get(ctx context.Context, tenantID, key string) (idempotency.Token, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+tokenColumns+`
		FROM idempotency_tokens
		WHERE tenant_id = $1 AND key = $2 AND expires_at > $3`,
		tenantID, key, s.now(),
	)
	return scanToken(row)
}

// FindProcessing returns the live in-flight token for the request.
func (s *IdempotencyStore) FindProcessing(ctx context.Context, tenantID, userID, requestHash string) (idempotency.Token, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+tokenColumns+`
		FROM idempotency_tokens
		WHERE tenant_id = $1 AND user_id = $2 AND request_hash = $3
			AND status = 'PROCESSING' AND expires_at > $4`,
		tenantID, userID, requestHash, s.now(),
	)
	return scanToken(row)
}

// Complete stores the final form of tok.
func (s *IdempotencyStore) Complete(ctx context.Context, tok idempotency.Token) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, key) DO UPDATE
		SET order_id = EXCLUDED.order_id, response = EXCLUDED.response, status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at, expires_at = EXCLUDED.expires_at`,
		tok.TenantID, tok.Key, tok.UserID, tok.RequestHash, tok.OrderID, nullableJSON(tok.Response),
		string(tok.Status), tok.CreatedAt, tok.UpdatedAt, tok.ExpiresAt,
	)
	return err
}

// Delete removes the token for key.
func (s *IdempotencyStore) Delete(ctx context.Context, tenantID, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_tokens WHERE tenant_id = $1 AND key = $2`, tenantID, key)
	return err
}

// PurgeExpired deletes tokens whose expiry is at or before now.
func (s *IdempotencyStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanToken(row rowScanner) (idempotency.Token, bool, error) {
	var (
		tok      idempotency.Token
		response []byte
		status   string
	)
	err := row.Scan(&tok.TenantID, &tok.Key, &tok.UserID, &tok.RequestHash, &tok.OrderID, &response, &status,
		&tok.CreatedAt, &tok.UpdatedAt, &tok.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return idempotency.Token{}, false, nil
	}
	if err != nil {
		return idempotency.Token{}, false, err
	}
	tok.Response = response
	tok.Status = idempotency.Status(status)
	return tok, true, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
