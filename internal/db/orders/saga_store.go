package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment/internal/orders/saga"
)

// SagaStore persists saga state and its step log in Postgres.
type SagaStore struct {
	db *sql.DB
}

// NewSagaStore constructs a SagaStore backed by Postgres.
func NewSagaStore(db *sql.DB) *SagaStore {
	return &SagaStore{db: db}
}

// NewSagaStoreWithSchema initializes the schema then returns the store.
func NewSagaStoreWithSchema(ctx context.Context, db *sql.DB) (*SagaStore, error) {
	store := NewSagaStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates saga tables if they do not exist.
func (s *SagaStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS order_sagas (
			id TEXT PRIMARY KEY,
			order_id TEXT UNIQUE NOT NULL,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			step TEXT NOT NULL,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL,
			timeout_at TIMESTAMPTZ NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			data JSONB NOT NULL DEFAULT '{}'::jsonb,
			version BIGINT NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS order_sagas_status_timeout_idx ON order_sagas (status, timeout_at)`,
		`CREATE TABLE IF NOT EXISTS order_saga_steps (
			id BIGSERIAL PRIMARY KEY,
			saga_id TEXT NOT NULL,
			step TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			FOREIGN KEY (saga_id) REFERENCES order_sagas(id) ON DELETE CASCADE
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

const sagaColumns = `id, order_id, tenant_id, user_id, step, status, retry_count, max_retries,
	timeout_at, error, data, version, started_at, updated_at`

var (
	activeStatuses = []any{string(saga.StatusStarted), string(saga.StatusInProgress), string(saga.StatusCompensating)}
	finalStatuses  = []any{string(saga.StatusCompleted), string(saga.StatusCompensated), string(saga.StatusFailed)}
)

// Create inserts a new saga at version 0.
func (s *SagaStore) Create(ctx context.Context, st *saga.State) error {
	data, err := st.Data.Encode()
	if err != nil {
		return fmt.Errorf("encode saga data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO order_sagas (`+sagaColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		st.ID, st.OrderID, st.TenantID, st.UserID, string(st.Step), string(st.Status), st.RetryCount, st.MaxRetries,
		st.TimeoutAt, st.Error, data, st.Version, st.StartedAt, st.UpdatedAt,
	)
	return err
}

// Get loads a saga by id.
func (s *SagaStore) Get(ctx context.Context, sagaID string) (*saga.State, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sagaColumns+` FROM order_sagas WHERE id = $1`, sagaID)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", saga.ErrSagaNotFound, sagaID)
	}
	return st, err
}

// GetByOrderID loads the saga of an order.
func (s *SagaStore) GetByOrderID(ctx context.Context, orderID string) (*saga.State, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sagaColumns+` FROM order_sagas WHERE order_id = $1`, orderID)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", saga.ErrSagaNotFound, orderID)
	}
	return st, err
}

// Update writes st if nobody else changed it since it was read.
func (s *SagaStore) Update(ctx context.Context, st *saga.State) error {
	data, err := st.Data.Encode()
	if err != nil {
		return fmt.Errorf("encode saga data: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE order_sagas
		SET step = $3, status = $4, retry_count = $5, max_retries = $6, timeout_at = $7,
			error = $8, data = $9, updated_at = $10, version = version + 1
		WHERE id = $1 AND version = $2`,
		st.ID, st.Version, string(st.Step), string(st.Status), st.RetryCount, st.MaxRetries, st.TimeoutAt,
		st.Error, data, st.UpdatedAt,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s at version %d", saga.ErrStaleState, st.ID, st.Version)
	}
	st.Version++
	return nil
}

// ListTimedOut returns active sagas whose deadline passed, oldest first.
func (s *SagaStore) ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*saga.State, error) {
	args := append([]any{now, limit}, activeStatuses...)
	return s.query(ctx, `
		SELECT `+sagaColumns+`
		FROM order_sagas
		WHERE status IN ($3, $4, $5) AND timeout_at < $1
		ORDER BY timeout_at
		LIMIT NULLIF($2, 0)`, args...)
}

// ListActive returns sagas that still need driving. A zero limit lists all.
func (s *SagaStore) ListActive(ctx context.Context, limit int) ([]*saga.State, error) {
	args := append([]any{limit}, activeStatuses...)
	return s.query(ctx, `
		SELECT `+sagaColumns+`
		FROM order_sagas
		WHERE status IN ($2, $3, $4)
		ORDER BY timeout_at
		LIMIT NULLIF($1, 0)`, args...)
}

// PurgeFinished deletes final sagas last touched before the cutoff. Step rows
// go with them.
func (s *SagaStore) PurgeFinished(ctx context.Context, before time.Time) (int64, error) {
	args := append([]any{before}, finalStatuses...)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM order_sagas
		WHERE status IN ($2, $3, $4) AND updated_at < $1`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AddStep appends a saga step row.
func (s *SagaStore) AddStep(ctx context.Context, sagaID string, step saga.Step, status, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_saga_steps (saga_id, step, status, detail)
		VALUES ($1, $2, $3, $4)`,
		sagaID, string(step), status, detail,
	)
	return err
}

func (s *SagaStore) query(ctx context.Context, query string, args ...any) ([]*saga.State, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*saga.State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*saga.State, error) {
	var (
		st     saga.State
		step   string
		status string
		data   []byte
	)
	if err := row.Scan(&st.ID, &st.OrderID, &st.TenantID, &st.UserID, &step, &status, &st.RetryCount, &st.MaxRetries,
		&st.TimeoutAt, &st.Error, &data, &st.Version, &st.StartedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	decoded, err := saga.DecodeData(data)
	if err != nil {
		return nil, fmt.Errorf("decode saga %s data: %w", st.ID, err)
	}
	st.Step = saga.Step(step)
	st.Status = saga.Status(status)
	st.Data = decoded
	return &st, nil
}
