package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of an idempotency token.
type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

var (
	// ErrDuplicateOperation signals an identical request still being processed.
	ErrDuplicateOperation = errors.New("operation already in progress")
	// ErrDuplicateOrder signals a token already bound to a different request.
	ErrDuplicateOrder = errors.New("idempotency token already used")
)

// DuplicateOrderError carries the order previously created under the token.
type DuplicateOrderError struct {
	OrderID string
}

func (e *DuplicateOrderError) Error() string {
	return "idempotency token already used for order " + e.OrderID
}

func (e *DuplicateOrderError) Unwrap() error {
	return ErrDuplicateOrder
}

// Token is the persisted record for a client supplied idempotency key.
type Token struct {
	TenantID    string          `json:"tenant_id"`
	Key         string          `json:"key"`
	UserID      string          `json:"user_id"`
	RequestHash string          `json:"request_hash"`
	OrderID     string          `json:"order_id,omitempty"`
	Response    json.RawMessage `json:"response,omitempty"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Expired reports whether the token is past its expiry at now.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// TTL is the lifetime granted at the last write.
func (t Token) TTL() time.Duration {
	return t.ExpiresAt.Sub(t.UpdatedAt)
}

// Store persists tokens. (TenantID, Key) is unique, and at most one
// PROCESSING token may exist per (TenantID, UserID, RequestHash).
type Store interface {
	// Create inserts tok unless either uniqueness rule is violated by a live token.
	Create(ctx context.Context, tok Token) (bool, error)
	Get(ctx context.Context, tenantID, key string) (Token, bool, error)
	FindProcessing(ctx context.Context, tenantID, userID, requestHash string) (Token, bool, error)
	// Complete overwrites the token with its COMPLETED form.
	Complete(ctx context.Context, tok Token) error
	Delete(ctx context.Context, tenantID, key string) error
}

// Purger is implemented by stores without native expiry.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
