package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultProcessingTTL = 5 * time.Minute
	DefaultCompletedTTL  = 24 * time.Hour
)

// Config sets token lifetimes.
type Config struct {
	ProcessingTTL time.Duration
	CompletedTTL  time.Duration
}

// Guard deduplicates retried or concurrent requests carrying the same token.
type Guard struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// Decision is the outcome of Begin. A zero Key means the request is not tracked.
type Decision struct {
	TenantID    string
	UserID      string
	Key         string
	RequestHash string

	// Replay is set when a completed result already exists for the token.
	Replay   bool
	OrderID  string
	Response json.RawMessage
}

// Tracked reports whether Complete/Fail have anything to act on.
func (d Decision) Tracked() bool {
	return d.Key != ""
}

// NewGuard constructs a Guard; zero TTLs select the defaults.
func NewGuard(store Store, cfg Config) *Guard {
	if cfg.ProcessingTTL <= 0 {
		cfg.ProcessingTTL = DefaultProcessingTTL
	}
	if cfg.CompletedTTL <= 0 {
		cfg.CompletedTTL = DefaultCompletedTTL
	}
	return &Guard{store: store, cfg: cfg, now: time.Now}
}

// Begin claims clientToken for the request body. It returns a replay decision
// for a completed token with the same body, DuplicateOrderError for a
// completed token with a different body, and ErrDuplicateOperation while an
// identical request is in flight.
func (g *Guard) Begin(ctx context.Context, tenantID, userID, clientToken string, body any) (Decision, error) {
	clientToken = strings.TrimSpace(clientToken)
	if clientToken == "" {
		return Decision{}, nil
	}

	hash, err := HashRequest(body)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{TenantID: tenantID, UserID: userID, Key: clientToken, RequestHash: hash}

	for attempt := 0; attempt < 2; attempt++ {
		now := g.now().UTC()

		existing, found, err := g.store.Get(ctx, tenantID, clientToken)
		if err != nil {
			return Decision{}, fmt.Errorf("load idempotency token: %w", err)
		}
		if found && !existing.Expired(now) {
			switch existing.Status {
			case StatusCompleted:
				if existing.RequestHash != hash {
					return Decision{}, &DuplicateOrderError{OrderID: existing.OrderID}
				}
				d.Replay = true
				d.OrderID = existing.OrderID
				d.Response = existing.Response
				return d, nil
			case StatusProcessing:
				return Decision{}, ErrDuplicateOperation
			default:
				if err := g.store.Delete(ctx, tenantID, clientToken); err != nil {
					return Decision{}, fmt.Errorf("drop failed token: %w", err)
				}
				continue
			}
		}

		other, found, err := g.store.FindProcessing(ctx, tenantID, userID, hash)
		if err != nil {
			return Decision{}, fmt.Errorf("find in-flight request: %w", err)
		}
		if found && other.Key != clientToken && !other.Expired(now) {
			return Decision{}, ErrDuplicateOperation
		}

		created, err := g.store.Create(ctx, Token{
			TenantID:    tenantID,
			Key:         clientToken,
			UserID:      userID,
			RequestHash: hash,
			Status:      StatusProcessing,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(g.cfg.ProcessingTTL),
		})
		if err != nil {
			return Decision{}, fmt.Errorf("create idempotency token: %w", err)
		}
		if created {
			return d, nil
		}
	}
	return Decision{}, ErrDuplicateOperation
}

// Complete stores the accepted response so retries receive it unchanged.
func (g *Guard) Complete(ctx context.Context, d Decision, orderID string, response any) error {
	if !d.Tracked() || d.Replay {
		return nil
	}
	raw, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("encode idempotent response: %w", err)
	}
	now := g.now().UTC()
	return g.store.Complete(ctx, Token{
		TenantID:    d.TenantID,
		Key:         d.Key,
		UserID:      d.UserID,
		RequestHash: d.RequestHash,
		OrderID:     orderID,
		Response:    raw,
		Status:      StatusCompleted,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(g.cfg.CompletedTTL),
	})
}

// Fail releases the token so the client may retry.
func (g *Guard) Fail(ctx context.Context, d Decision) error {
	if !d.Tracked() || d.Replay {
		return nil
	}
	return g.store.Delete(ctx, d.TenantID, d.Key)
}

// PurgeExpired removes stale tokens when the store needs explicit cleanup.
func (g *Guard) PurgeExpired(ctx context.Context) (int64, error) {
	purger, ok := g.store.(Purger)
	if !ok {
		return 0, nil
	}
	return purger.PurgeExpired(ctx, g.now().UTC())
}

// HashRequest returns the hex SHA-256 of body in canonical JSON form
// (object keys sorted, insignificant whitespace removed).
func HashRequest(body any) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("normalize request: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("normalize request: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
