package tenancy

import (
	"context"
	"errors"
	"strings"
)

// ErrMissingCaller signals that no tenant/user pair is attached to the context.
var ErrMissingCaller = errors.New("tenant and user are required")

// Caller identifies who issued a request. It is passed explicitly through
// context values set at the transport edge, never through globals.
type Caller struct {
	TenantID string
	UserID   string
}

type callerKey struct{}

// Validate reports whether both identifiers are present.
func (c Caller) Validate() error {
	if strings.TrimSpace(c.TenantID) == "" || strings.TrimSpace(c.UserID) == "" {
		return ErrMissingCaller
	}
	return nil
}

// WithCaller returns a child context carrying the caller.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// From extracts the caller from ctx.
func From(ctx context.Context) (Caller, error) {
	if ctx == nil {
		return Caller{}, ErrMissingCaller
	}
	c, ok := ctx.Value(callerKey{}).(Caller)
	if !ok {
		return Caller{}, ErrMissingCaller
	}
	if err := c.Validate(); err != nil {
		return Caller{}, err
	}
	return c, nil
}
