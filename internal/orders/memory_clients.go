package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrUnknownPayment signals a refund for a payment that was never captured.
var ErrUnknownPayment = errors.New("refund without capture")

// NewInMemoryAccountValidator constructs a validator where every user is active
// until deactivated.
func NewInMemoryAccountValidator() *InMemoryAccountValidator {
	return &InMemoryAccountValidator{inactive: make(map[string]bool)}
}

// InMemoryAccountValidator tracks inactive accounts in memory.
type InMemoryAccountValidator struct {
	mu       sync.Mutex
	inactive map[string]bool
}

func (v *InMemoryAccountValidator) ValidateUser(_ context.Context, tenantID, userID string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.inactive[tenantID+"/"+userID], nil
}

// Deactivate marks a user as unable to order.
func (v *InMemoryAccountValidator) Deactivate(tenantID, userID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inactive[tenantID+"/"+userID] = true
}

type reservation struct {
	id       string
	items    []LineItem
	released bool
}

// NewInMemoryInventory constructs an inventory with the given stock levels.
// Products missing from stock are not tracked and always available.
func NewInMemoryInventory(stock map[string]int) *InMemoryInventory {
	levels := make(map[string]int, len(stock))
	for product, qty := range stock {
		levels[product] = qty
	}
	return &InMemoryInventory{
		stock:  levels,
		byKey:  make(map[string]*reservation),
		byID:   make(map[string]*reservation),
		nextID: func() string { return "res-" + uuid.NewString() },
	}
}

// InMemoryInventory reserves stock in memory.
type InMemoryInventory struct {
	mu     sync.Mutex
	stock  map[string]int
	byKey  map[string]*reservation
	byID   map[string]*reservation
	nextID func() string
}

func (inv *InMemoryInventory) Reserve(_ context.Context, _ string, items []LineItem, reservationKey string) (string, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if existing, ok := inv.byKey[reservationKey]; ok {
		return existing.id, nil
	}
	for _, item := range items {
		available, tracked := inv.stock[item.ProductID]
		if tracked && available < item.Quantity {
			return "", &ValidationError{
				Field:  "items",
				Reason: fmt.Sprintf("insufficient stock for %s: want %d, have %d", item.ProductID, item.Quantity, available),
			}
		}
	}
	for _, item := range items {
		if _, tracked := inv.stock[item.ProductID]; tracked {
			inv.stock[item.ProductID] -= item.Quantity
		}
	}

	res := &reservation{id: inv.nextID(), items: append([]LineItem(nil), items...)}
	inv.byKey[reservationKey] = res
	inv.byID[res.id] = res
	return res.id, nil
}

func (inv *InMemoryInventory) Release(_ context.Context, reservationID string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	res, ok := inv.byID[reservationID]
	if !ok || res.released {
		return nil
	}
	for _, item := range res.items {
		if _, tracked := inv.stock[item.ProductID]; tracked {
			inv.stock[item.ProductID] += item.Quantity
		}
	}
	res.released = true
	return nil
}

// Available returns the remaining stock of a tracked product.
func (inv *InMemoryInventory) Available(productID string) int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.stock[productID]
}

// Reservations returns how many distinct reservations were made.
func (inv *InMemoryInventory) Reservations() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return len(inv.byID)
}

// Released reports whether a reservation was released.
func (inv *InMemoryInventory) Released(reservationID string) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	res, ok := inv.byID[reservationID]
	return ok && res.released
}

type capture struct {
	id       string
	tenantID string
	amount   int64
	currency string
	refunded bool
}

// NewInMemoryPaymentService constructs an in-memory payment service.
func NewInMemoryPaymentService() *InMemoryPaymentService {
	return &InMemoryPaymentService{
		byKey:  make(map[string]*capture),
		byID:   make(map[string]*capture),
		nextID: func() string { return "pay-" + uuid.NewString() },
	}
}

// InMemoryPaymentService tracks captures and refunds in memory.
type InMemoryPaymentService struct {
	mu     sync.Mutex
	byKey  map[string]*capture
	byID   map[string]*capture
	nextID func() string
}

func (p *InMemoryPaymentService) Capture(_ context.Context, tenantID string, amount int64, currency, paymentToken, idempotencyKey string) (string, error) {
	if paymentToken == "" {
		return "", &ValidationError{Field: "payment_token", Reason: "is required"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.byKey[idempotencyKey]; ok {
		return existing.id, nil
	}
	c := &capture{id: p.nextID(), tenantID: tenantID, amount: amount, currency: currency}
	p.byKey[idempotencyKey] = c
	p.byID[c.id] = c
	return c.id, nil
}

func (p *InMemoryPaymentService) Refund(_ context.Context, paymentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byID[paymentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPayment, paymentID)
	}
	c.refunded = true
	return nil
}

// Captures returns how many distinct captures were made.
func (p *InMemoryPaymentService) Captures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

// Captured returns the amount captured for a payment id.
func (p *InMemoryPaymentService) Captured(paymentID string) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byID[paymentID]
	if !ok {
		return 0, false
	}
	return c.amount, true
}

// WasRefunded reports whether a payment was refunded.
func (p *InMemoryPaymentService) WasRefunded(paymentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byID[paymentID]
	return ok && c.refunded
}
