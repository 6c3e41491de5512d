package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	orders  map[string]Order
	numbers map[string]string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:  make(map[string]Order),
		numbers: make(map[string]string),
	}
}

func numberKey(tenantID, number string) string {
	return tenantID + "\x00" + number
}

func (s *MemoryStore) Create(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	key := numberKey(o.TenantID, o.Number)
	if _, ok := s.numbers[key]; ok {
		return ErrDuplicateNumber
	}
	s.orders[o.ID] = cloneOrder(*o)
	s.numbers[key] = o.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, orderID string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	out := cloneOrder(o)
	return &out, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, orderID string, from, to Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if !from.CanTransitionTo(to) {
		return &InvalidTransitionError{OrderID: orderID, From: from, To: to}
	}
	if o.Status != from {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrStaleOrder, orderID, o.Status, from)
	}
	if err := o.TransitionTo(to, at); err != nil {
		return err
	}
	s.orders[orderID] = o
	return nil
}

func (s *MemoryStore) OrderNumberExists(_ context.Context, tenantID, number string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.numbers[numberKey(tenantID, number)]
	return ok, nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]Order, error) {
	s.mu.RLock()
	matched := make([]Order, 0)
	for _, o := range s.orders {
		if filter.TenantID != "" && o.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if !filter.From.IsZero() && o.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !o.CreatedAt.Before(filter.To) {
			continue
		}
		matched = append(matched, cloneOrder(o))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func cloneOrder(o Order) Order {
	items := make([]LineItem, len(o.Items))
	copy(items, o.Items)
	o.Items = items
	return o
}
