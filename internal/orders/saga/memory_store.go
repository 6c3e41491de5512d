package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// StepRecord is one entry of the saga audit log.
type StepRecord struct {
	SagaID    string
	Step      Step
	Status    string
	Detail    string
	CreatedAt time.Time
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	states  map[string]State
	byOrder map[string]string
	steps   []StepRecord
	now     func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:  make(map[string]State),
		byOrder: make(map[string]string),
		now:     time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[st.ID]; ok {
		return fmt.Errorf("saga %s already exists", st.ID)
	}
	if _, ok := s.byOrder[st.OrderID]; ok {
		return fmt.Errorf("order %s already has a saga", st.OrderID)
	}
	s.states[st.ID] = cloneState(*st)
	s.byOrder[st.OrderID] = st.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sagaID string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[sagaID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}
	out := cloneState(st)
	return &out, nil
}

func (s *MemoryStore) GetByOrderID(ctx context.Context, orderID string) (*State, error) {
	s.mu.Lock()
	id, ok := s.byOrder[orderID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrSagaNotFound, orderID)
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) Update(_ context.Context, st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.states[st.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSagaNotFound, st.ID)
	}
	if current.Version != st.Version {
		return fmt.Errorf("%w: %s at version %d, have %d", ErrStaleState, st.ID, current.Version, st.Version)
	}
	st.Version++
	s.states[st.ID] = cloneState(*st)
	return nil
}

func (s *MemoryStore) ListTimedOut(_ context.Context, now time.Time, limit int) ([]*State, error) {
	return s.list(limit, func(st State) bool {
		return st.Status.IsActive() && st.IsTimedOut(now)
	}), nil
}

func (s *MemoryStore) ListActive(_ context.Context, limit int) ([]*State, error) {
	return s.list(limit, func(st State) bool { return st.Status.IsActive() }), nil
}

func (s *MemoryStore) list(limit int, match func(State) bool) []*State {
	s.mu.Lock()
	var out []*State
	for _, st := range s.states {
		if match(st) {
			c := cloneState(st)
			out = append(out, &c)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TimeoutAt.Before(out[j].TimeoutAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) PurgeFinished(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for id, st := range s.states {
		if !st.Status.IsFinal() || !st.UpdatedAt.Before(before) {
			continue
		}
		delete(s.states, id)
		delete(s.byOrder, st.OrderID)
		purged++
	}
	kept := s.steps[:0]
	for _, rec := range s.steps {
		if _, ok := s.states[rec.SagaID]; ok {
			kept = append(kept, rec)
		}
	}
	s.steps = kept
	return purged, nil
}

func (s *MemoryStore) AddStep(_ context.Context, sagaID string, step Step, status, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, StepRecord{
		SagaID:    sagaID,
		Step:      step,
		Status:    status,
		Detail:    detail,
		CreatedAt: s.now(),
	})
	return nil
}

// Steps returns the audit log of one saga.
func (s *MemoryStore) Steps(sagaID string) []StepRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StepRecord
	for _, rec := range s.steps {
		if rec.SagaID == sagaID {
			out = append(out, rec)
		}
	}
	return out
}

func cloneState(st State) State {
	data := make(Data, len(st.Data))
	for k, v := range st.Data {
		data[k] = v
	}
	st.Data = data
	return st
}
