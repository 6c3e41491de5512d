package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Step is a stage of the fulfillment saga.
type Step string

const (
	StepUserValidation       Step = "USER_VALIDATION"
	StepInventoryReservation Step = "INVENTORY_RESERVATION"
	StepPaymentProcessing    Step = "PAYMENT_PROCESSING"
	StepOrderConfirmation    Step = "ORDER_CONFIRMATION"
	StepCompleted            Step = "COMPLETED"
)

var stepOrder = []Step{
	StepUserValidation,
	StepInventoryReservation,
	StepPaymentProcessing,
	StepOrderConfirmation,
	StepCompleted,
}

// Index returns the position of s in the saga, or -1.
func (s Step) Index() int {
	for i, step := range stepOrder {
		if step == s {
			return i
		}
	}
	return -1
}

// Next returns the following step; COMPLETED is its own successor.
func (s Step) Next() Step {
	i := s.Index()
	if i < 0 || i == len(stepOrder)-1 {
		return StepCompleted
	}
	return stepOrder[i+1]
}

// Previous returns the preceding step and false for the first step.
func (s Step) Previous() (Step, bool) {
	i := s.Index()
	if i <= 0 {
		return "", false
	}
	return stepOrder[i-1], true
}

// IsCompensatable reports whether the step has an undo action.
func (s Step) IsCompensatable() bool {
	switch s {
	case StepInventoryReservation, StepPaymentProcessing, StepOrderConfirmation:
		return true
	}
	return false
}

// Status is the saga lifecycle.
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusCompensating Status = "COMPENSATING"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensated  Status = "COMPENSATED"
	StatusFailed       Status = "FAILED"
)

// IsActive reports whether the saga still needs driving.
func (s Status) IsActive() bool {
	return s == StatusStarted || s == StatusInProgress || s == StatusCompensating
}

// IsFinal reports whether the saga reached an end state.
func (s Status) IsFinal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusFailed
}

// CanCompensate reports whether compensation may start from s.
func (s Status) CanCompensate() bool {
	return s == StatusInProgress || s == StatusFailed
}

// DataKey names an entry of the saga data bag.
type DataKey string

const (
	DataPaymentToken        DataKey = "payment_token"
	DataReservationID       DataKey = "reservation_id"
	DataPaymentID           DataKey = "payment_id"
	DataOrderConfirmed      DataKey = "order_confirmed"
	DataCompensationAborted DataKey = "compensation_aborted"
)

// Data carries step outputs between steps.
type Data map[DataKey]string

// Get returns the value for key and whether it is set.
func (d Data) Get(key DataKey) (string, bool) {
	v, ok := d[key]
	return v, ok && v != ""
}

// Encode serializes the bag for storage.
func (d Data) Encode() ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

// DecodeData parses a stored bag. Empty input yields an empty bag.
func DecodeData(raw []byte) (Data, error) {
	d := Data{}
	if len(raw) == 0 {
		return d, nil
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// DefaultMaxRetries bounds attempts of a single step.
const DefaultMaxRetries = 3

// State is the persisted progress of one order's saga.
type State struct {
	ID         string
	OrderID    string
	TenantID   string
	UserID     string
	Step       Step
	Status     Status
	RetryCount int
	MaxRetries int
	TimeoutAt  time.Time
	Error      string
	StartedAt  time.Time
	UpdatedAt  time.Time
	Data       Data
	// Version increments on every successful update.
	Version int64
}

// NewState returns a saga positioned at the first step.
func NewState(id, orderID, tenantID, userID string, maxRetries int, now time.Time, stepTimeout time.Duration) *State {
	if maxRetries < 1 {
		maxRetries = DefaultMaxRetries
	}
	return &State{
		ID:         id,
		OrderID:    orderID,
		TenantID:   tenantID,
		UserID:     userID,
		Step:       StepUserValidation,
		Status:     StatusStarted,
		MaxRetries: maxRetries,
		TimeoutAt:  now.Add(stepTimeout),
		StartedAt:  now,
		UpdatedAt:  now,
		Data:       Data{},
	}
}

// SetData records a step output.
func (s *State) SetData(key DataKey, value string) {
	if s.Data == nil {
		s.Data = Data{}
	}
	s.Data[key] = value
}

// MoveToNextStep advances one step, resets the retry counter and refreshes
// the timeout. Reaching COMPLETED completes the saga.
func (s *State) MoveToNextStep(now time.Time, stepTimeout time.Duration) {
	s.Step = s.Step.Next()
	s.RetryCount = 0
	s.Error = ""
	s.UpdatedAt = now
	s.TimeoutAt = now.Add(stepTimeout)
	if s.Step == StepCompleted {
		s.Status = StatusCompleted
		return
	}
	s.Status = StatusInProgress
}

// IncrementRetryCount records another failed attempt of the current step.
func (s *State) IncrementRetryCount() {
	s.RetryCount++
}

// CanRetry reports whether the current step may be attempted again.
func (s *State) CanRetry() bool {
	max := s.MaxRetries
	if max < 1 {
		max = DefaultMaxRetries
	}
	return s.RetryCount < max
}

// IsTimedOut reports whether the current step overran its deadline.
func (s *State) IsTimedOut(now time.Time) bool {
	return !s.TimeoutAt.IsZero() && now.After(s.TimeoutAt)
}

// MarkFailed moves the saga to FAILED with the given cause.
func (s *State) MarkFailed(cause error, now time.Time) {
	s.Status = StatusFailed
	if cause != nil {
		s.Error = cause.Error()
	}
	s.UpdatedAt = now
}

// StartCompensation moves the saga to COMPENSATING.
func (s *State) StartCompensation(now time.Time, stepTimeout time.Duration) error {
	if !s.Status.CanCompensate() {
		return fmt.Errorf("%w: saga %s is %s", ErrCannotCompensate, s.ID, s.Status)
	}
	s.Status = StatusCompensating
	s.RetryCount = 0
	s.UpdatedAt = now
	s.TimeoutAt = now.Add(stepTimeout)
	return nil
}

var (
	ErrSagaNotFound     = errors.New("saga not found")
	ErrStaleState       = errors.New("saga state modified concurrently")
	ErrCannotCompensate = errors.New("saga cannot be compensated")
)

// Store persists saga state with optimistic concurrency on Version.
type Store interface {
	Create(ctx context.Context, st *State) error
	Get(ctx context.Context, sagaID string) (*State, error)
	GetByOrderID(ctx context.Context, orderID string) (*State, error)
	// Update persists st when the stored version equals st.Version and then
	// increments st.Version; otherwise it returns ErrStaleState.
	Update(ctx context.Context, st *State) error
	ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*State, error)
	ListActive(ctx context.Context, limit int) ([]*State, error)
	PurgeFinished(ctx context.Context, before time.Time) (int64, error)
	AddStep(ctx context.Context, sagaID string, step Step, status, detail string) error
}
