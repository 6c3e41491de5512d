package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"fulfillment/internal/idempotency"
	"fulfillment/internal/observability"
	"fulfillment/internal/orders"
	"fulfillment/internal/tenancy"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultStepTimeout is how long a step may run before the sweeper steps in.
const DefaultStepTimeout = 2 * time.Minute

// ErrStepTimeout is recorded on sagas failed by the sweeper.
var ErrStepTimeout = errors.New("saga step timed out")

// NumberGenerator mints order numbers.
type NumberGenerator interface {
	Generate(ctx context.Context, tenantID string) (string, error)
}

// Dependencies are the collaborators an Orchestrator drives.
type Dependencies struct {
	Orders    orders.Store
	Sagas     Store
	Numbers   NumberGenerator
	Accounts  orders.AccountValidator
	Inventory orders.InventoryService
	Payments  orders.PaymentService
	Events    orders.EventSink
	// Guard is optional; without it every request is processed.
	Guard   *idempotency.Guard
	Metrics *observability.Metrics
}

// Config tunes step execution.
type Config struct {
	StepTimeout time.Duration
	// Retry bounds attempts per step (MaxAttempts) and spaces them out.
	Retry orders.RetryPolicy
	Logf  func(format string, args ...any)
}

// Outcome is the result of Start.
type Outcome struct {
	Order *orders.Order
	// Replayed is set when the order was created by an earlier request with
	// the same idempotency token.
	Replayed bool
}

// Orchestrator runs the fulfillment saga for each order.
type Orchestrator struct {
	deps   Dependencies
	cfg    Config
	locks  *keyedLocks
	tracer trace.Tracer
	logf   func(format string, args ...any)
	now    func() time.Time
	newID  func() string

	wg sync.WaitGroup
}

// NewOrchestrator validates deps and applies defaults.
func NewOrchestrator(deps Dependencies, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("saga: order store is required")
	case deps.Sagas == nil:
		return nil, errors.New("saga: saga store is required")
	case deps.Numbers == nil:
		return nil, errors.New("saga: order number generator is required")
	case deps.Accounts == nil || deps.Inventory == nil || deps.Payments == nil:
		return nil, errors.New("saga: account, inventory and payment collaborators are required")
	}
	if deps.Events == nil {
		deps.Events = orders.NoopEventSink{}
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = DefaultMaxRetries
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		locks:  newKeyedLocks(),
		tracer: otel.Tracer("fulfillment/saga"),
		logf:   logf,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}, nil
}

// Start accepts an order for the caller in ctx and runs its saga in the
// background. A non-empty clientToken makes the call idempotent.
func (o *Orchestrator) Start(ctx context.Context, req orders.CreateRequest, clientToken string) (Outcome, error) {
	caller, err := tenancy.From(ctx)
	if err != nil {
		return Outcome{}, &orders.ValidationError{Field: "caller", Reason: err.Error()}
	}
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}

	var decision idempotency.Decision
	if o.deps.Guard != nil {
		decision, err = o.deps.Guard.Begin(ctx, caller.TenantID, caller.UserID, clientToken, req)
		if err != nil {
			return Outcome{}, err
		}
		if decision.Replay {
			return o.replayOutcome(ctx, decision)
		}
	}

	order, st, err := o.accept(ctx, caller, req)
	if err != nil {
		if o.deps.Guard != nil {
			if failErr := o.deps.Guard.Fail(ctx, decision); failErr != nil {
				o.logf("idempotency: release token %s: %v", decision.Key, failErr)
			}
		}
		return Outcome{}, err
	}
	if o.deps.Guard != nil {
		if err := o.deps.Guard.Complete(ctx, decision, order.ID, order); err != nil {
			o.logf("idempotency: store response for order %s: %v", order.ID, err)
		}
	}

	o.publish(ctx, orders.EventCreated, *order)
	o.dispatch(st.ID)
	return Outcome{Order: order}, nil
}

func (o *Orchestrator) accept(ctx context.Context, caller tenancy.Caller, req orders.CreateRequest) (*orders.Order, *State, error) {
	now := o.now()
	var order *orders.Order
	// A concurrent insert can claim a number between the existence check and
	// Create; draw a fresh one once.
	for attempt := 0; ; attempt++ {
		number, err := o.deps.Numbers.Generate(ctx, caller.TenantID)
		if err != nil {
			return nil, nil, fmt.Errorf("generate order number: %w", err)
		}
		order = orders.NewOrder(o.newID(), caller.TenantID, caller.UserID, number, req, now)
		err = o.deps.Orders.Create(ctx, order)
		if err == nil {
			break
		}
		if attempt == 0 && errors.Is(err, orders.ErrDuplicateNumber) {
			o.logf("saga: order number %s taken, regenerating", number)
			continue
		}
		return nil, nil, fmt.Errorf("create order: %w", err)
	}

	st := NewState(o.newID(), order.ID, caller.TenantID, caller.UserID, o.cfg.Retry.MaxAttempts, now, o.cfg.StepTimeout)
	st.SetData(DataPaymentToken, req.PaymentToken)
	if err := o.deps.Sagas.Create(ctx, st); err != nil {
		if cancelErr := o.deps.Orders.UpdateStatus(ctx, order.ID, orders.StatusPending, orders.StatusCancelled, o.now()); cancelErr != nil {
			o.logf("saga: cancel orphaned order %s: %v", order.ID, cancelErr)
		}
		return nil, nil, fmt.Errorf("create saga: %w", err)
	}
	o.recordStep(ctx, st.ID, st.Step, string(StatusStarted), "order "+order.Number)
	o.deps.Metrics.Incr("saga.started")
	return order, st, nil
}

func (o *Orchestrator) replayOutcome(ctx context.Context, d idempotency.Decision) (Outcome, error) {
	order, err := o.deps.Orders.Get(ctx, d.OrderID)
	if err == nil {
		return Outcome{Order: order, Replayed: true}, nil
	}
	if !errors.Is(err, orders.ErrOrderNotFound) {
		return Outcome{}, err
	}
	var cached orders.Order
	if jsonErr := json.Unmarshal(d.Response, &cached); jsonErr != nil {
		return Outcome{}, fmt.Errorf("decode cached order %s: %w", d.OrderID, jsonErr)
	}
	return Outcome{Order: &cached, Replayed: true}, nil
}

func (o *Orchestrator) dispatch(sagaID string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.Run(context.Background(), sagaID); err != nil {
			o.logf("saga %s: %v", sagaID, err)
		}
	}()
}

// Wait blocks until background saga runs finish or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume re-dispatches every active saga, typically after a restart.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	active, err := o.deps.Sagas.ListActive(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("list active sagas: %w", err)
	}
	for _, st := range active {
		o.dispatch(st.ID)
	}
	return len(active), nil
}

// Run advances the saga until it reaches a final status.
func (o *Orchestrator) Run(ctx context.Context, sagaID string) (*State, error) {
	for {
		st, err := o.Advance(ctx, sagaID)
		if err != nil {
			return st, err
		}
		if st.Status.IsFinal() {
			return st, nil
		}
		if err := ctx.Err(); err != nil {
			return st, err
		}
	}
}

// Advance executes the current step, retrying transient failures, and
// persists the outcome. A failed step triggers compensation before Advance
// returns.
func (o *Orchestrator) Advance(ctx context.Context, sagaID string) (*State, error) {
	unlock := o.locks.Lock(sagaID)
	defer unlock()

	st, err := o.deps.Sagas.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	switch st.Status {
	case StatusCompleted, StatusCompensated:
		return st, nil
	case StatusFailed:
		if _, aborted := st.Data.Get(DataCompensationAborted); aborted {
			return st, nil
		}
		return o.compensate(ctx, st)
	case StatusCompensating:
		return o.compensate(ctx, st)
	}
	return o.executeStep(ctx, st)
}

// HandleTimeout fails an active saga whose step overran its deadline and
// compensates it. Sagas being driven elsewhere in this process are skipped.
func (o *Orchestrator) HandleTimeout(ctx context.Context, sagaID string) (bool, error) {
	unlock, ok := o.locks.TryLock(sagaID)
	if !ok {
		return false, nil
	}
	defer unlock()

	st, err := o.deps.Sagas.Get(ctx, sagaID)
	if err != nil {
		return false, err
	}
	if !st.Status.IsActive() || !st.IsTimedOut(o.now()) {
		return false, nil
	}

	o.deps.Metrics.Incr("saga.timed_out")
	o.logf("saga %s: step %s timed out at %s", st.ID, st.Step, st.TimeoutAt.Format(time.RFC3339))
	if st.Status == StatusCompensating {
		_, err = o.compensate(ctx, st)
		return true, err
	}
	_, err = o.fail(ctx, st, fmt.Errorf("%w: %s", ErrStepTimeout, st.Step))
	return true, err
}

func (o *Orchestrator) executeStep(ctx context.Context, st *State) (*State, error) {
	step := st.Step
	if step == StepCompleted {
		st.Status = StatusCompleted
		st.UpdatedAt = o.now()
		return st, o.save(ctx, st)
	}

	for {
		err := o.runStep(ctx, st)
		if err == nil {
			st.MoveToNextStep(o.now(), o.cfg.StepTimeout)
			if err := o.save(ctx, st); err != nil {
				return st, err
			}
			o.recordStep(ctx, st.ID, step, "COMPLETED", "")
			if st.Status == StatusCompleted {
				o.deps.Metrics.Incr("saga.completed")
				o.logf("saga %s: order %s confirmed", st.ID, st.OrderID)
			}
			return st, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return st, ctxErr
		}
		if !orders.IsTransient(err) {
			return o.fail(ctx, st, err)
		}

		st.IncrementRetryCount()
		st.Error = err.Error()
		st.UpdatedAt = o.now()
		if !st.CanRetry() {
			return o.fail(ctx, st, fmt.Errorf("%w: %s failed after %d attempts: %v",
				orders.ErrCollaboratorUnavailable, step, st.RetryCount, err))
		}
		if err := o.save(ctx, st); err != nil {
			return st, err
		}
		o.recordStep(ctx, st.ID, step, "RETRY", err.Error())
		if err := o.cfg.Retry.Wait(ctx, st.RetryCount); err != nil {
			return st, err
		}
	}
}

func (o *Orchestrator) runStep(ctx context.Context, st *State) (err error) {
	ctx, span := o.tracer.Start(ctx, "saga.step", trace.WithAttributes(
		attribute.String("saga.id", st.ID),
		attribute.String("saga.step", string(st.Step)),
		attribute.String("order.id", st.OrderID),
		attribute.Int("saga.retry", st.RetryCount),
	))
	call := o.deps.Metrics.Start("saga.step." + string(st.Step))
	defer func() {
		call.End(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	key := st.ID + ":" + string(st.Step)
	switch st.Step {
	case StepUserValidation:
		active, err := o.deps.Accounts.ValidateUser(ctx, st.TenantID, st.UserID)
		if err != nil {
			return err
		}
		if !active {
			return &orders.ValidationError{Field: "user", Reason: "account is not active"}
		}
		return nil

	case StepInventoryReservation:
		order, err := o.loadOrder(ctx, st.OrderID)
		if err != nil {
			return err
		}
		reservationID, err := o.deps.Inventory.Reserve(ctx, st.TenantID, order.Items, key)
		if err != nil {
			return err
		}
		st.SetData(DataReservationID, reservationID)
		return nil

	case StepPaymentProcessing:
		order, err := o.loadOrder(ctx, st.OrderID)
		if err != nil {
			return err
		}
		token, _ := st.Data.Get(DataPaymentToken)
		paymentID, err := o.deps.Payments.Capture(ctx, st.TenantID, order.Totals.Total, order.Totals.Currency, token, key)
		if err != nil {
			return err
		}
		st.SetData(DataPaymentID, paymentID)
		return nil

	case StepOrderConfirmation:
		order, err := o.loadOrder(ctx, st.OrderID)
		if err != nil {
			return err
		}
		if order.Status != orders.StatusConfirmed {
			now := o.now()
			if err := o.deps.Orders.UpdateStatus(ctx, order.ID, order.Status, orders.StatusConfirmed, now); err != nil {
				return err
			}
			order.Status = orders.StatusConfirmed
			order.UpdatedAt = now
		}
		st.SetData(DataOrderConfirmed, "true")
		o.publish(ctx, orders.EventConfirmed, *order)
		return nil
	}
	return fmt.Errorf("saga %s: unknown step %q", st.ID, st.Step)
}

func (o *Orchestrator) fail(ctx context.Context, st *State, cause error) (*State, error) {
	o.logf("saga %s: step %s failed: %v", st.ID, st.Step, cause)
	st.MarkFailed(cause, o.now())
	if err := o.save(ctx, st); err != nil {
		return st, err
	}
	o.recordStep(ctx, st.ID, st.Step, string(StatusFailed), cause.Error())
	o.deps.Metrics.Incr("saga.failed")
	return o.compensate(ctx, st)
}

// compensate undoes completed compensatable steps from the current step
// backwards, then cancels the order. Step moves backwards as each undo lands.
func (o *Orchestrator) compensate(ctx context.Context, st *State) (*State, error) {
	if st.Status != StatusCompensating {
		if err := st.StartCompensation(o.now(), o.cfg.StepTimeout); err != nil {
			return st, err
		}
		if err := o.save(ctx, st); err != nil {
			return st, err
		}
		o.recordStep(ctx, st.ID, st.Step, string(StatusCompensating), "")
	}

	for {
		step := st.Step
		if step.IsCompensatable() {
			if err := o.compensateStep(ctx, st, step); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return st, ctxErr
				}
				return o.abortCompensation(ctx, st, step, err)
			}
		}
		prev, ok := step.Previous()
		if !ok {
			break
		}
		now := o.now()
		st.Step = prev
		st.RetryCount = 0
		st.UpdatedAt = now
		st.TimeoutAt = now.Add(o.cfg.StepTimeout)
		if err := o.save(ctx, st); err != nil {
			return st, err
		}
	}

	if err := o.withRetries(ctx, st, func(ctx context.Context) error {
		return o.cancelOrder(ctx, st.OrderID)
	}); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return st, ctxErr
		}
		return o.abortCompensation(ctx, st, st.Step, err)
	}

	st.Status = StatusCompensated
	st.UpdatedAt = o.now()
	if err := o.save(ctx, st); err != nil {
		return st, err
	}
	o.recordStep(ctx, st.ID, st.Step, string(StatusCompensated), "")
	o.deps.Metrics.Incr("saga.compensated")
	o.logf("saga %s: order %s cancelled after compensation", st.ID, st.OrderID)
	return st, nil
}

func (o *Orchestrator) compensateStep(ctx context.Context, st *State, step Step) error {
	var undo func(context.Context) error
	switch step {
	case StepInventoryReservation:
		reservationID, ok := st.Data.Get(DataReservationID)
		if !ok {
			return nil
		}
		undo = func(ctx context.Context) error { return o.deps.Inventory.Release(ctx, reservationID) }
	case StepPaymentProcessing:
		paymentID, ok := st.Data.Get(DataPaymentID)
		if !ok {
			return nil
		}
		undo = func(ctx context.Context) error { return o.deps.Payments.Refund(ctx, paymentID) }
	case StepOrderConfirmation:
		if _, ok := st.Data.Get(DataOrderConfirmed); !ok {
			return nil
		}
		undo = func(ctx context.Context) error { return o.cancelOrder(ctx, st.OrderID) }
	default:
		return nil
	}

	ctx, span := o.tracer.Start(ctx, "saga.compensate", trace.WithAttributes(
		attribute.String("saga.id", st.ID),
		attribute.String("saga.step", string(step)),
	))
	defer span.End()
	call := o.deps.Metrics.Start("saga.compensate." + string(step))

	err := o.withRetries(ctx, st, undo)
	call.End(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	o.recordStep(ctx, st.ID, step, "UNDONE", "")
	return nil
}

// withRetries runs fn, retrying transient failures up to the saga's bound.
func (o *Orchestrator) withRetries(ctx context.Context, st *State, fn func(context.Context) error) error {
	attempts := 0
	for {
		err := fn(ctx)
		if err == nil || !orders.IsTransient(err) {
			return err
		}
		attempts++
		if attempts >= st.MaxRetries {
			return err
		}
		if werr := o.cfg.Retry.Wait(ctx, attempts); werr != nil {
			return werr
		}
	}
}

func (o *Orchestrator) abortCompensation(ctx context.Context, st *State, step Step, cause error) (*State, error) {
	o.logf("CRITICAL: saga %s: compensation of %s failed, manual intervention required: %v", st.ID, step, cause)
	st.Status = StatusFailed
	st.Error = fmt.Sprintf("compensation of %s failed: %v", step, cause)
	st.UpdatedAt = o.now()
	st.SetData(DataCompensationAborted, string(step))
	if err := o.save(ctx, st); err != nil {
		return st, err
	}
	o.recordStep(ctx, st.ID, step, "COMPENSATION_FAILED", cause.Error())
	o.deps.Metrics.Incr("saga.compensation_failed")
	return st, fmt.Errorf("saga %s: compensation of %s: %w", st.ID, step, cause)
}

func (o *Orchestrator) cancelOrder(ctx context.Context, orderID string) error {
	order, err := o.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == orders.StatusCancelled {
		return nil
	}
	now := o.now()
	if err := o.deps.Orders.UpdateStatus(ctx, order.ID, order.Status, orders.StatusCancelled, now); err != nil {
		if errors.Is(err, orders.ErrStaleOrder) {
			return orders.Transient("cancel order", err)
		}
		return err
	}
	order.Status = orders.StatusCancelled
	order.UpdatedAt = now
	o.publish(ctx, orders.EventCancelled, *order)
	return nil
}

func (o *Orchestrator) loadOrder(ctx context.Context, orderID string) (*orders.Order, error) {
	order, err := o.deps.Orders.Get(ctx, orderID)
	if err == nil {
		return order, nil
	}
	if errors.Is(err, orders.ErrOrderNotFound) {
		return nil, err
	}
	return nil, orders.Transient("load order", err)
}

func (o *Orchestrator) save(ctx context.Context, st *State) error {
	if err := o.deps.Sagas.Update(ctx, st); err != nil {
		return fmt.Errorf("persist saga %s: %w", st.ID, err)
	}
	return nil
}

func (o *Orchestrator) recordStep(ctx context.Context, sagaID string, step Step, status, detail string) {
	if err := o.deps.Sagas.AddStep(ctx, sagaID, step, status, detail); err != nil {
		o.logf("saga %s: record step %s: %v", sagaID, step, err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, typ orders.EventType, order orders.Order) {
	event := orders.NewEvent(o.newID(), typ, order, o.now())
	if err := o.deps.Events.Publish(ctx, event.Topic(), event); err != nil {
		o.deps.Metrics.Incr("events.publish_failed")
		o.logf("publish %s for order %s: %v", typ, order.ID, err)
		return
	}
	o.deps.Metrics.Incr("events.published")
}
