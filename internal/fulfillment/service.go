package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"fulfillment/internal/idempotency"
	"fulfillment/internal/observability"
	"fulfillment/internal/ordernum"
	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"
	"fulfillment/internal/replay"
	"fulfillment/internal/tenancy"
)

const (
	jobRetention = 256

	KindReplayOrder   = "order"
	KindReplayRange   = "date_range"
	KindReplayStatus  = "status"
	KindRecoverEvents = "recover"
)

// ErrJobNotFound is returned for unknown replay job ids.
var ErrJobNotFound = errors.New("replay job not found")

// Backends are the stores and collaborators a Service runs on.
type Backends struct {
	Orders      orders.Store
	Sagas       saga.Store
	Idempotency idempotency.Store
	Accounts    orders.AccountValidator
	Inventory   orders.InventoryService
	Payments    orders.PaymentService
	Events      orders.EventSink
}

// Options configures New.
type Options struct {
	Backends    Backends
	Reliability orders.ReliabilityConfig
	Idempotency idempotency.Config
	OrderPrefix string
	StepTimeout time.Duration
	Sweeper     saga.SweeperConfig
	Replay      replay.Config
	Metrics     *observability.Metrics
	Logf        func(format string, args ...any)
}

// Service is the entry point for order intake, inspection and event replay.
type Service struct {
	orders       orders.Store
	sagas        saga.Store
	orchestrator *saga.Orchestrator
	sweeper      *saga.Sweeper
	replay       *replay.Coordinator
	jobs         *jobRunner
	metrics      *observability.Metrics
	logf         func(format string, args ...any)
}

// New wires the orchestrator, sweeper and replay coordinator over b.
// Collaborators are wrapped with retries, a circuit breaker, an optional
// rate limit and a per-call timeout.
func New(opts Options) (*Service, error) {
	b := opts.Backends
	if b.Orders == nil || b.Sagas == nil || b.Idempotency == nil {
		return nil, errors.New("fulfillment: order, saga and idempotency stores are required")
	}
	if b.Accounts == nil || b.Inventory == nil || b.Payments == nil {
		return nil, errors.New("fulfillment: account, inventory and payment collaborators are required")
	}
	if b.Events == nil {
		b.Events = orders.NoopEventSink{}
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	rel := opts.Reliability
	if rel.RetryMaxAttempts < 1 {
		rel = orders.DefaultReliabilityConfig()
	}

	numbers, err := ordernum.NewGenerator(opts.OrderPrefix, b.Orders, logf)
	if err != nil {
		return nil, err
	}

	// Each collaborator call is attempted once; the saga owns the retry budget.
	callRetry := orders.RetryPolicy{MaxAttempts: 1}
	onWait := metrics.AddRateLimitWait
	accounts := orders.NewReliableAccountValidator(b.Accounts, rel.NewLimiter(onWait), rel.NewBreaker(), callRetry, rel.CallTimeout)
	inventory := orders.NewReliableInventoryService(b.Inventory, rel.NewLimiter(onWait), rel.NewBreaker(), callRetry, rel.CallTimeout)
	payments := orders.NewReliablePaymentService(b.Payments, rel.NewLimiter(onWait), rel.NewBreaker(), callRetry, rel.CallTimeout)

	orchestrator, err := saga.NewOrchestrator(saga.Dependencies{
		Orders:    b.Orders,
		Sagas:     b.Sagas,
		Numbers:   numbers,
		Accounts:  accounts,
		Inventory: inventory,
		Payments:  payments,
		Events:    b.Events,
		Guard:     idempotency.NewGuard(b.Idempotency, opts.Idempotency),
		Metrics:   metrics,
	}, saga.Config{
		StepTimeout: opts.StepTimeout,
		Retry:       rel.StepRetry(),
		Logf:        logf,
	})
	if err != nil {
		return nil, err
	}

	sweeperCfg := opts.Sweeper
	if sweeperCfg.Logf == nil {
		sweeperCfg.Logf = logf
	}
	sweeper, err := saga.NewSweeper(orchestrator, sweeperCfg)
	if err != nil {
		return nil, err
	}

	replayCfg := opts.Replay
	if replayCfg.Logf == nil {
		replayCfg.Logf = logf
	}
	coordinator, err := replay.NewCoordinator(b.Orders, b.Events, metrics, replayCfg)
	if err != nil {
		return nil, err
	}

	return &Service{
		orders:       b.Orders,
		sagas:        b.Sagas,
		orchestrator: orchestrator,
		sweeper:      sweeper,
		replay:       coordinator,
		jobs:         newJobRunner(jobRetention, logf),
		metrics:      metrics,
		logf:         logf,
	}, nil
}

// Start resumes sagas left active by a previous process and schedules the
// sweeper.
func (s *Service) Start(ctx context.Context) error {
	resumed, err := s.orchestrator.Resume(ctx)
	if err != nil {
		return err
	}
	if resumed > 0 {
		s.logf("resumed %d active sagas", resumed)
	}
	return s.sweeper.Start(ctx)
}

// Shutdown stops the sweeper and waits for in-flight sagas and replay jobs.
func (s *Service) Shutdown(ctx context.Context) error {
	return errors.Join(
		s.sweeper.Stop(ctx),
		s.orchestrator.Wait(ctx),
		s.jobs.wait(ctx),
	)
}

// Metrics exposes the service counters.
func (s *Service) Metrics() *observability.Metrics {
	return s.metrics
}

// Sweeper exposes the timeout sweeper for manual runs.
func (s *Service) Sweeper() *saga.Sweeper {
	return s.sweeper
}

// CreateOrder accepts an order without deduplication.
func (s *Service) CreateOrder(ctx context.Context, req orders.CreateRequest) (saga.Outcome, error) {
	return s.orchestrator.Start(ctx, req, "")
}

// CreateOrderIdempotent accepts an order keyed by clientToken. Repeating the
// call with the same token and body returns the original order.
func (s *Service) CreateOrderIdempotent(ctx context.Context, req orders.CreateRequest, clientToken string) (saga.Outcome, error) {
	return s.orchestrator.Start(ctx, req, clientToken)
}

// GetOrder returns an order owned by the caller's tenant.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*orders.Order, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if caller, err := tenancy.From(ctx); err == nil && caller.TenantID != o.TenantID {
		return nil, fmt.Errorf("%w: %s", orders.ErrOrderNotFound, orderID)
	}
	return o, nil
}

// GetSaga returns the saga driving an order.
func (s *Service) GetSaga(ctx context.Context, orderID string) (*saga.State, error) {
	if _, err := s.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.sagas.GetByOrderID(ctx, orderID)
}

// WaitForSagas blocks until background saga runs finish.
func (s *Service) WaitForSagas(ctx context.Context) error {
	return s.orchestrator.Wait(ctx)
}

// ReplayOrderEvents republishes one order's events in the background.
func (s *Service) ReplayOrderEvents(ctx context.Context, orderID string) (Job, error) {
	if orderID == "" {
		return Job{}, &orders.ValidationError{Field: "order_id", Reason: "is required"}
	}
	return s.jobs.submit(ctx, KindReplayOrder, orderID, tenantOf(ctx), func(ctx context.Context) (replay.Summary, error) {
		n, err := s.replay.ReplayForOrder(ctx, orderID)
		return singleSummary(orderID, n, err), err
	}), nil
}

// ReplayByDateRange republishes events for orders created in [start, end)
// in the background.
func (s *Service) ReplayByDateRange(ctx context.Context, start, end time.Time) (Job, error) {
	if start.IsZero() || end.IsZero() || !start.Before(end) {
		return Job{}, &orders.ValidationError{Field: "range", Reason: "start must be before end"}
	}
	target := start.UTC().Format(time.RFC3339) + "/" + end.UTC().Format(time.RFC3339)
	return s.jobs.submit(ctx, KindReplayRange, target, tenantOf(ctx), func(ctx context.Context) (replay.Summary, error) {
		return s.replay.ReplayByDateRange(ctx, start, end)
	}), nil
}

// ReplayByStatus republishes events for orders in status in the background.
func (s *Service) ReplayByStatus(ctx context.Context, status orders.Status) (Job, error) {
	if !status.Valid() {
		return Job{}, &orders.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	return s.jobs.submit(ctx, KindReplayStatus, string(status), tenantOf(ctx), func(ctx context.Context) (replay.Summary, error) {
		return s.replay.ReplayByStatus(ctx, status)
	}), nil
}

// RecoverMissingEvents checks an order and republishes its events in the
// background.
func (s *Service) RecoverMissingEvents(ctx context.Context, orderID string) (Job, error) {
	if orderID == "" {
		return Job{}, &orders.ValidationError{Field: "order_id", Reason: "is required"}
	}
	return s.jobs.submit(ctx, KindRecoverEvents, orderID, tenantOf(ctx), func(ctx context.Context) (replay.Summary, error) {
		n, err := s.replay.RecoverMissingEvents(ctx, orderID)
		return singleSummary(orderID, n, err), err
	}), nil
}

// ValidateEventConsistency reports whether the order is structurally complete.
func (s *Service) ValidateEventConsistency(ctx context.Context, orderID string) (bool, error) {
	return s.replay.ValidateConsistency(ctx, orderID)
}

// InspectOrder lists structural problems found on an order.
func (s *Service) InspectOrder(ctx context.Context, orderID string) ([]string, error) {
	return s.replay.Inspect(ctx, orderID)
}

// Job returns a replay job visible to the caller's tenant.
func (s *Service) Job(ctx context.Context, id string) (Job, error) {
	job, ok := s.jobs.get(id)
	if !ok {
		return Job{}, ErrJobNotFound
	}
	if tenant := tenantOf(ctx); tenant != "" && job.TenantID != "" && job.TenantID != tenant {
		return Job{}, ErrJobNotFound
	}
	return job, nil
}

// WaitForJobs blocks until background replay jobs finish.
func (s *Service) WaitForJobs(ctx context.Context) error {
	return s.jobs.wait(ctx)
}

func tenantOf(ctx context.Context) string {
	if caller, err := tenancy.From(ctx); err == nil {
		return caller.TenantID
	}
	return ""
}

func singleSummary(orderID string, events int, err error) replay.Summary {
	summary := replay.Summary{Orders: 1, Events: events}
	if err != nil {
		summary.Failures = 1
		summary.FailedOrders = []string{orderID}
	}
	return summary
}
