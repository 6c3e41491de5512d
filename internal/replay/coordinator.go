package replay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"fulfillment/internal/observability"
	"fulfillment/internal/ordernum"
	"fulfillment/internal/orders"
	"fulfillment/internal/tenancy"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPageSize    = 100
	DefaultConcurrency = 4
)

// ErrInconsistentOrder is returned when an order fails the structural check
// and its events are not republished.
var ErrInconsistentOrder = errors.New("order state is inconsistent")

// Config tunes batch replays.
type Config struct {
	PageSize    int
	Concurrency int
	Logf        func(format string, args ...any)
}

// Summary reports the outcome of a batch replay.
type Summary struct {
	Orders       int      `json:"orders"`
	Events       int      `json:"events"`
	Failures     int      `json:"failures"`
	FailedOrders []string `json:"failed_orders,omitempty"`
}

// Coordinator rebuilds and republishes order events from persisted state.
type Coordinator struct {
	orders      orders.Store
	sink        orders.EventSink
	metrics     *observability.Metrics
	pageSize    int
	concurrency int
	logf        func(format string, args ...any)
	now         func() time.Time
	newID       func() string
}

// NewCoordinator constructs a Coordinator. metrics may be nil.
func NewCoordinator(store orders.Store, sink orders.EventSink, metrics *observability.Metrics, cfg Config) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("order store is required")
	}
	if sink == nil {
		return nil, errors.New("event sink is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	return &Coordinator{
		orders:      store,
		sink:        sink,
		metrics:     metrics,
		pageSize:    cfg.PageSize,
		concurrency: cfg.Concurrency,
		logf:        cfg.Logf,
		now:         time.Now,
		newID:       uuid.NewString,
	}, nil
}

// ReplayForOrder republishes the status-appropriate event sequence for one
// order, each event carrying the current snapshot. It returns the number of
// events published.
func (c *Coordinator) ReplayForOrder(ctx context.Context, orderID string) (n int, err error) {
	span := c.metrics.Start("replay.order")
	defer func() { span.End(err) }()

	o, err := c.load(ctx, orderID)
	if err != nil {
		return 0, err
	}
	return c.replay(ctx, o)
}

func (c *Coordinator) replay(ctx context.Context, o *orders.Order) (int, error) {
	sequence := orders.EventSequence(o.Status)
	if len(sequence) == 0 {
		return 0, fmt.Errorf("%w: order %s has status %q", ErrInconsistentOrder, o.ID, o.Status)
	}
	published := 0
	for _, typ := range sequence {
		event := orders.NewEvent(c.newID(), typ, *o, c.now().UTC())
		event.Replayed = true
		if err := c.sink.Publish(ctx, event.Topic(), event); err != nil {
			c.metrics.Add("replay.events", int64(published))
			return published, fmt.Errorf("replay %s for order %s: %w", typ, o.ID, err)
		}
		published++
	}
	c.metrics.Add("replay.events", int64(published))
	return published, nil
}

// ReplayByDateRange replays every order created in [start, end).
func (c *Coordinator) ReplayByDateRange(ctx context.Context, start, end time.Time) (Summary, error) {
	if start.IsZero() || end.IsZero() || !start.Before(end) {
		return Summary{}, &orders.ValidationError{Field: "range", Reason: "start must be before end"}
	}
	return c.replayBatch(ctx, orders.ListFilter{From: start, To: end})
}

// ReplayByStatus replays every order currently in status.
func (c *Coordinator) ReplayByStatus(ctx context.Context, status orders.Status) (Summary, error) {
	if !status.Valid() {
		return Summary{}, &orders.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	return c.replayBatch(ctx, orders.ListFilter{Status: status})
}

// replayBatch pages through matching orders. Per-order failures are logged
// and counted; only listing errors abort the batch.
func (c *Coordinator) replayBatch(ctx context.Context, filter orders.ListFilter) (Summary, error) {
	if caller, err := tenancy.From(ctx); err == nil {
		filter.TenantID = caller.TenantID
	}
	filter.Limit = c.pageSize

	var (
		mu      sync.Mutex
		summary Summary
	)
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		page, err := c.orders.List(ctx, filter)
		if err != nil {
			return summary, fmt.Errorf("list orders at offset %d: %w", filter.Offset, err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.concurrency)
		for i := range page {
			o := page[i]
			g.Go(func() error {
				n, err := c.replay(gctx, &o)
				mu.Lock()
				defer mu.Unlock()
				summary.Orders++
				summary.Events += n
				if err != nil {
					summary.Failures++
					summary.FailedOrders = append(summary.FailedOrders, o.ID)
					c.metrics.Incr("replay.failures")
					c.logf("replay: order %s: %v", o.ID, err)
				}
				return nil
			})
		}
		_ = g.Wait()

		if len(page) < c.pageSize {
			break
		}
		filter.Offset += len(page)
	}

	c.logf("replay: %d orders, %d events, %d failures", summary.Orders, summary.Events, summary.Failures)
	return summary, nil
}

// Inspect returns the structural problems found on an order. An empty list
// means the order looks complete.
func (c *Coordinator) Inspect(ctx context.Context, orderID string) ([]string, error) {
	o, err := c.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return inspect(o), nil
}

// ValidateConsistency reports whether the persisted order is structurally
// complete. It does not compare against published events.
func (c *Coordinator) ValidateConsistency(ctx context.Context, orderID string) (bool, error) {
	problems, err := c.Inspect(ctx, orderID)
	if err != nil {
		return false, err
	}
	if len(problems) > 0 {
		c.logf("consistency: order %s: %v", orderID, problems)
	}
	return len(problems) == 0, nil
}

// RecoverMissingEvents republishes an order's events after it passes the
// structural check.
func (c *Coordinator) RecoverMissingEvents(ctx context.Context, orderID string) (int, error) {
	o, err := c.load(ctx, orderID)
	if err != nil {
		return 0, err
	}
	if problems := inspect(o); len(problems) > 0 {
		c.metrics.Incr("replay.inconsistent")
		return 0, fmt.Errorf("%w: order %s: %v", ErrInconsistentOrder, orderID, problems)
	}
	c.metrics.Incr("replay.recovered")
	return c.replay(ctx, o)
}

func (c *Coordinator) load(ctx context.Context, orderID string) (*orders.Order, error) {
	if orderID == "" {
		return nil, &orders.ValidationError{Field: "order_id", Reason: "is required"}
	}
	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if caller, err := tenancy.From(ctx); err == nil && caller.TenantID != o.TenantID {
		return nil, orders.ErrOrderNotFound
	}
	return o, nil
}

func inspect(o *orders.Order) []string {
	var problems []string
	if !o.Status.Valid() {
		problems = append(problems, "status is not set")
	}
	if len(o.Items) == 0 {
		problems = append(problems, "order has no items")
	}
	if o.Totals.Currency == "" {
		problems = append(problems, "currency is not set")
	}
	var subtotal int64
	for _, item := range o.Items {
		subtotal += item.Total()
	}
	if o.Totals.Subtotal != subtotal {
		problems = append(problems, fmt.Sprintf("subtotal %d does not match items %d", o.Totals.Subtotal, subtotal))
	}
	if o.Totals.Total <= 0 && subtotal > 0 {
		problems = append(problems, "total is not populated")
	} else if o.Totals.Total != o.Totals.Subtotal+o.Totals.Tax {
		problems = append(problems, fmt.Sprintf("total %d does not equal subtotal plus tax", o.Totals.Total))
	}
	if !ordernum.IsValidFormat(o.Number) {
		problems = append(problems, fmt.Sprintf("order number %q is malformed", o.Number))
	}
	return problems
}
