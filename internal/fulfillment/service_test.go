package fulfillment

import (
	"context"
	"errors"
	"testing"
	"time"

	"fulfillment/internal/idempotency"
	"fulfillment/internal/observability"
	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"
	"fulfillment/internal/replay"
	"fulfillment/internal/tenancy"
)

type fixture struct {
	svc       *Service
	orders    *orders.MemoryStore
	sagas     *saga.MemoryStore
	inventory *orders.InMemoryInventory
	payments  *orders.InMemoryPaymentService
	events    *orders.RecordingEventSink
	metrics   *observability.Metrics
}

func newFixture(t *testing.T, mutate func(*Backends)) *fixture {
	t.Helper()
	f := &fixture{
		orders:    orders.NewMemoryStore(),
		sagas:     saga.NewMemoryStore(),
		inventory: orders.NewInMemoryInventory(map[string]int{"sku-1": 10}),
		payments:  orders.NewInMemoryPaymentService(),
		events:    &orders.RecordingEventSink{},
		metrics:   observability.NewMetrics(),
	}
	b := Backends{
		Orders:      f.orders,
		Sagas:       f.sagas,
		Idempotency: idempotency.NewMemoryStore(),
		Accounts:    orders.NewInMemoryAccountValidator(),
		Inventory:   f.inventory,
		Payments:    f.payments,
		Events:      f.events,
	}
	if mutate != nil {
		mutate(&b)
	}
	rel := orders.DefaultReliabilityConfig()
	rel.RetryBaseDelay = time.Millisecond
	rel.RetryMaxDelay = 2 * time.Millisecond

	svc, err := New(Options{
		Backends:    b,
		Reliability: rel,
		Metrics:     f.metrics,
		Logf:        func(string, ...any) {},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	f.svc = svc
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := svc.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return f
}

func callerCtx(tenantID string) context.Context {
	return tenancy.WithCaller(context.Background(), tenancy.Caller{TenantID: tenantID, UserID: "user-1"})
}

// request totals 109.97 USD.
func request() orders.CreateRequest {
	addr := orders.Address{Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"}
	return orders.CreateRequest{
		Items: []orders.LineItem{
			{ProductID: "sku-1", Quantity: 1, UnitPrice: 9997},
			{ProductID: "sku-2", Quantity: 2, UnitPrice: 500},
		},
		Currency:        "USD",
		BillingAddress:  addr,
		ShippingAddress: addr,
		PaymentToken:    "tok_visa",
	}
}

func (f *fixture) waitSagas(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.svc.WaitForSagas(ctx); err != nil {
		t.Fatalf("wait for sagas: %v", err)
	}
}

func (f *fixture) waitJobs(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.svc.WaitForJobs(ctx); err != nil {
		t.Fatalf("wait for jobs: %v", err)
	}
}

func TestCreateOrderIdempotent_RetryReturnsSameOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := callerCtx("tenant-1")

	first, err := f.svc.CreateOrderIdempotent(ctx, request(), "abc-1")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if first.Replayed || first.Order.Totals.Total != 10997 || first.Order.Totals.Currency != "USD" {
		t.Fatalf("unexpected first outcome: %+v", first.Order.Totals)
	}
	f.waitSagas(t)

	second, err := f.svc.CreateOrderIdempotent(ctx, request(), "abc-1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !second.Replayed || second.Order.ID != first.Order.ID {
		t.Fatalf("expected replay of %s, got %+v", first.Order.ID, second)
	}
	f.waitSagas(t)

	if f.inventory.Reservations() != 1 || f.payments.Captures() != 1 {
		t.Fatalf("expected one reservation and one capture, got %d and %d", f.inventory.Reservations(), f.payments.Captures())
	}
	o, err := f.svc.GetOrder(ctx, first.Order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.Status != orders.StatusConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", o.Status)
	}
	st, err := f.svc.GetSaga(ctx, o.ID)
	if err != nil {
		t.Fatalf("get saga: %v", err)
	}
	if st.Status != saga.StatusCompleted {
		t.Fatalf("expected completed saga, got %s", st.Status)
	}
}

func TestCreateOrder_DifferentBodySameTokenIsDuplicate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := callerCtx("tenant-1")

	first, err := f.svc.CreateOrderIdempotent(ctx, request(), "abc-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.waitSagas(t)

	changed := request()
	changed.Items[0].Quantity = 3
	_, err = f.svc.CreateOrderIdempotent(ctx, changed, "abc-1")
	var dup *idempotency.DuplicateOrderError
	if !errors.As(err, &dup) || dup.OrderID != first.Order.ID {
		t.Fatalf("expected duplicate order error for %s, got %v", first.Order.ID, err)
	}
}

type failingConfirmStore struct {
	*orders.MemoryStore
}

func (s failingConfirmStore) UpdateStatus(ctx context.Context, orderID string, from, to orders.Status, at time.Time) error {
	if to == orders.StatusConfirmed {
		return errors.New("confirmation rejected")
	}
	return s.MemoryStore.UpdateStatus(ctx, orderID, from, to, at)
}

func TestCreateOrder_PostPaymentFailureRefundsAndCancels(t *testing.T) {
	f := newFixture(t, func(b *Backends) {
		b.Orders = failingConfirmStore{b.Orders.(*orders.MemoryStore)}
	})
	ctx := callerCtx("tenant-1")

	out, err := f.svc.CreateOrder(ctx, request())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.waitSagas(t)

	st, err := f.svc.GetSaga(ctx, out.Order.ID)
	if err != nil {
		t.Fatalf("get saga: %v", err)
	}
	if st.Status != saga.StatusCompensated {
		t.Fatalf("expected compensated saga, got %s (%s)", st.Status, st.Error)
	}
	paymentID, _ := st.Data.Get(saga.DataPaymentID)
	if paymentID == "" || !f.payments.WasRefunded(paymentID) {
		t.Fatalf("expected payment %q refunded", paymentID)
	}
	reservationID, _ := st.Data.Get(saga.DataReservationID)
	if !f.inventory.Released(reservationID) {
		t.Fatalf("expected reservation released")
	}
	if f.inventory.Available("sku-1") != 10 {
		t.Fatalf("expected stock restored, got %d", f.inventory.Available("sku-1"))
	}
	o, err := f.svc.GetOrder(ctx, out.Order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.Status != orders.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", o.Status)
	}
	types := f.events.Types(o.ID)
	if len(types) != 2 || types[0] != orders.EventCreated || types[1] != orders.EventCancelled {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestCreateOrder_StockRejectionsDoNotTripBreaker(t *testing.T) {
	f := newFixture(t, nil)
	greedy := request()
	greedy.Items = []orders.LineItem{{ProductID: "sku-1", Quantity: 1000, UnitPrice: 100}}

	ctxA := callerCtx("tenant-a")
	for i := 0; i < 5; i++ {
		out, err := f.svc.CreateOrder(ctxA, greedy)
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		f.waitSagas(t)
		o, err := f.svc.GetOrder(ctxA, out.Order.ID)
		if err != nil {
			t.Fatalf("get order %d: %v", i, err)
		}
		if o.Status != orders.StatusCancelled {
			t.Fatalf("expected rejected order cancelled, got %s", o.Status)
		}
	}

	ctxB := callerCtx("tenant-b")
	out, err := f.svc.CreateOrder(ctxB, request())
	if err != nil {
		t.Fatalf("create valid order: %v", err)
	}
	f.waitSagas(t)

	st, err := f.svc.GetSaga(ctxB, out.Order.ID)
	if err != nil {
		t.Fatalf("get saga: %v", err)
	}
	if st.Status != saga.StatusCompleted {
		t.Fatalf("expected completed saga, got %s (%s)", st.Status, st.Error)
	}
	if f.inventory.Available("sku-1") != 9 {
		t.Fatalf("expected one unit reserved, got %d left", f.inventory.Available("sku-1"))
	}
}

func TestGetOrder_TenantIsolation(t *testing.T) {
	f := newFixture(t, nil)
	out, err := f.svc.CreateOrder(callerCtx("tenant-1"), request())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.waitSagas(t)

	if _, err := f.svc.GetOrder(callerCtx("tenant-2"), out.Order.ID); !errors.Is(err, orders.ErrOrderNotFound) {
		t.Fatalf("expected not found for other tenant, got %v", err)
	}
	if _, err := f.svc.GetSaga(callerCtx("tenant-2"), out.Order.ID); !errors.Is(err, orders.ErrOrderNotFound) {
		t.Fatalf("expected not found saga for other tenant, got %v", err)
	}
}

func TestReplayOrderEvents_RunsInBackground(t *testing.T) {
	f := newFixture(t, nil)
	ctx := callerCtx("tenant-1")
	out, err := f.svc.CreateOrder(ctx, request())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.waitSagas(t)
	before := len(f.events.Events())

	job, err := f.svc.ReplayOrderEvents(ctx, out.Order.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if job.Status != JobRunning || job.Kind != KindReplayOrder || job.TenantID != "tenant-1" {
		t.Fatalf("unexpected job handle %+v", job)
	}
	f.waitJobs(t)

	done, err := f.svc.Job(ctx, job.ID)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if done.Status != JobSucceeded || done.Summary.Events != 2 || done.FinishedAt == nil {
		t.Fatalf("unexpected finished job %+v", done)
	}
	replayed := f.events.Events()[before:]
	if len(replayed) != 2 || !replayed[0].Replayed || replayed[1].Type != orders.EventConfirmed {
		t.Fatalf("unexpected replayed events %+v", replayed)
	}

	if _, err := f.svc.Job(callerCtx("tenant-2"), job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected other tenant to miss the job, got %v", err)
	}
}

func TestReplayJobs_RecordFailures(t *testing.T) {
	f := newFixture(t, nil)
	ctx := callerCtx("tenant-1")

	job, err := f.svc.ReplayOrderEvents(ctx, "missing")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	f.waitJobs(t)
	done, _ := f.svc.Job(ctx, job.ID)
	if done.Status != JobFailed || done.Error == "" || done.Summary.Failures != 1 {
		t.Fatalf("expected failed job, got %+v", done)
	}

	if _, err := f.svc.ReplayOrderEvents(ctx, ""); !errors.Is(err, orders.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.svc.ReplayByStatus(ctx, "LOST"); !errors.Is(err, orders.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	now := time.Now()
	if _, err := f.svc.ReplayByDateRange(ctx, now, now.Add(-time.Hour)); !errors.Is(err, orders.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestReplayByStatusAndRange(t *testing.T) {
	f := newFixture(t, nil)
	ctx := callerCtx("tenant-1")
	for i := 0; i < 3; i++ {
		if _, err := f.svc.CreateOrder(ctx, request()); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	f.waitSagas(t)

	byStatus, err := f.svc.ReplayByStatus(ctx, orders.StatusConfirmed)
	if err != nil {
		t.Fatalf("replay by status: %v", err)
	}
	byRange, err := f.svc.ReplayByDateRange(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("replay by range: %v", err)
	}
	f.waitJobs(t)

	for _, id := range []string{byStatus.ID, byRange.ID} {
		job, err := f.svc.Job(ctx, id)
		if err != nil {
			t.Fatalf("job %s: %v", id, err)
		}
		if job.Status != JobSucceeded || job.Summary.Orders != 3 || job.Summary.Events != 6 {
			t.Fatalf("unexpected job %+v", job)
		}
	}
}

func TestConsistencyAndRecovery(t *testing.T) {
	f := newFixture(t, nil)
	ctx := callerCtx("tenant-1")
	out, err := f.svc.CreateOrder(ctx, request())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.waitSagas(t)

	ok, err := f.svc.ValidateEventConsistency(ctx, out.Order.ID)
	if err != nil || !ok {
		t.Fatalf("expected consistent order, got %v %v", ok, err)
	}
	problems, err := f.svc.InspectOrder(ctx, out.Order.ID)
	if err != nil || len(problems) != 0 {
		t.Fatalf("expected no problems, got %v %v", problems, err)
	}

	job, err := f.svc.RecoverMissingEvents(ctx, out.Order.ID)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	f.waitJobs(t)
	done, _ := f.svc.Job(ctx, job.ID)
	if done.Status != JobSucceeded || done.Summary.Events != 2 {
		t.Fatalf("unexpected recovery job %+v", done)
	}
}

func TestStartResumesAndSchedules(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.svc.Start(context.Background()); err == nil {
		t.Fatalf("expected second start to fail")
	}
	if f.svc.Sweeper() == nil || f.svc.Metrics() != f.metrics {
		t.Fatalf("expected sweeper and metrics exposed")
	}
}

func TestNewRequiresBackends(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without backends")
	}
	_, err := New(Options{Backends: Backends{
		Orders:      orders.NewMemoryStore(),
		Sagas:       saga.NewMemoryStore(),
		Idempotency: idempotency.NewMemoryStore(),
	}})
	if err == nil {
		t.Fatalf("expected error without collaborators")
	}
}

func TestJobRunnerEvictsFinishedJobs(t *testing.T) {
	r := newJobRunner(2, func(string, ...any) {})
	var ids []string
	for i := 0; i < 3; i++ {
		job := r.submit(context.Background(), KindReplayOrder, "o", "", func(context.Context) (replay.Summary, error) {
			return replay.Summary{}, nil
		})
		ids = append(ids, job.ID)
		if err := r.wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if _, ok := r.get(ids[0]); ok {
		t.Fatalf("expected oldest job evicted")
	}
	if _, ok := r.get(ids[2]); !ok {
		t.Fatalf("expected newest job kept")
	}
}
