package orders

import (
	"context"
	"errors"
	"testing"
	"time"
)

func validRequest() CreateRequest {
	addr := Address{Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"}
	return CreateRequest{
		Items: []LineItem{
			{ProductID: "sku-1", Quantity: 2, UnitPrice: 2999},
			{ProductID: "sku-2", Quantity: 1, UnitPrice: 4999},
		},
		Currency:        "usd",
		BillingAddress:  addr,
		ShippingAddress: addr,
		PaymentToken:    "tok_visa",
	}
}

func TestStatusTransitions(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending:    {StatusConfirmed, StatusCancelled},
		StatusConfirmed:  {StatusProcessing, StatusCancelled},
		StatusProcessing: {StatusShipped, StatusCancelled},
		StatusShipped:    {StatusDelivered},
	}
	all := []Status{StatusPending, StatusConfirmed, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			if got := from.CanTransitionTo(to); got != want {
				t.Fatalf("%s -> %s: expected %v, got %v", from, to, want, got)
			}
		}
	}
	if !StatusDelivered.IsFinal() || !StatusCancelled.IsFinal() || StatusShipped.IsFinal() {
		t.Fatalf("unexpected final statuses")
	}
}

func TestOrderTransitionTo_Invalid(t *testing.T) {
	o := &Order{ID: "o-1", Status: StatusShipped}
	err := o.TransitionTo(StatusCancelled, time.Now())

	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != StatusShipped || invalid.To != StatusCancelled || !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("unexpected error detail: %+v", invalid)
	}
	if o.Status != StatusShipped {
		t.Fatalf("status must not change on rejected transition")
	}
}

func TestCreateRequest_Totals(t *testing.T) {
	req := validRequest()
	totals := req.Totals()
	if totals.Subtotal != 10997 || totals.Tax != 0 || totals.Total != 10997 || totals.Currency != "USD" {
		t.Fatalf("unexpected totals: %+v", totals)
	}

	req.TaxRateBps = 825
	totals = req.Totals()
	// 10997 * 8.25% = 907.25 -> 907
	if totals.Tax != 907 || totals.Total != 11904 {
		t.Fatalf("unexpected taxed totals: %+v", totals)
	}
}

func TestCreateRequest_Validate(t *testing.T) {
	if err := validRequest().Validate(); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}

	cases := map[string]func(*CreateRequest){
		"items":          func(r *CreateRequest) { r.Items = nil },
		"quantity":       func(r *CreateRequest) { r.Items[0].Quantity = 0 },
		"product":        func(r *CreateRequest) { r.Items[1].ProductID = "" },
		"currency":       func(r *CreateRequest) { r.Currency = "dollars" },
		"payment token":  func(r *CreateRequest) { r.PaymentToken = "" },
		"shipping city":  func(r *CreateRequest) { r.ShippingAddress.City = "" },
		"billing line1":  func(r *CreateRequest) { r.BillingAddress.Line1 = "" },
		"tax rate range": func(r *CreateRequest) { r.TaxRateBps = 20000 },
	}
	for name, mutate := range cases {
		req := validRequest()
		mutate(&req)
		var verr *ValidationError
		if err := req.Validate(); !errors.As(err, &verr) || !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected ValidationError, got %v", name, err)
		}
	}
}

func TestEventSequence(t *testing.T) {
	cases := map[Status][]EventType{
		StatusPending:    {EventCreated},
		StatusConfirmed:  {EventCreated, EventConfirmed},
		StatusProcessing: {EventCreated, EventConfirmed, EventProcessing},
		StatusShipped:    {EventCreated, EventConfirmed, EventProcessing, EventShipped},
		StatusDelivered:  {EventCreated, EventConfirmed, EventProcessing, EventShipped, EventDelivered},
		StatusCancelled:  {EventCreated, EventCancelled},
	}
	for status, want := range cases {
		got := EventSequence(status)
		if len(got) != len(want) {
			t.Fatalf("%s: expected %v, got %v", status, want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s: expected %v, got %v", status, want, got)
			}
		}
	}
}

func TestMemoryStore_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	o := NewOrder("o-1", "t", "u", "ORD-20240101-0000-AAAAAAAA", validRequest(), now)
	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.UpdateStatus(ctx, "o-1", StatusPending, StatusConfirmed, now.Add(time.Second)); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := store.UpdateStatus(ctx, "o-1", StatusPending, StatusCancelled, now); !errors.Is(err, ErrStaleOrder) {
		t.Fatalf("expected ErrStaleOrder, got %v", err)
	}
	if err := store.UpdateStatus(ctx, "o-1", StatusConfirmed, StatusDelivered, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := store.UpdateStatus(ctx, "missing", StatusPending, StatusConfirmed, now); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	got, err := store.Get(ctx, "o-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusConfirmed || !got.UpdatedAt.Equal(now.Add(time.Second)) {
		t.Fatalf("unexpected stored order: %+v", got)
	}
}

func TestMemoryStore_NumbersAndList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"o-1", "o-2", "o-3"} {
		o := NewOrder(id, "t", "u", "N-"+id, validRequest(), base.Add(time.Duration(i)*time.Hour))
		if err := store.Create(ctx, o); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	dup := NewOrder("o-4", "t", "u", "N-o-1", validRequest(), base)
	if err := store.Create(ctx, dup); !errors.Is(err, ErrDuplicateNumber) {
		t.Fatalf("expected ErrDuplicateNumber, got %v", err)
	}
	exists, _ := store.OrderNumberExists(ctx, "t", "N-o-2")
	if !exists {
		t.Fatalf("expected number to exist")
	}
	exists, _ = store.OrderNumberExists(ctx, "other", "N-o-2")
	if exists {
		t.Fatalf("numbers are scoped per tenant")
	}

	page, err := store.List(ctx, ListFilter{From: base, To: base.Add(3 * time.Hour), Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page) != 2 || page[0].ID != "o-2" || page[1].ID != "o-3" {
		t.Fatalf("unexpected page: %+v", page)
	}
	page, _ = store.List(ctx, ListFilter{Offset: 5})
	if len(page) != 0 {
		t.Fatalf("expected empty page past the end")
	}
}

func TestInMemoryInventory_ReserveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	inv := NewInMemoryInventory(map[string]int{"sku-1": 3})
	items := []LineItem{{ProductID: "sku-1", Quantity: 2}}

	first, err := inv.Reserve(ctx, "t", items, "saga-1:INVENTORY_RESERVATION")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	second, err := inv.Reserve(ctx, "t", items, "saga-1:INVENTORY_RESERVATION")
	if err != nil || second != first {
		t.Fatalf("expected same reservation, got %q %v", second, err)
	}
	if inv.Available("sku-1") != 1 || inv.Reservations() != 1 {
		t.Fatalf("stock should be reserved once")
	}
	if _, err := inv.Reserve(ctx, "t", items, "saga-2:INVENTORY_RESERVATION"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected insufficient stock validation error, got %v", err)
	}

	if err := inv.Release(ctx, first); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := inv.Release(ctx, first); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if inv.Available("sku-1") != 3 || !inv.Released(first) {
		t.Fatalf("stock should be restored exactly once, have %d", inv.Available("sku-1"))
	}
}

func TestInMemoryPaymentService_CaptureAndRefund(t *testing.T) {
	ctx := context.Background()
	payments := NewInMemoryPaymentService()

	id, err := payments.Capture(ctx, "t", 10997, "USD", "tok", "saga-1:PAYMENT_PROCESSING")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	again, _ := payments.Capture(ctx, "t", 10997, "USD", "tok", "saga-1:PAYMENT_PROCESSING")
	if again != id || payments.Captures() != 1 {
		t.Fatalf("capture must be idempotent on key")
	}
	if amount, ok := payments.Captured(id); !ok || amount != 10997 {
		t.Fatalf("unexpected captured amount %d", amount)
	}
	if err := payments.Refund(ctx, id); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if !payments.WasRefunded(id) {
		t.Fatalf("expected refund recorded")
	}
	if err := payments.Refund(ctx, "unknown"); !errors.Is(err, ErrUnknownPayment) {
		t.Fatalf("expected ErrUnknownPayment, got %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(Transient("op", errors.New("x"))) {
		t.Fatalf("wrapped transient error should be transient")
	}
	if !IsTransient(ErrCircuitOpen) || !IsTransient(context.DeadlineExceeded) {
		t.Fatalf("breaker and deadline errors should be transient")
	}
	if IsTransient(context.Canceled) || IsTransient(&ValidationError{Reason: "x"}) || IsTransient(nil) {
		t.Fatalf("unexpected transient classification")
	}
}
