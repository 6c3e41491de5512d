package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"fulfillment/internal/orders"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

var orderRowColumns = []string{
	"id", "tenant_id", "user_id", "number", "items", "subtotal", "tax", "total", "currency", "status",
	"billing_address", "shipping_address", "created_at", "updated_at",
}

func sampleOrder(now time.Time) *orders.Order {
	addr := orders.Address{Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"}
	return orders.NewOrder("order-1", "tenant-1", "user-1", "ORD-20240301-abcd-ABCDEFGH", orders.CreateRequest{
		Items:           []orders.LineItem{{ProductID: "sku-1", Quantity: 1, UnitPrice: 10997}},
		Currency:        "USD",
		BillingAddress:  addr,
		ShippingAddress: addr,
		PaymentToken:    "tok",
	}, now)
}

func TestOrderStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS orders").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS orders_tenant_created_idx").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS orders_status_idx").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store, err := NewOrderStoreWithSchema(context.Background(), db)
	if err != nil {
		t.Fatalf("WithSchema: %v", err)
	}
	if store == nil {
		t.Fatalf("expected store")
	}
}

func TestOrderStore_Create(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO orders").
		WithArgs("order-1", "tenant-1", "user-1", "ORD-20240301-abcd-ABCDEFGH",
			sqlmock.AnyArg(), int64(10997), int64(0), int64(10997), "USD", "PENDING",
			sqlmock.AnyArg(), sqlmock.AnyArg(), now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	if err := NewOrderStore(db).Create(context.Background(), sampleOrder(now)); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestOrderStore_Create_DuplicateNumber(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO orders").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "orders_tenant_number_key"})
	mock.ExpectClose()

	err := NewOrderStore(db).Create(context.Background(), sampleOrder(time.Now()))
	if !errors.Is(err, orders.ErrDuplicateNumber) {
		t.Fatalf("expected ErrDuplicateNumber, got %v", err)
	}
}

func TestOrderStore_Get(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	addr := []byte(`{"line1":"1 Main St","city":"Springfield","postal_code":"12345","country":"US"}`)
	mock.ExpectQuery("SELECT id, tenant_id, user_id").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows(orderRowColumns).AddRow(
			"order-1", "tenant-1", "user-1", "ORD-20240301-abcd-ABCDEFGH",
			[]byte(`[{"product_id":"sku-1","quantity":1,"unit_price":10997}]`),
			int64(10997), int64(0), int64(10997), "USD", "CONFIRMED", addr, addr, now, now))
	mock.ExpectClose()

	o, err := NewOrderStore(db).Get(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if o.Status != orders.StatusConfirmed || o.Totals.Total != 10997 {
		t.Fatalf("unexpected order: %+v", o)
	}
	if len(o.Items) != 1 || o.Items[0].ProductID != "sku-1" {
		t.Fatalf("unexpected items: %+v", o.Items)
	}
	if o.ShippingAddress.City != "Springfield" {
		t.Fatalf("unexpected address: %+v", o.ShippingAddress)
	}
}

func TestOrderStore_Get_NotFound(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT id, tenant_id, user_id").
		WithArgs("order-404").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectClose()

	_, err := NewOrderStore(db).Get(context.Background(), "order-404")
	if !errors.Is(err, orders.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderStore_UpdateStatus(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE orders SET status").
		WithArgs("order-1", "PENDING", "CONFIRMED", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	if err := NewOrderStore(db).UpdateStatus(context.Background(), "order-1", orders.StatusPending, orders.StatusConfirmed, at); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
}

func TestOrderStore_UpdateStatus_Stale(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	at := time.Now()
	mock.ExpectExec("UPDATE orders SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM orders").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("CANCELLED"))
	mock.ExpectClose()

	err := NewOrderStore(db).UpdateStatus(context.Background(), "order-1", orders.StatusPending, orders.StatusConfirmed, at)
	if !errors.Is(err, orders.ErrStaleOrder) {
		t.Fatalf("expected ErrStaleOrder, got %v", err)
	}
}

func TestOrderStore_UpdateStatus_Missing(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE orders SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM orders").
		WithArgs("order-404").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectClose()

	err := NewOrderStore(db).UpdateStatus(context.Background(), "order-404", orders.StatusPending, orders.StatusCancelled, time.Now())
	if !errors.Is(err, orders.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderStore_UpdateStatus_InvalidTransition(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)
	mock.ExpectClose()

	err := NewOrderStore(db).UpdateStatus(context.Background(), "order-1", orders.StatusShipped, orders.StatusPending, time.Now())
	var transitionErr *orders.InvalidTransitionError
	if !errors.As(err, &transitionErr) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestOrderStore_OrderNumberExists(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("tenant-1", "ORD-20240301-abcd-ABCDEFGH").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectClose()

	exists, err := NewOrderStore(db).OrderNumberExists(context.Background(), "tenant-1", "ORD-20240301-abcd-ABCDEFGH")
	if err != nil {
		t.Fatalf("OrderNumberExists: %v", err)
	}
	if !exists {
		t.Fatalf("expected number to exist")
	}
}

func TestOrderStore_List(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	addr := []byte(`{}`)
	mock.ExpectQuery(`FROM orders WHERE tenant_id = \$1 AND status = \$2 AND created_at >= \$3 AND created_at < \$4 ORDER BY created_at, id LIMIT \$5 OFFSET \$6`).
		WithArgs("tenant-1", "CONFIRMED", from, to, 2, 4).
		WillReturnRows(sqlmock.NewRows(orderRowColumns).
			AddRow("order-5", "tenant-1", "user-1", "N5", []byte(`[]`), int64(1), int64(0), int64(1), "USD", "CONFIRMED", addr, addr, from, from).
			AddRow("order-6", "tenant-1", "user-1", "N6", []byte(`[]`), int64(2), int64(0), int64(2), "USD", "CONFIRMED", addr, addr, from, from))
	mock.ExpectClose()

	list, err := NewOrderStore(db).List(context.Background(), orders.ListFilter{
		TenantID: "tenant-1",
		Status:   orders.StatusConfirmed,
		From:     from,
		To:       to,
		Limit:    2,
		Offset:   4,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != "order-5" || list[1].Totals.Total != 2 {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestOrderStore_List_Unfiltered(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery(`FROM orders ORDER BY created_at, id$`).
		WillReturnRows(sqlmock.NewRows(orderRowColumns))
	mock.ExpectClose()

	list, err := NewOrderStore(db).List(context.Background(), orders.ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %d", len(list))
	}
}
