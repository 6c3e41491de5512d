package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	grpcadapter "fulfillment/internal/adapters/grpc"
	"fulfillment/internal/fulfillment"
	"fulfillment/internal/idempotency"
	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"
	"fulfillment/internal/tenancy"

	"github.com/fatih/color"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func init() {
	color.NoColor = true
}

type harness struct {
	svc  *fulfillment.Service
	dial Dialer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rel := orders.DefaultReliabilityConfig()
	rel.RetryBaseDelay = time.Millisecond
	svc, err := fulfillment.New(fulfillment.Options{
		Backends: fulfillment.Backends{
			Orders:      orders.NewMemoryStore(),
			Sagas:       saga.NewMemoryStore(),
			Idempotency: idempotency.NewMemoryStore(),
			Accounts:    orders.NewInMemoryAccountValidator(),
			Inventory:   orders.NewInMemoryInventory(nil),
			Payments:    orders.NewInMemoryPaymentService(),
		},
		Reliability: rel,
		Logf:        func(string, ...any) {},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	lis := bufconn.Listen(1024 * 1024)
	server := grpcpkg.NewServer(grpcpkg.UnaryInterceptor(grpcadapter.CallerInterceptor()))
	grpcadapter.RegisterOrderServiceServer(server, grpcadapter.NewOrderServer(svc))
	go func() {
		_ = server.Serve(lis)
	}()
	t.Cleanup(server.Stop)

	dial := func(string) (grpcpkg.ClientConnInterface, func() error, error) {
		conn, err := grpcpkg.NewClient("passthrough:///bufnet",
			grpcpkg.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.Dial()
			}),
			grpcpkg.WithTransportCredentials(insecure.NewCredentials()),
		)
		if err != nil {
			return nil, nil, err
		}
		return conn, conn.Close, nil
	}
	return &harness{svc: svc, dial: dial}
}

func (h *harness) createOrder(t *testing.T) *orders.Order {
	t.Helper()
	ctx := tenancy.WithCaller(context.Background(), tenancy.Caller{TenantID: "tenant-1", UserID: "user-1"})
	addr := orders.Address{Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"}
	out, err := h.svc.CreateOrder(ctx, orders.CreateRequest{
		Items:           []orders.LineItem{{ProductID: "sku-1", Quantity: 1, UnitPrice: 9997}},
		Currency:        "USD",
		BillingAddress:  addr,
		ShippingAddress: addr,
		PaymentToken:    "tok_visa",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.svc.WaitForSagas(waitCtx); err != nil {
		t.Fatalf("wait sagas: %v", err)
	}
	return out.Order
}

func run(t *testing.T, dial Dialer, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand(&out, dial)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestOrderNumValidate(t *testing.T) {
	out, err := run(t, nil, "ordernum", "validate", "ORD-20240301-1a2b-K3M9Q2XZ")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "is valid") {
		t.Fatalf("unexpected output %q", out)
	}

	if _, err := run(t, nil, "ordernum", "validate", "ORD-2024-bad"); err == nil {
		t.Fatalf("expected malformed number rejected")
	}

	out, err = run(t, nil, "--json", "ordernum", "validate", "nope")
	if err != nil {
		t.Fatalf("json validate: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(out), &body); err != nil || body["valid"] != false {
		t.Fatalf("unexpected json %q (%v)", out, err)
	}
}

func TestOrderNumDate(t *testing.T) {
	out, err := run(t, nil, "ordernum", "date", "ORD-20240301-1a2b-K3M9Q2XZ")
	if err != nil {
		t.Fatalf("date: %v", err)
	}
	if strings.TrimSpace(out) != "2024-03-01" {
		t.Fatalf("unexpected date %q", out)
	}
}

func TestOrderNumGenerate(t *testing.T) {
	out, err := run(t, nil, "--tenant", "tenant-1", "ordernum", "generate", "--prefix", "SHOP", "-n", "3")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	lines := strings.Fields(out)
	if len(lines) != 3 {
		t.Fatalf("expected 3 numbers, got %q", out)
	}
	for _, n := range lines {
		if !strings.HasPrefix(n, "SHOP-") {
			t.Fatalf("unexpected number %q", n)
		}
	}

	if _, err := run(t, nil, "ordernum", "generate"); err == nil {
		t.Fatalf("expected missing tenant rejected")
	}
}

func TestReplayOrderWaits(t *testing.T) {
	h := newHarness(t)
	o := h.createOrder(t)

	out, err := run(t, h.dial, "--tenant", "tenant-1", "--json", "replay", "order", o.ID, "--wait")
	if err != nil {
		t.Fatalf("replay order: %v", err)
	}
	var job map[string]any
	if err := json.Unmarshal([]byte(out), &job); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if job["status"] != string(fulfillment.JobSucceeded) {
		t.Fatalf("expected finished job, got %v", job)
	}
	summary := job["summary"].(map[string]any)
	if summary["events"] != float64(2) {
		t.Fatalf("expected 2 replayed events, got %v", summary)
	}

	out, err = run(t, h.dial, "--tenant", "tenant-1", "job", job["id"].(string))
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if !strings.Contains(out, "SUCCEEDED") || !strings.Contains(out, "JOB_ID") {
		t.Fatalf("unexpected job table %q", out)
	}
}

func TestReplayStatusAndRange(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t)

	if _, err := run(t, h.dial, "--tenant", "tenant-1", "replay", "status", "confirmed", "--wait"); err != nil {
		t.Fatalf("replay status: %v", err)
	}
	if _, err := run(t, h.dial, "--tenant", "tenant-1", "replay", "status", "lost"); err == nil {
		t.Fatalf("expected unknown status rejected")
	}

	day := time.Now().UTC()
	start := day.Add(-time.Hour).Format(time.RFC3339)
	end := day.Add(time.Hour).Format(time.RFC3339)
	out, err := run(t, h.dial, "--tenant", "tenant-1", "--json", "replay", "range", "--start", start, "--end", end, "--wait")
	if err != nil {
		t.Fatalf("replay range: %v", err)
	}
	var job map[string]any
	if err := json.Unmarshal([]byte(out), &job); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if job["summary"].(map[string]any)["orders"] != float64(1) {
		t.Fatalf("expected one order replayed, got %v", job)
	}

	if _, err := run(t, h.dial, "--tenant", "tenant-1", "replay", "range", "--start", "yesterday", "--end", end); err == nil {
		t.Fatalf("expected bad start rejected")
	}
}

func TestConsistencyAndRecover(t *testing.T) {
	h := newHarness(t)
	o := h.createOrder(t)

	out, err := run(t, h.dial, "--tenant", "tenant-1", "consistency", o.ID)
	if err != nil {
		t.Fatalf("consistency: %v", err)
	}
	if !strings.Contains(out, "is consistent") {
		t.Fatalf("unexpected output %q", out)
	}

	if _, err := run(t, h.dial, "--tenant", "tenant-1", "recover", o.ID, "--wait"); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if _, err := run(t, h.dial, "--tenant", "tenant-2", "consistency", o.ID); err == nil {
		t.Fatalf("expected other tenant to be refused")
	}
}

func TestRemoteCallsNeedTenant(t *testing.T) {
	h := newHarness(t)
	t.Setenv("ORDERCTL_TENANT", "")

	if _, err := run(t, h.dial, "consistency", "order-1"); err == nil {
		t.Fatalf("expected missing tenant rejected")
	}
}
