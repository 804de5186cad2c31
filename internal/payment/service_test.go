package payment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// --- Mock gateway ---

type mockGateway struct {
	url       string
	token     string
	createErr error

	status        string
	commerceOrder string
	statusErr     error

	mu          sync.Mutex
	createCalls int
	statusCalls int
}

func (m *mockGateway) CreateSession(_ context.Context, commerceOrder, subject string, amount int, email string) (string, string, error) {
	m.mu.Lock()
	m.createCalls++
	m.mu.Unlock()
	if m.createErr != nil {
		return "", "", m.createErr
	}
	return m.url, m.token, nil
}

func (m *mockGateway) FetchStatus(_ context.Context, token string) (string, string, error) {
	m.mu.Lock()
	m.statusCalls++
	m.mu.Unlock()
	if m.statusErr != nil {
		return "", "", m.statusErr
	}
	return m.status, m.commerceOrder, nil
}

// --- Mock resolver ---

type mockResolver struct {
	amount int
	err    error
	calls  int
}

func (m *mockResolver) ResolveAmount(_ context.Context, cart []CartItem) (int, error) {
	m.calls++
	if m.err != nil {
		return 0, m.err
	}
	return m.amount, nil
}

// --- Mock billing ---

type mockBilling struct {
	err   error
	block chan struct{} // when set, NotifyPaid waits until closed

	mu     sync.Mutex
	calls  int
	orders []string
	totals []int
	ctxErr error // ctx.Err() observed by the last call
}

func (m *mockBilling) NotifyPaid(ctx context.Context, commerceOrder string, total int) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.orders = append(m.orders, commerceOrder)
	m.totals = append(m.totals, total)
	m.ctxErr = ctx.Err()
	return m.err
}

func (m *mockBilling) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// --- Helpers ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(gw *mockGateway, resolver AmountResolver, billing BillingNotifier) (*Service, *MemoryStore) {
	store := NewMemoryStore()
	return NewService(store, gw, resolver, billing, testLogger()), store
}

// --- Create ---

func TestCreate_DirectMode(t *testing.T) {
	gw := &mockGateway{url: "https://flow.example/pay", token: "tok-1"}
	svc, store := newTestService(gw, nil, nil)

	resp, err := svc.Create(context.Background(), CreateRequest{
		Email:         "buyer@example.com",
		CommerceOrder: "TH-7-100",
		Subject:       "Compra",
		Amount:        15990,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if resp.URL != "https://flow.example/pay?token=tok-1" {
		t.Errorf("redirect URL = %q", resp.URL)
	}
	if resp.Token != "tok-1" {
		t.Errorf("token = %q", resp.Token)
	}

	p, err := store.GetByCommerceOrder(context.Background(), "TH-7-100")
	if err != nil {
		t.Fatalf("stored payment missing: %v", err)
	}
	if p.Status != StatusPending || p.Amount != 15990 || p.Token != "tok-1" {
		t.Errorf("unexpected stored payment: %+v", p)
	}
}

func TestCreate_GeneratesCommerceOrder(t *testing.T) {
	gw := &mockGateway{url: "https://flow.example/pay", token: "tok-1"}
	svc, _ := newTestService(gw, nil, nil)

	resp, err := svc.Create(context.Background(), CreateRequest{
		Email:  "buyer@example.com",
		Amount: 1000,
		UserID: 42,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if resp.Token == "" {
		t.Error("expected token in response")
	}
}

func TestCreate_MissingEmail(t *testing.T) {
	svc, _ := newTestService(&mockGateway{}, nil, nil)

	_, err := svc.Create(context.Background(), CreateRequest{Amount: 100})
	if !errors.Is(err, ErrMissingEmail) {
		t.Errorf("expected ErrMissingEmail, got %v", err)
	}
}

func TestCreate_InvalidAmount(t *testing.T) {
	svc, _ := newTestService(&mockGateway{}, nil, nil)

	for _, amount := range []int{0, -50} {
		_, err := svc.Create(context.Background(), CreateRequest{Email: "a@b.cl", Amount: amount})
		if !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("amount %d: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestCreate_CartModeUsesResolver(t *testing.T) {
	gw := &mockGateway{url: "https://flow.example/pay", token: "tok-1"}
	resolver := &mockResolver{amount: 29980}
	svc, store := newTestService(gw, resolver, nil)

	_, err := svc.Create(context.Background(), CreateRequest{
		Email:         "buyer@example.com",
		CommerceOrder: "TH-1-1",
		Amount:        5, // ignored in cart mode
		Cart:          []CartItem{{ProductID: "10", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if resolver.calls != 1 {
		t.Errorf("resolver calls = %d, want 1", resolver.calls)
	}

	p, _ := store.GetByCommerceOrder(context.Background(), "TH-1-1")
	if p.Amount != 29980 {
		t.Errorf("stored amount = %d, want resolver total 29980", p.Amount)
	}
}

func TestCreate_CartWithoutResolver(t *testing.T) {
	svc, _ := newTestService(&mockGateway{}, nil, nil)

	_, err := svc.Create(context.Background(), CreateRequest{
		Email: "a@b.cl",
		Cart:  []CartItem{{ProductID: "10", Quantity: 1}},
	})
	if !errors.Is(err, ErrNoCartSupport) {
		t.Errorf("expected ErrNoCartSupport, got %v", err)
	}
}

func TestCreate_GatewayFailureNothingPersisted(t *testing.T) {
	gw := &mockGateway{createErr: errors.New("flow down")}
	svc, store := newTestService(gw, nil, nil)

	_, err := svc.Create(context.Background(), CreateRequest{
		Email:         "a@b.cl",
		CommerceOrder: "TH-1-1",
		Amount:        100,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, err := store.GetByCommerceOrder(context.Background(), "TH-1-1"); !errors.Is(err, ErrNotFound) {
		t.Error("no record should exist after a gateway failure")
	}
}

func TestCreate_DuplicateOrder(t *testing.T) {
	gw := &mockGateway{url: "u", token: "tok-1"}
	svc, _ := newTestService(gw, nil, nil)

	req := CreateRequest{Email: "a@b.cl", CommerceOrder: "TH-1-1", Amount: 100}
	if _, err := svc.Create(context.Background(), req); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := svc.Create(context.Background(), req)
	if !errors.Is(err, ErrDuplicateOrder) {
		t.Errorf("expected ErrDuplicateOrder, got %v", err)
	}
}

// --- Reconcile ---

func seedPending(t *testing.T, store *MemoryStore, order, token string, amount int) {
	t.Helper()
	err := store.Upsert(context.Background(), &Payment{
		CommerceOrder: order,
		Token:         token,
		Status:        StatusPending,
		Amount:        amount,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestReconcile_PaidNotifiesBilling(t *testing.T) {
	gw := &mockGateway{status: "2", commerceOrder: "TH-7-100"}
	billing := &mockBilling{}
	svc, store := newTestService(gw, nil, billing)
	seedPending(t, store, "TH-7-100", "tok-1", 15990)

	resp, err := svc.Reconcile(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if resp.Status != "PAID" {
		t.Errorf("status = %q, want PAID", resp.Status)
	}
	svc.Wait()
	if billing.calls != 1 || billing.orders[0] != "TH-7-100" || billing.totals[0] != 15990 {
		t.Errorf("unexpected billing calls: %+v", billing)
	}

	p, _ := store.GetByCommerceOrder(context.Background(), "TH-7-100")
	if p.Status != StatusPaid {
		t.Errorf("stored status = %s, want PAID", p.Status)
	}
}

func TestReconcile_RepeatPaidDoesNotRenotify(t *testing.T) {
	gw := &mockGateway{status: "2", commerceOrder: "TH-7-100"}
	billing := &mockBilling{}
	svc, store := newTestService(gw, nil, billing)
	seedPending(t, store, "TH-7-100", "tok-1", 15990)

	for i := 0; i < 3; i++ {
		if _, err := svc.Reconcile(context.Background(), "tok-1"); err != nil {
			t.Fatalf("Reconcile #%d: %v", i+1, err)
		}
		svc.Wait()
	}
	if billing.calls != 1 {
		t.Errorf("billing calls = %d, want exactly 1", billing.calls)
	}
}

func TestReconcile_StatusMapping(t *testing.T) {
	cases := []struct {
		raw  string
		want StatusValue
	}{
		{"2", StatusPaid},
		{"PAID", StatusPaid},
		{"paid", StatusPaid},
		{"3", StatusFailed},
		{"4", StatusFailed},
		{"FAILED", StatusFailed},
		{"failed", StatusFailed},
		{"1", StatusPending},
		{"", StatusPending},
		{"weird", StatusPending},
	}

	for _, tc := range cases {
		gw := &mockGateway{status: tc.raw, commerceOrder: "TH-1-1"}
		svc, store := newTestService(gw, nil, nil)
		seedPending(t, store, "TH-1-1", "tok-1", 100)

		resp, err := svc.Reconcile(context.Background(), "tok-1")
		if err != nil {
			t.Fatalf("raw %q: %v", tc.raw, err)
		}
		if resp.Status != string(tc.want) {
			t.Errorf("raw %q: status = %s, want %s", tc.raw, resp.Status, tc.want)
		}
	}
}

func TestReconcile_FailedDoesNotNotify(t *testing.T) {
	gw := &mockGateway{status: "3", commerceOrder: "TH-1-1"}
	billing := &mockBilling{}
	svc, store := newTestService(gw, nil, billing)
	seedPending(t, store, "TH-1-1", "tok-1", 100)

	if _, err := svc.Reconcile(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	svc.Wait()
	if billing.calls != 0 {
		t.Errorf("billing calls = %d, want 0 on FAILED", billing.calls)
	}
}

func TestReconcile_TokenLookupWhenGatewayOmitsOrder(t *testing.T) {
	gw := &mockGateway{status: "2", commerceOrder: ""}
	svc, store := newTestService(gw, nil, nil)
	seedPending(t, store, "TH-7-100", "tok-1", 500)

	resp, err := svc.Reconcile(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if resp.CommerceOrder != "TH-7-100" {
		t.Errorf("commerceOrder = %q, want TH-7-100 via token lookup", resp.CommerceOrder)
	}
}

func TestReconcile_UnknownTokenAndOrder(t *testing.T) {
	gw := &mockGateway{status: "2", commerceOrder: ""}
	svc, _ := newTestService(gw, nil, nil)

	_, err := svc.Reconcile(context.Background(), "tok-unknown")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReconcile_SynthesizesMissingRecord(t *testing.T) {
	// The gateway knows the order but the create-time persist was lost.
	gw := &mockGateway{status: "2", commerceOrder: "TH-9-1"}
	billing := &mockBilling{}
	svc, store := newTestService(gw, nil, billing)

	resp, err := svc.Reconcile(context.Background(), "tok-lost")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if resp.Status != "PAID" {
		t.Errorf("status = %q", resp.Status)
	}

	p, err := store.GetByCommerceOrder(context.Background(), "TH-9-1")
	if err != nil {
		t.Fatalf("synthesized record missing: %v", err)
	}
	if p.Amount != 0 || p.Token != "tok-lost" {
		t.Errorf("unexpected synthesized record: %+v", p)
	}
	svc.Wait()
	if billing.calls != 1 || billing.totals[0] != 0 {
		t.Errorf("billing should be notified with amount 0, got %+v", billing)
	}
}

func TestReconcile_BillingFailureSwallowed(t *testing.T) {
	gw := &mockGateway{status: "2", commerceOrder: "TH-1-1"}
	billing := &mockBilling{err: errors.New("billing down")}
	svc, store := newTestService(gw, nil, billing)
	seedPending(t, store, "TH-1-1", "tok-1", 100)

	resp, err := svc.Reconcile(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("billing failure must not surface: %v", err)
	}
	if resp.Status != "PAID" {
		t.Errorf("status = %q", resp.Status)
	}
	svc.Wait()

	p, _ := store.GetByCommerceOrder(context.Background(), "TH-1-1")
	if p.Status != StatusPaid {
		t.Error("payment must stay PAID when billing fails")
	}
}

func TestReconcile_DoesNotWaitOnBilling(t *testing.T) {
	gw := &mockGateway{status: "2", commerceOrder: "TH-7-100"}
	billing := &mockBilling{block: make(chan struct{})}
	svc, store := newTestService(gw, nil, billing)
	seedPending(t, store, "TH-7-100", "tok-1", 15990)

	resp, err := svc.Reconcile(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if resp.Status != "PAID" {
		t.Errorf("status = %q, want PAID", resp.Status)
	}
	// Reconcile must return while the notification is still blocked.
	if n := billing.callCount(); n != 0 {
		t.Errorf("billing completed before Reconcile returned, calls = %d", n)
	}

	close(billing.block)
	svc.Wait()
	if billing.calls != 1 {
		t.Errorf("billing calls = %d, want 1 after Wait", billing.calls)
	}
}

func TestReconcile_BillingSurvivesCancelledRequest(t *testing.T) {
	gw := &mockGateway{status: "2", commerceOrder: "TH-7-100"}
	billing := &mockBilling{block: make(chan struct{})}
	svc, store := newTestService(gw, nil, billing)
	seedPending(t, store, "TH-7-100", "tok-1", 15990)

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := svc.Reconcile(ctx, "tok-1"); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	// Client disconnects while the notification is in flight.
	cancel()
	close(billing.block)
	svc.Wait()

	if billing.calls != 1 {
		t.Fatalf("billing calls = %d, want 1", billing.calls)
	}
	if billing.ctxErr != nil {
		t.Errorf("notification ran on a dead context: %v", billing.ctxErr)
	}
}

func TestReconcile_ReleasesOrderLock(t *testing.T) {
	gw := &mockGateway{status: "2", commerceOrder: "TH-1-1"}
	svc, store := newTestService(gw, nil, nil)
	seedPending(t, store, "TH-1-1", "tok-1", 100)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Reconcile(context.Background(), "tok-1"); err != nil {
				t.Errorf("Reconcile: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := svc.locks.size(); n != 0 {
		t.Errorf("retained order locks = %d, want 0", n)
	}
}

func TestReconcile_GatewayError(t *testing.T) {
	gw := &mockGateway{statusErr: errors.New("flow down")}
	svc, _ := newTestService(gw, nil, nil)

	_, err := svc.Reconcile(context.Background(), "tok-1")
	if err == nil || !strings.Contains(err.Error(), "flow down") {
		t.Errorf("expected gateway error, got %v", err)
	}
}

// --- Status ---

func TestStatus(t *testing.T) {
	svc, store := newTestService(&mockGateway{}, nil, nil)
	seedPending(t, store, "TH-1-1", "tok-1", 2500)

	resp, err := svc.Status(context.Background(), "TH-1-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if resp.Status != "PENDING" || resp.Amount != 2500 || resp.Token != "tok-1" {
		t.Errorf("unexpected status response: %+v", resp)
	}
}

func TestStatus_NotFound(t *testing.T) {
	svc, _ := newTestService(&mockGateway{}, nil, nil)

	_, err := svc.Status(context.Background(), "TH-none")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
