package carrier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/xZoluGames/RechargeSystem/internal/models"
)

func gatewayBody(t *testing.T, w http.ResponseWriter, body interface{}) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"httpStatusCode": 200,
		"body":           json.RawMessage(raw),
	})
}

func TestRechargeDeliversAfterPolling(t *testing.T) {
	var mu sync.Mutex
	statusCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/apigee/v1-0-0-0/paymentgateway/pg/customers/cust-1/transactions/orders", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer long-token" {
			t.Errorf("authorization = %q", got)
		}
		if r.Header.Get("date") == "" {
			t.Error("order request should carry a date header")
		}
		gatewayBody(t, w, map[string]string{"orderId": "order-1", "status": "Created"})
	})
	mux.HandleFunc("/apigee/v1-0-0-0/paymentgateway/pg/customers/cust-1/transactions/orders/order-1", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		statusCalls++
		calls := statusCalls
		mu.Unlock()
		if calls < 3 {
			gatewayBody(t, w, map[string]string{"orderId": "order-1", "status": "Processing"})
			return
		}
		gatewayBody(t, w, map[string]string{"orderId": "order-1", "status": "Fulfillment Succeeded"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cooldowns := NewMemoryCooldownStore(DefaultOrderCooldown)
	client := NewRechargeClient(Endpoints{WalletBaseURL: server.URL, GatewayCustomerID: "cust-1"}, cooldowns)
	client.SetPolling(5*time.Millisecond, time.Second, 10)

	outcome, err := client.Recharge(context.Background(), "long-token", "0985308247", "0981111111", models.Package{ID: "pkg-5k", Amount: 5000})
	if err != nil {
		t.Fatalf("recharge: %v", err)
	}
	if outcome.Status != models.RechargeSucceeded {
		t.Fatalf("status = %s detail = %s", outcome.Status, outcome.Detail)
	}
	if outcome.State.OrderID != "order-1" {
		t.Fatalf("order id = %q", outcome.State.OrderID)
	}

	// The destination stays throttled after a delivered recharge.
	if _, err := client.CreateOrder(context.Background(), "long-token", "0985308247", "0981111111", models.Package{ID: "pkg-5k", Amount: 5000}); !errors.Is(err, ErrOrderCooldown) {
		t.Fatalf("expected cooldown, got %v", err)
	}
}

func TestRechargeFailureReleasesCooldown(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/apigee/v1-0-0-0/paymentgateway/pg/customers/cust-1/transactions/orders", func(w http.ResponseWriter, r *http.Request) {
		gatewayBody(t, w, map[string]string{"orderId": "order-2", "status": "Created"})
	})
	mux.HandleFunc("/apigee/v1-0-0-0/paymentgateway/pg/customers/cust-1/transactions/orders/order-2", func(w http.ResponseWriter, r *http.Request) {
		gatewayBody(t, w, map[string]string{
			"orderId":                  "order-2",
			"status":                   "Processing",
			"currentFulfillmentStatus": "Fulfillment Failed",
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cooldowns := NewMemoryCooldownStore(DefaultOrderCooldown)
	client := NewRechargeClient(Endpoints{WalletBaseURL: server.URL, GatewayCustomerID: "cust-1"}, cooldowns)
	client.SetPolling(5*time.Millisecond, time.Second, 5)

	outcome, err := client.Recharge(context.Background(), "long-token", "0985308247", "0982222222", models.Package{ID: "pkg-5k", Amount: 5000})
	if err != nil {
		t.Fatalf("recharge: %v", err)
	}
	if outcome.Status != models.RechargeFailed {
		t.Fatalf("status = %s", outcome.Status)
	}
	// A failed recharge frees the destination immediately.
	if remaining, err := cooldowns.Begin(context.Background(), "0982222222"); err != nil || remaining != 0 {
		t.Fatalf("cooldown should be clear, remaining=%s err=%v", remaining, err)
	}
}

func TestCreateOrderDuplicate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/apigee/v1-0-0-0/paymentgateway/pg/customers/cust-1/transactions/orders", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewRechargeClient(Endpoints{WalletBaseURL: server.URL, GatewayCustomerID: "cust-1"}, nil)
	_, err := client.CreateOrder(context.Background(), "long-token", "0985308247", "0983333333", models.Package{ID: "pkg-5k", Amount: 5000})
	if !errors.Is(err, ErrOrderDuplicate) {
		t.Fatalf("err = %v, want ErrOrderDuplicate", err)
	}
}

func TestPackagesMapsForbiddenToUnauthorized(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/middleware/api/v1.0.0/paquetes", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewRechargeClient(Endpoints{WalletBaseURL: server.URL}, nil)
	_, err := client.Packages(context.Background(), "stale-token", "0981111111")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestPackagesListsProducts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/middleware/api/v1.0.0/paquetes", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("accountnumber"); got != "0981111111" {
			t.Errorf("accountnumber header = %q", got)
		}
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"id": "pkg-5k", "name": "Internet 1GB", "amount": 5000},
			{"id": "pkg-10k", "name": "Combo Ilimitado", "amount": 10000},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewRechargeClient(Endpoints{WalletBaseURL: server.URL}, nil)
	packages, err := client.Packages(context.Background(), "long-token", "0981111111")
	if err != nil {
		t.Fatalf("packages: %v", err)
	}
	if len(packages) != 2 || packages[0].ID != "pkg-5k" {
		t.Fatalf("packages = %+v", packages)
	}
}

func TestMemoryCooldownWindow(t *testing.T) {
	current := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	store := NewMemoryCooldownStore(65 * time.Second)
	store.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	})

	remaining, err := store.Begin(context.Background(), "0981111111")
	if err != nil || remaining != 0 {
		t.Fatalf("first order blocked: remaining=%s err=%v", remaining, err)
	}
	remaining, err = store.Begin(context.Background(), "0981111111")
	if err != nil || remaining != 65*time.Second {
		t.Fatalf("second order should wait 65s, got %s err=%v", remaining, err)
	}

	mu.Lock()
	current = current.Add(66 * time.Second)
	mu.Unlock()
	remaining, err = store.Begin(context.Background(), "0981111111")
	if err != nil || remaining != 0 {
		t.Fatalf("window should have lapsed: remaining=%s err=%v", remaining, err)
	}
}

func TestClassifyOrder(t *testing.T) {
	cases := []struct {
		name     string
		state    OrderState
		status   models.RechargeStatus
		terminal bool
	}{
		{name: "pending", state: OrderState{Status: "Processing"}, terminal: false},
		{name: "fulfilled", state: OrderState{Status: "Fulfillment Succeeded"}, status: models.RechargeSucceeded, terminal: true},
		{name: "completed", state: OrderState{Status: "Order Completed"}, status: models.RechargeSucceeded, terminal: true},
		{name: "refund completed", state: OrderState{Status: "Refund Completed"}, status: models.RechargeRefunded, terminal: true},
		{name: "payment refunded", state: OrderState{PaymentStatus: "Refunded"}, status: models.RechargeRefunded, terminal: true},
		{name: "fulfillment failed", state: OrderState{FulfillmentStatus: "Fulfillment Failed"}, status: models.RechargeFailed, terminal: true},
		{name: "payment declined", state: OrderState{PaymentStatus: "Declined", GatewayErrorCode: "51"}, status: models.RechargeFailed, terminal: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outcome, terminal := classifyOrder(tc.state)
			if terminal != tc.terminal {
				t.Fatalf("terminal = %v, want %v", terminal, tc.terminal)
			}
			if terminal && outcome.Status != tc.status {
				t.Fatalf("status = %s, want %s", outcome.Status, tc.status)
			}
		})
	}
}

func TestGenerateOrderID(t *testing.T) {
	id := generateOrderID()
	if len(id) != 15 {
		t.Fatalf("order id length = %d (%s)", len(id), id)
	}
	if _, err := fmt.Sscanf(id, "%d", new(int64)); err != nil {
		t.Fatalf("order id should be numeric: %s", id)
	}
}
