package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xZoluGames/RechargeSystem/internal/carrier"
	"github.com/xZoluGames/RechargeSystem/internal/models"
	"github.com/xZoluGames/RechargeSystem/internal/storage"
)

func historyFilterForKey(key models.APIKey) storage.HistoryFilter {
	return storage.HistoryFilter{KeyPrefix: key.Truncated()}
}

func TestNormalizeDestination(t *testing.T) {
	cases := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"0982123456", "0982123456", false},
		{"+595 982 123 456", "0982123456", false},
		{"595982123456", "0982123456", false},
		{"0982-123-456", "0982123456", false},
		{"982123456", "", true},
		{"0982123456789", "", true},
		{"0982abc456", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := NormalizeDestination(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("NormalizeDestination(%q) expected error, got %q", tc.raw, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NormalizeDestination(%q): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("NormalizeDestination(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func keyedRequest(method, target, body, key string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.Header.Set("X-API-Key", key)
	return req
}

// withKey resolves the key like the auth middleware would before the handler
// runs.
func withKey(t *testing.T, handler *Handler, req *http.Request) *http.Request {
	t.Helper()
	key, err := handler.AuthenticateKey(req)
	if err != nil {
		t.Fatalf("AuthenticateKey: %v", err)
	}
	return req.WithContext(ContextWithAPIKey(req.Context(), key))
}

func TestRechargeSuccess(t *testing.T) {
	handler, store := newTestHandler(t, nil)
	key := mintKey(t, store, 100000)

	req := withKey(t, handler, keyedRequest(http.MethodPost, "/api/recharge",
		`{"numero":"0982123456","monto":20000}`, key.Key))
	rec := httptest.NewRecorder()
	handler.Recharge(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp rechargeResponse
	decodeBody(t, rec, &resp)
	if resp.Status != models.RechargeSucceeded || resp.OrderID != "ord-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Remaining != 80000 {
		t.Fatalf("expected remaining 80000, got %d", resp.Remaining)
	}

	records := store.ListHistory(historyFilterForKey(key))
	if len(records) != 1 || records[0].Status != models.RechargeSucceeded {
		t.Fatalf("expected one succeeded history record, got %+v", records)
	}
}

func TestRechargeInsufficientBalance(t *testing.T) {
	handler, store := newTestHandler(t, nil)
	key := mintKey(t, store, 10000)

	req := withKey(t, handler, keyedRequest(http.MethodPost, "/api/recharge",
		`{"numero":"0982123456","monto":20000}`, key.Key))
	rec := httptest.NewRecorder()
	handler.Recharge(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rec.Code, rec.Body.String())
	}
	stored, _ := store.GetKey(key.Key)
	if stored.UsedAmount != 0 {
		t.Fatalf("rejected recharge must not burn balance, used=%d", stored.UsedAmount)
	}
}

func TestRechargeFailedOrderReleasesBalance(t *testing.T) {
	client := &fakeCarrier{rechargeFn: func(pkg models.Package) (carrier.OrderOutcome, error) {
		return carrier.OrderOutcome{
			State:  carrier.OrderState{OrderID: "ord-9", FulfillmentStatus: "FAILED"},
			Status: models.RechargeFailed,
			Detail: "fulfillment failed",
		}, nil
	}}
	handler, store := newTestHandler(t, client)
	key := mintKey(t, store, 100000)

	req := withKey(t, handler, keyedRequest(http.MethodPost, "/api/recharge",
		`{"numero":"0982123456","monto":20000}`, key.Key))
	rec := httptest.NewRecorder()
	handler.Recharge(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for failed order, got %d", rec.Code)
	}
	stored, _ := store.GetKey(key.Key)
	if stored.UsedAmount != 0 {
		t.Fatalf("failed order must release reservation, used=%d", stored.UsedAmount)
	}
}

func TestRechargeCooldownSetsRetryAfter(t *testing.T) {
	client := &fakeCarrier{rechargeFn: func(pkg models.Package) (carrier.OrderOutcome, error) {
		return carrier.OrderOutcome{}, &carrier.CooldownError{Remaining: 42 * time.Second}
	}}
	handler, store := newTestHandler(t, client)
	key := mintKey(t, store, 100000)

	req := withKey(t, handler, keyedRequest(http.MethodPost, "/api/recharge",
		`{"numero":"0982123456","monto":20000}`, key.Key))
	rec := httptest.NewRecorder()
	handler.Recharge(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "42" {
		t.Fatalf("expected Retry-After 42, got %q", got)
	}
}

func TestRechargeValidation(t *testing.T) {
	handler, store := newTestHandler(t, nil)
	key := mintKey(t, store, 100000)

	cases := []struct {
		name string
		body string
	}{
		{"bad destination", `{"numero":"12345","monto":20000}`},
		{"no amount or package", `{"numero":"0982123456"}`},
		{"negative amount", `{"numero":"0982123456","monto":-5}`},
		{"unknown field", `{"numero":"0982123456","monto":20000,"extra":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := withKey(t, handler, keyedRequest(http.MethodPost, "/api/recharge", tc.body, key.Key))
			rec := httptest.NewRecorder()
			handler.Recharge(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRechargeByPackageID(t *testing.T) {
	client := &fakeCarrier{packages: []models.Package{
		{ID: "PKG-5GB", Name: "5GB semanal", Amount: 25000, Category: "datos"},
		{ID: "PKG-MINI", Name: "Mini", Amount: 5000},
	}}
	handler, store := newTestHandler(t, client)
	key := mintKey(t, store, 100000)

	req := withKey(t, handler, keyedRequest(http.MethodPost, "/api/recharge",
		`{"numero":"0982123456","paqueteId":"PKG-5GB"}`, key.Key))
	rec := httptest.NewRecorder()
	handler.Recharge(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp rechargeResponse
	decodeBody(t, rec, &resp)
	if resp.Amount != 25000 {
		t.Fatalf("expected package amount 25000, got %d", resp.Amount)
	}

	t.Run("unknown package", func(t *testing.T) {
		req := withKey(t, handler, keyedRequest(http.MethodPost, "/api/recharge",
			`{"numero":"0982123456","paqueteId":"PKG-NOPE"}`, key.Key))
		rec := httptest.NewRecorder()
		handler.Recharge(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for unknown package, got %d", rec.Code)
		}
	})
}

func TestPackagesByDestination(t *testing.T) {
	client := &fakeCarrier{packages: []models.Package{{ID: "PKG-5GB", Amount: 25000}}}
	handler, store := newTestHandler(t, client)
	key := mintKey(t, store, 100000)

	req := withKey(t, handler, keyedRequest(http.MethodGet, "/api/paquetes/0982123456", "", key.Key))
	rec := httptest.NewRecorder()
	handler.PackagesByDestination(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Destination string           `json:"destination"`
		Packages    []models.Package `json:"packages"`
	}
	decodeBody(t, rec, &resp)
	if resp.Destination != "0982123456" || len(resp.Packages) != 1 {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestBalanceReportsRemaining(t *testing.T) {
	handler, store := newTestHandler(t, nil)
	key := mintKey(t, store, 100000)
	if _, err := store.ReserveAmount(key.Key, 30000); err != nil {
		t.Fatalf("ReserveAmount: %v", err)
	}

	req := withKey(t, handler, keyedRequest(http.MethodGet, "/api/balance", "", key.Key))
	rec := httptest.NewRecorder()
	handler.Balance(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Key         string `json:"key"`
		Remaining   int64  `json:"remaining"`
		RemainingGs string `json:"remainingGs"`
	}
	decodeBody(t, rec, &resp)
	if resp.Remaining != 70000 {
		t.Fatalf("expected remaining 70000, got %d", resp.Remaining)
	}
	if resp.Key != key.Truncated() {
		t.Fatalf("balance must not echo the full key, got %q", resp.Key)
	}
	if resp.RemainingGs != models.FormatGuarani(70000) {
		t.Fatalf("unexpected formatted balance %q", resp.RemainingGs)
	}
}

func TestHistoryScopedToCallerKey(t *testing.T) {
	handler, store := newTestHandler(t, nil)
	mine := mintKey(t, store, 100000)
	other := mintKey(t, store, 100000)

	for _, k := range []models.APIKey{mine, other} {
		if _, err := store.AppendHistory(models.RechargeRecord{
			KeyPrefix:   k.Truncated(),
			Destination: "0982123456",
			Amount:      5000,
			Status:      models.RechargeSucceeded,
		}); err != nil {
			t.Fatalf("AppendHistory: %v", err)
		}
	}

	req := withKey(t, handler, keyedRequest(http.MethodGet, "/api/historial", "", mine.Key))
	rec := httptest.NewRecorder()
	handler.History(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Count   int                     `json:"count"`
		Records []models.RechargeRecord `json:"records"`
	}
	decodeBody(t, rec, &resp)
	if resp.Count != 1 || resp.Records[0].KeyPrefix != mine.Truncated() {
		t.Fatalf("history leaked across keys: %+v", resp)
	}
}

func TestOrderByID(t *testing.T) {
	handler, store := newTestHandler(t, nil)
	key := mintKey(t, store, 100000)

	req := withKey(t, handler, keyedRequest(http.MethodGet, "/api/orden/ord-7", "", key.Key))
	rec := httptest.NewRecorder()
	handler.OrderByID(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var state carrier.OrderState
	decodeBody(t, rec, &state)
	if state.OrderID != "ord-7" {
		t.Fatalf("unexpected order state: %+v", state)
	}

	t.Run("missing id", func(t *testing.T) {
		req := withKey(t, handler, keyedRequest(http.MethodGet, "/api/orden/", "", key.Key))
		rec := httptest.NewRecorder()
		handler.OrderByID(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})
}
