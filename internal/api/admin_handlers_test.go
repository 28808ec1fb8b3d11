package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/xZoluGames/RechargeSystem/internal/models"
	"github.com/xZoluGames/RechargeSystem/internal/storage"
)

func TestAdminStatusAggregatesSystemView(t *testing.T) {
	handler, store := newTestHandler(t, nil)
	mintKey(t, store, 100000)
	if err := handler.Coordinator.Managers()[0].EnsureAuthenticated(context.Background()); err != nil {
		t.Fatalf("EnsureAuthenticated: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.AdminStatus(rec, httptest.NewRequest(http.MethodGet, "/admin/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Auth struct {
			System        models.SystemState `json:"system"`
			ActiveAccount string             `json:"activeAccount"`
		} `json:"auth"`
		Keys storage.KeyStats `json:"keys"`
	}
	decodeBody(t, rec, &resp)
	if resp.Auth.System != models.SystemReady {
		t.Fatalf("expected READY system, got %s", resp.Auth.System)
	}
	if resp.Keys.Total != 1 || resp.Keys.Active != 1 {
		t.Fatalf("unexpected key stats: %+v", resp.Keys)
	}
}

func TestAdminAuthActions(t *testing.T) {
	handler, _ := newTestHandler(t, nil)

	t.Run("init", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.AdminAuth(rec, httptest.NewRequest(http.MethodPost, "/admin/auth/init", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var resp struct {
			System models.SystemState `json:"system"`
		}
		decodeBody(t, rec, &resp)
		if resp.System != models.SystemReady {
			t.Fatalf("expected READY after init, got %s", resp.System)
		}
	})

	t.Run("switch", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.AdminAuth(rec, httptest.NewRequest(http.MethodPost, "/admin/auth/switch", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("unknown action", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.AdminAuth(rec, httptest.NewRequest(http.MethodPost, "/admin/auth/destroy", nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("get rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.AdminAuth(rec, httptest.NewRequest(http.MethodGet, "/admin/auth/init", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", rec.Code)
		}
	})
}

func TestAdminAccountActions(t *testing.T) {
	handler, _ := newTestHandler(t, nil)

	t.Run("snapshot", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.AdminAccountByID(rec, httptest.NewRequest(http.MethodGet, "/admin/accounts/acct-1", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("refresh", func(t *testing.T) {
		if err := handler.Coordinator.Managers()[0].EnsureAuthenticated(context.Background()); err != nil {
			t.Fatalf("EnsureAuthenticated: %v", err)
		}
		rec := httptest.NewRecorder()
		handler.AdminAccountByID(rec, httptest.NewRequest(http.MethodPost, "/admin/accounts/acct-1/refresh", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var snap struct {
			State models.AccountState `json:"state"`
		}
		decodeBody(t, rec, &snap)
		if snap.State != models.StateValid {
			t.Fatalf("expected VALID after refresh, got %s", snap.State)
		}
	})

	t.Run("fingerprint renewal", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.AdminAccountByID(rec, httptest.NewRequest(http.MethodPost, "/admin/accounts/acct-1/fingerprint", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("unknown account", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.AdminAccountByID(rec, httptest.NewRequest(http.MethodGet, "/admin/accounts/ghost", nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})
}

func TestAdminKeyLifecycle(t *testing.T) {
	handler, _ := newTestHandler(t, nil)

	rec := httptest.NewRecorder()
	handler.AdminKeys(rec, httptest.NewRequest(http.MethodPost, "/admin/keys",
		strings.NewReader(`{"maxAmount":100000,"validDays":7,"description":"reseller"}`)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created models.APIKey
	decodeBody(t, rec, &created)
	if len(created.Key) != 16 || created.MaxAmount != 100000 {
		t.Fatalf("unexpected created key: %+v", created)
	}

	t.Run("get", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.AdminKeyByID(rec, httptest.NewRequest(http.MethodGet, "/admin/keys/"+created.Key, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("modify", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.AdminKeyByID(rec, httptest.NewRequest(http.MethodPatch, "/admin/keys/"+created.Key,
			strings.NewReader(`{"maxAmount":200000}`)))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var updated models.APIKey
		decodeBody(t, rec, &updated)
		if updated.MaxAmount != 200000 {
			t.Fatalf("expected maxAmount 200000, got %d", updated.MaxAmount)
		}
	})

	t.Run("deactivate and activate", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.AdminKeyByID(rec, httptest.NewRequest(http.MethodPost, "/admin/keys/"+created.Key+"/deactivate", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("deactivate: expected 200, got %d", rec.Code)
		}
		var key models.APIKey
		decodeBody(t, rec, &key)
		if key.Active {
			t.Fatalf("expected inactive key")
		}

		rec = httptest.NewRecorder()
		handler.AdminKeyByID(rec, httptest.NewRequest(http.MethodPost, "/admin/keys/"+created.Key+"/activate", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("activate: expected 200, got %d", rec.Code)
		}
		decodeBody(t, rec, &key)
		if !key.Active {
			t.Fatalf("expected active key")
		}
	})

	t.Run("unknown key", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.AdminKeyByID(rec, httptest.NewRequest(http.MethodGet, "/admin/keys/NO5UCHKEY0000000", nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("invalid create", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.AdminKeys(rec, httptest.NewRequest(http.MethodPost, "/admin/keys",
			strings.NewReader(`{"maxAmount":0}`)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestAdminHistoryFilters(t *testing.T) {
	handler, store := newTestHandler(t, nil)
	for _, status := range []models.RechargeStatus{models.RechargeSucceeded, models.RechargeFailed} {
		if _, err := store.AppendHistory(models.RechargeRecord{
			KeyPrefix:   "ABCDEFGH...",
			Destination: "0982123456",
			Amount:      5000,
			Status:      status,
		}); err != nil {
			t.Fatalf("AppendHistory: %v", err)
		}
	}

	rec := httptest.NewRecorder()
	handler.AdminHistory(rec, httptest.NewRequest(http.MethodGet, "/admin/historial?status=failed", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Count   int                     `json:"count"`
		Records []models.RechargeRecord `json:"records"`
		Totals  storage.HistoryStats    `json:"totals"`
	}
	decodeBody(t, rec, &resp)
	if resp.Count != 1 || resp.Records[0].Status != models.RechargeFailed {
		t.Fatalf("unexpected filtered history: %+v", resp)
	}
	if resp.Totals.Total != 2 {
		t.Fatalf("expected totals over all records, got %+v", resp.Totals)
	}

	t.Run("bad status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.AdminHistory(rec, httptest.NewRequest(http.MethodGet, "/admin/historial?status=pending", nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}
