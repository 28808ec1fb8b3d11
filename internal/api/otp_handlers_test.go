package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func postSMS(handler *Handler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook/sms", strings.NewReader(body))
	handler.SMSWebhook(rec, req)
	return rec
}

func TestSMSWebhookDepositsCode(t *testing.T) {
	handler, _ := newTestHandler(t, nil)

	rec := postSMS(handler, `{"from":"Tigo","content":"123456 es el codigo de verificacion","simSlot":"0"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Deposited bool   `json:"deposited"`
		SimSlot   string `json:"simSlot"`
	}
	decodeBody(t, rec, &resp)
	if !resp.Deposited || resp.SimSlot != "SIM1" {
		t.Fatalf("unexpected webhook response: %+v", resp)
	}

	event, ok := handler.Mailbox.LastEvent("SIM1")
	if !ok || event.Code != "123456" {
		t.Fatalf("expected deposited code 123456, got %+v (ok=%v)", event, ok)
	}
}

func TestSMSWebhookIgnoresMessagesWithoutCode(t *testing.T) {
	handler, _ := newTestHandler(t, nil)

	rec := postSMS(handler, `{"from":"Promos","content":"Hola! Aprovecha las promos de hoy","sim":"SIM2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 ack, got %d", rec.Code)
	}
	var resp struct {
		Deposited bool `json:"deposited"`
	}
	decodeBody(t, rec, &resp)
	if resp.Deposited {
		t.Fatalf("promotional SMS must not be deposited")
	}
	if handler.Mailbox.PendingCount() != 0 {
		t.Fatalf("mailbox should stay empty")
	}
}

func TestSMSWebhookToleratesExtraFields(t *testing.T) {
	handler, _ := newTestHandler(t, nil)
	rec := postSMS(handler, `{"from":"Tigo","content":"codigo: 654321","sim":"SIM1","receivedAt":"now","device":"relay-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	event, ok := handler.Mailbox.LastEvent("SIM1")
	if !ok || event.Code != "654321" {
		t.Fatalf("expected code 654321, got %+v", event)
	}
}

func TestAdminOTPInspectAndClear(t *testing.T) {
	handler, _ := newTestHandler(t, nil)
	postSMS(handler, `{"from":"Tigo","content":"tu codigo es 111222","simSlot":"1"}`)

	t.Run("pending count", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.AdminOTP(rec, httptest.NewRequest(http.MethodGet, "/admin/otp", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var resp struct {
			Pending int `json:"pending"`
		}
		decodeBody(t, rec, &resp)
		if resp.Pending != 1 {
			t.Fatalf("expected 1 pending event, got %d", resp.Pending)
		}
	})

	t.Run("inspect slot", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.AdminOTP(rec, httptest.NewRequest(http.MethodGet, "/admin/otp/SIM2", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("empty slot", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.AdminOTP(rec, httptest.NewRequest(http.MethodGet, "/admin/otp/SIM1", nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("clear", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.AdminOTP(rec, httptest.NewRequest(http.MethodDelete, "/admin/otp", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if handler.Mailbox.PendingCount() != 0 {
			t.Fatalf("expected cleared mailbox")
		}
	})
}
