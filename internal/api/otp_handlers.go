package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/xZoluGames/RechargeSystem/internal/models"
	"github.com/xZoluGames/RechargeSystem/internal/otp"
)

type smsWebhookRequest struct {
	From    string `json:"from"`
	Content string `json:"content"`
	Sim     string `json:"sim,omitempty"`
	SimSlot string `json:"simSlot,omitempty"`
}

// SMSWebhook ingests forwarded carrier SMS. Messages without a recognisable
// verification code are acknowledged and dropped; anything else is deposited
// for whichever login attempt is waiting on that SIM slot.
func (h *Handler) SMSWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if h.Mailbox == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("otp mailbox not configured"))
		return
	}

	var req smsWebhookRequest
	if err := decodeJSONAllowUnknown(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}

	code, ok := otp.ExtractCode(req.Content)
	if !ok {
		h.recorder().ObserveOTPEvent("ignored")
		writeJSON(w, http.StatusOK, map[string]interface{}{"deposited": false})
		return
	}

	event := models.OtpEvent{
		Code:       code,
		Sender:     req.From,
		Content:    req.Content,
		SIMSlot:    otp.NormalizeSlot(req.Sim, req.SimSlot),
		ReceivedAt: time.Now(),
	}
	h.Mailbox.Deposit(event)
	h.recorder().ObserveOTPEvent("deposited")
	h.logger(r.Context()).Info("otp deposited", "slot", event.SIMSlot, "sender", event.Sender)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deposited": true,
		"simSlot":   event.SIMSlot,
	})
}

// AdminOTP serves /admin/otp and /admin/otp/{slot}: pending-event inspection
// and a full clear.
func (h *Handler) AdminOTP(w http.ResponseWriter, r *http.Request) {
	if h.Mailbox == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("otp mailbox not configured"))
		return
	}

	slot := strings.Trim(strings.TrimPrefix(r.URL.Path, "/admin/otp"), "/")
	switch r.Method {
	case http.MethodGet:
		if slot == "" {
			writeJSON(w, http.StatusOK, map[string]interface{}{"pending": h.Mailbox.PendingCount()})
			return
		}
		event, ok := h.Mailbox.LastEvent(slot)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("no pending code for slot %s", slot))
			return
		}
		writeJSON(w, http.StatusOK, event)
	case http.MethodDelete:
		h.Mailbox.Clear()
		writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
	default:
		methodNotAllowed(w, "GET, DELETE")
	}
}
