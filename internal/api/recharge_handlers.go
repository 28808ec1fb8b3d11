package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/xZoluGames/RechargeSystem/internal/carrier"
	"github.com/xZoluGames/RechargeSystem/internal/models"
	"github.com/xZoluGames/RechargeSystem/internal/session"
	"github.com/xZoluGames/RechargeSystem/internal/storage"
)

// NormalizeDestination reduces a subscriber number to local 09XXXXXXXX form.
// International prefixes (+595, 595) are folded back to the leading zero.
func NormalizeDestination(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		if r == ' ' || r == '-' || r == '+' || r == '.' {
			return -1
		}
		return 'x'
	}, raw)
	if strings.ContainsRune(cleaned, 'x') {
		return "", fmt.Errorf("destination %q contains invalid characters", raw)
	}
	if strings.HasPrefix(cleaned, "595") && len(cleaned) > 3 {
		cleaned = "0" + cleaned[3:]
	}
	if len(cleaned) != 10 || !strings.HasPrefix(cleaned, "09") {
		return "", fmt.Errorf("destination %q is not a valid subscriber number", raw)
	}
	return cleaned, nil
}

// PackagesByDestination serves GET /api/paquetes/{destination}.
func (h *Handler) PackagesByDestination(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	destination, err := NormalizeDestination(strings.TrimPrefix(r.URL.Path, "/api/paquetes/"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if h.Recharges == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("recharge backend not configured"))
		return
	}

	packages, err := h.Recharges.Packages(r.Context(), destination)
	if err != nil {
		h.writeCarrierError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"destination": destination,
		"packages":    packages,
	})
}

type rechargeRequest struct {
	Destination string `json:"numero"`
	Amount      int64  `json:"monto,omitempty"`
	PackageID   string `json:"paqueteId,omitempty"`
}

type rechargeResponse struct {
	Status      models.RechargeStatus `json:"status"`
	OrderID     string                `json:"orderId,omitempty"`
	Destination string                `json:"numero"`
	Amount      int64                 `json:"monto"`
	AmountText  string                `json:"montoTexto"`
	Detail      string                `json:"detail,omitempty"`
	Remaining   int64                 `json:"saldoRestante"`
}

// Recharge serves POST /api/recharge. The spend is charged against the
// caller's API key and rolled back when the order does not fulfil.
func (h *Handler) Recharge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	key, ok := APIKeyFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, ErrKeyMissing)
		return
	}
	if h.Recharges == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("recharge backend not configured"))
		return
	}

	var req rechargeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	destination, err := NormalizeDestination(req.Destination)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	pkg, err := h.resolvePackage(r, destination, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.Recharges.Recharge(r.Context(), key.Key, destination, pkg)
	if err != nil {
		if reachedCarrier(err) {
			h.recorder().ObserveRecharge(string(models.RechargeFailed), pkg.Amount)
		}
		h.writeRechargeError(w, r, err)
		return
	}

	h.recorder().ObserveRecharge(string(result.Record.Status), result.Record.Amount)
	status := http.StatusOK
	if result.Record.Status != models.RechargeSucceeded {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, rechargeResponse{
		Status:      result.Record.Status,
		OrderID:     result.Record.OrderID,
		Destination: destination,
		Amount:      result.Record.Amount,
		AmountText:  models.FormatGuarani(result.Record.Amount),
		Detail:      result.Record.Detail,
		Remaining:   result.Balance.Remaining(),
	})
}

// resolvePackage turns the request into a concrete carrier package: either a
// listed package looked up by id, or a bare top-up for the given amount.
func (h *Handler) resolvePackage(r *http.Request, destination string, req rechargeRequest) (models.Package, error) {
	if req.PackageID != "" {
		packages, err := h.Recharges.Packages(r.Context(), destination)
		if err != nil {
			return models.Package{}, fmt.Errorf("resolve package %s: %w", req.PackageID, err)
		}
		for _, pkg := range packages {
			if pkg.ID == req.PackageID {
				return pkg, nil
			}
		}
		return models.Package{}, fmt.Errorf("package %s not offered for %s", req.PackageID, destination)
	}
	if req.Amount <= 0 {
		return models.Package{}, errors.New("monto or paqueteId is required")
	}
	return models.Package{
		Name:   models.FormatGuarani(req.Amount),
		Amount: req.Amount,
	}, nil
}

// Balance serves GET /api/balance for the authenticated key.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	key, ok := APIKeyFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, ErrKeyMissing)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":         key.Truncated(),
		"description": key.Description,
		"maxAmount":   key.MaxAmount,
		"usedAmount":  key.UsedAmount,
		"remaining":   key.Remaining(),
		"remainingGs": models.FormatGuarani(key.Remaining()),
		"expiresAt":   key.ExpiresAt,
	})
}

// History serves GET /api/historial, scoped to the caller's key.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	key, ok := APIKeyFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, ErrKeyMissing)
		return
	}

	filter, err := historyFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	filter.KeyPrefix = key.Truncated()

	records := h.Store.ListHistory(filter)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":     key.Truncated(),
		"count":   len(records),
		"records": records,
	})
}

// OrderByID serves GET /api/orden/{orderID}, re-reading the gateway state of
// a past order.
func (h *Handler) OrderByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	orderID := strings.TrimPrefix(r.URL.Path, "/api/orden/")
	if orderID == "" || strings.Contains(orderID, "/") {
		writeError(w, http.StatusNotFound, errors.New("order id missing"))
		return
	}
	if h.Recharges == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("recharge backend not configured"))
		return
	}

	state, err := h.Recharges.VerifyOrder(r.Context(), orderID)
	if err != nil {
		h.writeCarrierError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func historyFilterFromQuery(r *http.Request) (storage.HistoryFilter, error) {
	filter := storage.HistoryFilter{}
	if status := r.URL.Query().Get("status"); status != "" {
		switch models.RechargeStatus(status) {
		case models.RechargeSucceeded, models.RechargeFailed, models.RechargeRefunded:
			filter.Status = models.RechargeStatus(status)
		default:
			return filter, fmt.Errorf("unknown status %q", status)
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, fmt.Errorf("invalid limit %q", raw)
		}
		filter.Limit = limit
	}
	return filter, nil
}

// reachedCarrier filters out rejections that never produced carrier traffic
// so the order metrics only count real attempts.
func reachedCarrier(err error) bool {
	switch {
	case errors.Is(err, storage.ErrKeyNotFound),
		errors.Is(err, storage.ErrKeyInactive),
		errors.Is(err, storage.ErrKeyExpired),
		errors.Is(err, storage.ErrInsufficientBalance),
		errors.Is(err, storage.ErrInvalidAmount),
		errors.Is(err, carrier.ErrOrderCooldown):
		return false
	}
	return true
}

// writeRechargeError maps a failed recharge to the closest HTTP status. The
// ledger sentinels surface before any carrier traffic happens.
func (h *Handler) writeRechargeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrInsufficientBalance):
		writeError(w, http.StatusPaymentRequired, err)
	case errors.Is(err, storage.ErrKeyNotFound),
		errors.Is(err, storage.ErrKeyInactive),
		errors.Is(err, storage.ErrKeyExpired):
		writeError(w, http.StatusForbidden, ErrKeyDenied)
	case errors.Is(err, storage.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, err)
	default:
		h.writeCarrierError(w, r, err)
	}
}

func (h *Handler) writeCarrierError(w http.ResponseWriter, r *http.Request, err error) {
	var cooldown *carrier.CooldownError
	switch {
	case errors.As(err, &cooldown):
		w.Header().Set("Retry-After", strconv.Itoa(int(cooldown.Remaining.Seconds()+0.5)))
		writeError(w, http.StatusTooManyRequests, err)
	case errors.Is(err, carrier.ErrOrderCooldown):
		writeError(w, http.StatusTooManyRequests, err)
	case errors.Is(err, carrier.ErrOrderDuplicate):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, session.ErrNoAuthenticatedAccount), errors.Is(err, session.ErrNoAccounts):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, carrier.ErrUnauthorized):
		writeError(w, http.StatusBadGateway, err)
	default:
		h.logger(r.Context()).Error("carrier call failed", "error", err)
		writeError(w, http.StatusBadGateway, err)
	}
}
