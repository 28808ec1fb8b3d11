package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/xZoluGames/RechargeSystem/internal/models"
	"github.com/xZoluGames/RechargeSystem/internal/session"
	"github.com/xZoluGames/RechargeSystem/internal/storage"
)

// healthGaugeState maps an account state onto the health gauge vocabulary.
func healthGaugeState(state models.AccountState) string {
	switch state {
	case models.StateValid:
		return "valid"
	case models.StateExpiringSoon:
		return "expiring_soon"
	case models.StateFailed:
		return "failed"
	default:
		return "pending"
	}
}

func (h *Handler) publishAccountHealth() {
	if h.Coordinator == nil {
		return
	}
	for _, m := range h.Coordinator.Managers() {
		h.recorder().SetAccountHealth(m.AccountID(), healthGaugeState(m.State()))
	}
}

// AdminStatus serves GET /admin/status: the account fleet, the key ledger
// summary, and history totals in one view.
func (h *Handler) AdminStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if h.Coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("account coordinator not configured"))
		return
	}

	h.publishAccountHealth()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"auth":    h.Coordinator.Status(),
		"keys":    h.Store.Stats(),
		"history": h.Store.HistoryTotals(),
	})
}

// AdminAuth serves POST /admin/auth/{init|retry|switch}.
func (h *Handler) AdminAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if h.Coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("account coordinator not configured"))
		return
	}

	action := strings.Trim(strings.TrimPrefix(r.URL.Path, "/admin/auth"), "/")
	switch action {
	case "init":
		state := h.Coordinator.InitializeAll(r.Context())
		h.publishAccountHealth()
		writeJSON(w, http.StatusOK, h.authResult(state))
	case "retry":
		state := h.Coordinator.ForceRetry(r.Context())
		h.publishAccountHealth()
		writeJSON(w, http.StatusOK, h.authResult(state))
	case "switch":
		snapshot, err := h.Coordinator.SwitchAccount(r.Context())
		if err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		h.publishAccountHealth()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"active": snapshot,
			"system": h.Coordinator.SystemState(),
		})
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown auth action %q", action))
	}
}

func (h *Handler) authResult(state models.SystemState) map[string]interface{} {
	return map[string]interface{}{
		"system": state,
		"status": h.Coordinator.Status(),
	}
}

// AdminAccounts serves GET /admin/accounts.
func (h *Handler) AdminAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if h.Coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("account coordinator not configured"))
		return
	}
	writeJSON(w, http.StatusOK, h.Coordinator.Status())
}

// AdminAccountByID serves /admin/accounts/{id} and the per-account actions
// refresh and fingerprint.
func (h *Handler) AdminAccountByID(w http.ResponseWriter, r *http.Request) {
	if h.Coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("account coordinator not configured"))
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/admin/accounts/")
	parts := strings.Split(path, "/")
	for len(parts) > 1 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, errors.New("account id missing"))
		return
	}
	manager, ok := h.Coordinator.ManagerFor(parts[0])
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("account %s not found", parts[0]))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		writeJSON(w, http.StatusOK, manager.Snapshot())
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	switch parts[1] {
	case "refresh":
		h.runAccountAuth(w, r, manager, "refresh", manager.Refresh)
	case "fingerprint":
		h.runAccountAuth(w, r, manager, "fingerprint", manager.RenewFingerprint)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown account action %q", parts[1]))
	}
}

func (h *Handler) runAccountAuth(w http.ResponseWriter, r *http.Request, manager *session.Manager, protocol string, fn func(ctx context.Context) error) {
	recorder := h.recorder()
	recorder.AuthAttemptStarted()
	err := fn(r.Context())
	recorder.ObserveAuthAttempt(protocol, err == nil)
	recorder.SetAccountHealth(manager.AccountID(), healthGaugeState(manager.State()))
	h.Coordinator.Reconcile()

	if err != nil {
		h.logger(r.Context()).Warn("account auth action failed", "account", manager.AccountID(), "action", protocol, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":    err.Error(),
			"snapshot": manager.Snapshot(),
		})
		return
	}
	writeJSON(w, http.StatusOK, manager.Snapshot())
}

type createKeyRequest struct {
	MaxAmount   int64  `json:"maxAmount"`
	ValidDays   int    `json:"validDays,omitempty"`
	Description string `json:"description,omitempty"`
}

// AdminKeys serves GET (list) and POST (create) on /admin/keys.
func (h *Handler) AdminKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		includeInactive := r.URL.Query().Get("all") == "true"
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"keys":  h.Store.ListKeys(includeInactive),
			"stats": h.Store.Stats(),
		})
	case http.MethodPost:
		var req createKeyRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
			return
		}
		key, err := h.Store.CreateKey(storage.CreateKeyParams{
			MaxAmount:   req.MaxAmount,
			ValidDays:   req.ValidDays,
			Description: req.Description,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		h.logger(r.Context()).Info("api key created", "key", key.Truncated(), "maxAmount", key.MaxAmount)
		writeJSON(w, http.StatusCreated, key)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

type modifyKeyRequest struct {
	MaxAmount   *int64  `json:"maxAmount,omitempty"`
	UsedAmount  *int64  `json:"usedAmount,omitempty"`
	ValidDays   *int    `json:"validDays,omitempty"`
	Description *string `json:"description,omitempty"`
}

// AdminKeyByID serves /admin/keys/{key} reads and updates plus the activate
// and deactivate actions.
func (h *Handler) AdminKeyByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/admin/keys/")
	parts := strings.Split(path, "/")
	for len(parts) > 1 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, errors.New("key missing"))
		return
	}
	rawKey := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			key, ok := h.Store.GetKey(rawKey)
			if !ok {
				writeError(w, http.StatusNotFound, storage.ErrKeyNotFound)
				return
			}
			writeJSON(w, http.StatusOK, key)
		case http.MethodPatch:
			var req modifyKeyRequest
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
				return
			}
			key, err := h.Store.ModifyKey(rawKey, storage.KeyUpdate{
				MaxAmount:   req.MaxAmount,
				UsedAmount:  req.UsedAmount,
				ValidDays:   req.ValidDays,
				Description: req.Description,
			})
			if err != nil {
				h.writeKeyError(w, err)
				return
			}
			h.logger(r.Context()).Info("api key modified", "key", key.Truncated())
			writeJSON(w, http.StatusOK, key)
		default:
			methodNotAllowed(w, "GET, PATCH")
		}
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var (
		key models.APIKey
		err error
	)
	switch parts[1] {
	case "activate":
		key, err = h.Store.ActivateKey(rawKey)
	case "deactivate":
		key, err = h.Store.DeactivateKey(rawKey)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown key action %q", parts[1]))
		return
	}
	if err != nil {
		h.writeKeyError(w, err)
		return
	}
	h.logger(r.Context()).Info("api key state changed", "key", key.Truncated(), "active", key.Active)
	writeJSON(w, http.StatusOK, key)
}

func (h *Handler) writeKeyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, storage.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// AdminHistory serves GET /admin/historial across all keys.
func (h *Handler) AdminHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	filter, err := historyFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if prefix := r.URL.Query().Get("key"); prefix != "" {
		filter.KeyPrefix = models.TruncateKey(prefix)
	}

	records := h.Store.ListHistory(filter)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(records),
		"totals":  h.Store.HistoryTotals(),
		"records": records,
	})
}
