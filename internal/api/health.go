package api

import (
	"net/http"

	"github.com/xZoluGames/RechargeSystem/internal/models"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	System     string            `json:"system,omitempty"`
	Components []componentStatus `json:"components"`
}

// Health reports datastore reachability and the account fleet's auth state.
// The endpoint degrades to 503 only when the datastore is down or no account
// can serve recharges.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	resp := healthResponse{Status: "ok"}
	statusCode := http.StatusOK

	if h.Store != nil {
		component := componentStatus{Component: "datastore", Status: "ok"}
		if err := h.Store.Ping(r.Context()); err != nil {
			component.Status = "degraded"
			component.Error = err.Error()
			resp.Status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		resp.Components = append(resp.Components, component)
	}

	if h.Coordinator != nil {
		system := h.Coordinator.SystemState()
		resp.System = string(system)
		component := componentStatus{Component: "accounts", Status: "ok"}
		switch system {
		case models.SystemReady, models.SystemPartial:
		default:
			component.Status = "degraded"
			component.Error = "no authenticated account"
			resp.Status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		resp.Components = append(resp.Components, component)
	}

	writeJSON(w, statusCode, resp)
}
