package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/xZoluGames/RechargeSystem/internal/observability/logging"
	"github.com/xZoluGames/RechargeSystem/internal/observability/metrics"
	"github.com/xZoluGames/RechargeSystem/internal/otp"
	"github.com/xZoluGames/RechargeSystem/internal/recharge"
	"github.com/xZoluGames/RechargeSystem/internal/session"
	"github.com/xZoluGames/RechargeSystem/internal/storage"
)

// Handler carries the wired components behind the HTTP surface. Store and
// Coordinator are required; the rest degrade gracefully when absent so tests
// can exercise one surface at a time.
type Handler struct {
	Store       storage.Repository
	Coordinator *session.Coordinator
	Mailbox     *otp.Mailbox
	Recharges   *recharge.Orchestrator
	Metrics     *metrics.Recorder
	Logger      *slog.Logger

	// AdminKey and AdminPasswordHash gate the /admin surface.
	AdminKey          string
	AdminPasswordHash string
}

func NewHandler(store storage.Repository, coordinator *session.Coordinator) *Handler {
	return &Handler{Store: store, Coordinator: coordinator}
}

// logger prefers the request-scoped logger installed by the server's
// request-ID middleware so handler lines carry the request id.
func (h *Handler) logger(ctx context.Context) *slog.Logger {
	if ctxLogger := logging.LoggerFromContext(ctx); ctxLogger != nil {
		return ctxLogger
	}
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics != nil {
		return h.Metrics
	}
	return metrics.Default()
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// WriteJSON is the exported helper middleware uses for JSON responses.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	writeJSON(w, status, payload)
}

// WriteError is the exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func decodeJSONAllowUnknown(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	return decoder.Decode(dest)
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}
