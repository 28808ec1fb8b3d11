package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/xZoluGames/RechargeSystem/internal/models"
	"github.com/xZoluGames/RechargeSystem/internal/storage"
)

// timeNow is swapped in tests that need deterministic key expiry.
var timeNow = time.Now

func subtleCompare(a, b string) int {
	if len(a) != len(b) {
		return 0
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b))
}

type contextKey string

const apiKeyContextKey contextKey = "api-key"

var (
	// ErrKeyMissing means the request carried no API key at all.
	ErrKeyMissing = errors.New("api key required")
	// ErrKeyDenied means a key was presented but cannot authorise the
	// request: unknown, deactivated, or past its validity window.
	ErrKeyDenied = errors.New("api key denied")
	// ErrAdminDenied means the admin key or password did not match.
	ErrAdminDenied = errors.New("admin credentials rejected")
)

// ContextWithAPIKey stores the authenticated spending key in the context.
func ContextWithAPIKey(ctx context.Context, key models.APIKey) context.Context {
	return context.WithValue(ctx, apiKeyContextKey, key)
}

// APIKeyFromContext retrieves the spending key stored by the auth middleware.
func APIKeyFromContext(ctx context.Context) (models.APIKey, bool) {
	key, ok := ctx.Value(apiKeyContextKey).(models.APIKey)
	return key, ok
}

// ExtractAPIKey pulls the spending key from the X-API-Key header or a bearer
// Authorization header.
func ExtractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// AuthenticateKey resolves the request's API key against the ledger. It does
// not reserve balance; reservation happens inside the recharge flow.
func (h *Handler) AuthenticateKey(r *http.Request) (models.APIKey, error) {
	raw := ExtractAPIKey(r)
	if raw == "" {
		return models.APIKey{}, ErrKeyMissing
	}
	key, ok := h.Store.GetKey(raw)
	if !ok {
		return models.APIKey{}, ErrKeyDenied
	}
	if !key.Active {
		return models.APIKey{}, ErrKeyDenied
	}
	if key.ExpiredAt(timeNow()) {
		return models.APIKey{}, ErrKeyDenied
	}
	return key, nil
}

// AuthenticateAdmin checks the admin key and password headers against the
// configured credentials.
func (h *Handler) AuthenticateAdmin(r *http.Request) error {
	if h.AdminKey == "" || h.AdminPasswordHash == "" {
		return ErrAdminDenied
	}
	key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
	password := r.Header.Get("X-Admin-Password")
	if key == "" || password == "" {
		return ErrAdminDenied
	}
	if subtleCompare(key, h.AdminKey) != 1 {
		return ErrAdminDenied
	}
	if err := storage.VerifyAdminPassword(h.AdminPasswordHash, password); err != nil {
		return ErrAdminDenied
	}
	return nil
}
