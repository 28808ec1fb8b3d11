package carrier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xZoluGames/RechargeSystem/internal/models"
)

func TestLegacyAuthClientLogin(t *testing.T) {
	identity := http.NewServeMux()
	identity.HandleFunc("/auth/validation/0985308247", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"uuid": "legacy-session"})
	})
	identity.HandleFunc("/auth/loginWithDevice", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["uuid"] != "legacy-session" {
			t.Errorf("login uuid = %q", payload["uuid"])
		}
		if payload["imei"] == "" {
			t.Error("login should carry a device imei")
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"token_aws": "aws-legacy", "expires_in": 6000})
	})
	identityServer := httptest.NewServer(identity)
	defer identityServer.Close()

	wallet := http.NewServeMux()
	wallet.HandleFunc("/utilities/v1-0-0-0/utils/otp", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			if r.URL.Query().Get("otp") != "445566" {
				json.NewEncoder(w).Encode(map[string]bool{"validCode": false})
				return
			}
			json.NewEncoder(w).Encode(map[string]bool{"validCode": true})
		}
	})
	walletServer := httptest.NewServer(wallet)
	defer walletServer.Close()

	source := &stubOTPSource{event: models.OtpEvent{Code: "445566", SIMSlot: "SIM1"}}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	client := NewLegacyAuthClient(
		Endpoints{IdentityBaseURL: identityServer.URL, WalletBaseURL: walletServer.URL},
		source, WithNow(func() time.Time { return now }))

	result, err := client.Login(context.Background(), testAccount())
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if result.Tokens.LongToken != "aws-legacy" {
		t.Fatalf("long token = %q", result.Tokens.LongToken)
	}
	wantExpiry := now.Add(6000*time.Second - DefaultExpiryMargin)
	if !result.Tokens.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("expires at = %s, want %s", result.Tokens.ExpiresAt, wantExpiry)
	}
}

func TestLegacyAuthClientRejectedCode(t *testing.T) {
	identity := http.NewServeMux()
	identity.HandleFunc("/auth/validation/0985308247", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"uuid": "legacy-session"})
	})
	identityServer := httptest.NewServer(identity)
	defer identityServer.Close()

	wallet := http.NewServeMux()
	wallet.HandleFunc("/utilities/v1-0-0-0/utils/otp", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]bool{"validCode": false})
		}
	})
	walletServer := httptest.NewServer(wallet)
	defer walletServer.Close()

	source := &stubOTPSource{event: models.OtpEvent{Code: "999999", SIMSlot: "SIM1"}}
	client := NewLegacyAuthClient(
		Endpoints{IdentityBaseURL: identityServer.URL, WalletBaseURL: walletServer.URL}, source)

	_, err := client.Login(context.Background(), testAccount())
	if !errors.Is(err, ErrInvalidOTP) {
		t.Fatalf("err = %v, want ErrInvalidOTP", err)
	}
}
