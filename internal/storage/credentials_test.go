package storage

import (
	"testing"
	"time"

	"github.com/xZoluGames/RechargeSystem/internal/models"
)

func TestClearFingerprintKeepsTokens(t *testing.T) {
	store := newTestStore(t)
	tokens := models.TokenSet{
		AccessToken: "access",
		LongToken:   "aws",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	err := store.SaveCredentials(AccountCredentials{
		AccountID:   "0981000111",
		Fingerprint: "a1b2c3d4e5f60718",
		ValidatedAt: time.Now(),
		Tokens:      tokens,
		AccountName: "Juan Perez",
	})
	if err != nil {
		t.Fatalf("SaveCredentials returned error: %v", err)
	}

	if err := store.ClearFingerprint("0981000111"); err != nil {
		t.Fatalf("ClearFingerprint returned error: %v", err)
	}
	creds, ok := store.GetCredentials("0981000111")
	if !ok {
		t.Fatalf("credentials missing")
	}
	if creds.Fingerprint != "" {
		t.Fatalf("expected fingerprint cleared, got %q", creds.Fingerprint)
	}
	if !creds.ValidatedAt.IsZero() {
		t.Fatalf("expected validation timestamp cleared")
	}
	if creds.Tokens.AccessToken != "access" {
		t.Fatalf("expected tokens preserved, got %+v", creds.Tokens)
	}
}

func TestClearTokensKeepsFingerprint(t *testing.T) {
	store := newTestStore(t)
	err := store.SaveCredentials(AccountCredentials{
		AccountID:   "0981000111",
		Fingerprint: "a1b2c3d4e5f60718",
		Tokens:      models.TokenSet{AccessToken: "access"},
	})
	if err != nil {
		t.Fatalf("SaveCredentials returned error: %v", err)
	}

	if err := store.ClearTokens("0981000111"); err != nil {
		t.Fatalf("ClearTokens returned error: %v", err)
	}
	creds, ok := store.GetCredentials("0981000111")
	if !ok {
		t.Fatalf("credentials missing")
	}
	if !creds.Tokens.Zero() {
		t.Fatalf("expected tokens dropped, got %+v", creds.Tokens)
	}
	if creds.Fingerprint != "a1b2c3d4e5f60718" {
		t.Fatalf("expected fingerprint preserved, got %q", creds.Fingerprint)
	}
}

func TestClearOnUnknownAccountIsNoop(t *testing.T) {
	store := newTestStore(t)
	if err := store.ClearFingerprint("unknown"); err != nil {
		t.Fatalf("ClearFingerprint returned error: %v", err)
	}
	if err := store.ClearTokens("unknown"); err != nil {
		t.Fatalf("ClearTokens returned error: %v", err)
	}
}
