package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func corsTestHandler(t *testing.T, cfg CORSConfig) http.Handler {
	t.Helper()
	policy, err := newCORSPolicy(cfg)
	if err != nil {
		t.Fatalf("newCORSPolicy: %v", err)
	}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return corsMiddleware(policy, quietLogger(), next)
}

func TestCORSAllowsConfiguredOrigins(t *testing.T) {
	handler := corsTestHandler(t, CORSConfig{
		AdminOrigins:  []string{"https://admin.example.com"},
		ClientOrigins: []string{"HTTPS://Shop.Example.com"},
	})

	for _, origin := range []string{"https://admin.example.com", "https://shop.example.com"} {
		req := httptest.NewRequest(http.MethodGet, "/api/balance", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("origin %s should pass, got %d", origin, rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != origin {
			t.Fatalf("expected echoed origin %s, got %q", origin, got)
		}
	}
}

func TestCORSBlocksUnknownOrigin(t *testing.T) {
	handler := corsTestHandler(t, CORSConfig{AdminOrigins: []string{"https://admin.example.com"}})

	req := httptest.NewRequest(http.MethodGet, "/api/balance", nil)
	req.Header.Set("Origin", "https://evil.example.net")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unknown origin should be blocked, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := corsTestHandler(t, CORSConfig{AdminOrigins: []string{"https://admin.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/admin/keys", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight should answer 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got == "" {
		t.Fatalf("preflight should advertise allowed headers")
	}
}

func TestCORSWithoutOriginPassesThrough(t *testing.T) {
	handler := corsTestHandler(t, CORSConfig{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("same-origin request should pass, got %d", rec.Code)
	}
}

func TestNormalizeOrigin(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://Admin.Example.com", "https://admin.example.com", false},
		{"  https://a.example.com  ", "https://a.example.com", false},
		{"", "", false},
		{"admin.example.com", "", true},
	}
	for _, tc := range cases {
		got, err := normalizeOrigin(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("normalizeOrigin(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("normalizeOrigin(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("normalizeOrigin(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
