package carrier

import (
	"net/http"
	"time"
)

// Endpoints collects the carrier hosts and API keys the clients talk to. All
// fields have working defaults; tests override the base URLs to point at
// stub servers.
type Endpoints struct {
	// AuthBaseURL hosts the fingerprint-based login conversation.
	AuthBaseURL string
	// IdentityBaseURL hosts the device-login fallback conversation.
	IdentityBaseURL string
	// WalletBaseURL hosts OTP utilities and the recharge gateway.
	WalletBaseURL string

	AuthAPIKey     string
	IdentityAPIKey string
	WalletAPIKey   string

	// DeviceCode identifies this installation when requesting codes.
	DeviceCode string
	// GatewayCustomerID is the payment gateway tenant in order URLs.
	GatewayCustomerID string

	AppNamespace string
	AppBuild     string
	AppVersion   string
	UserAgent    string
}

func (e Endpoints) withDefaults() Endpoints {
	if e.AuthBaseURL == "" {
		e.AuthBaseURL = "https://auth.api.py-tigomoney.io"
	}
	if e.IdentityBaseURL == "" {
		e.IdentityBaseURL = "https://py-prod-identity-backend.py.tigomoney.io"
	}
	if e.WalletBaseURL == "" {
		e.WalletBaseURL = "https://nwallet.py.tigomoney.io"
	}
	if e.AuthAPIKey == "" {
		e.AuthAPIKey = "dxtyCQG4pUk0FZvpEi8DFwmOEUs4qX0cL4wYL9SCAL5vTgYv"
	}
	if e.IdentityAPIKey == "" {
		e.IdentityAPIKey = "H6Uk74mroet8szORwv5uDvrGPfAbhQjo"
	}
	if e.WalletAPIKey == "" {
		e.WalletAPIKey = "rmvRcn4NUN7GtPwTsFFrX1zHfwhQJgYg1hnOHhjU"
	}
	if e.DeviceCode == "" {
		e.DeviceCode = "Fj7V0f6zKsg"
	}
	if e.GatewayCustomerID == "" {
		e.GatewayCustomerID = "115b3a1d0ed4224d461c5bbf40093508"
	}
	if e.AppNamespace == "" {
		e.AppNamespace = "com.juvo.tigomoney"
	}
	if e.AppBuild == "" {
		e.AppBuild = "82000060"
	}
	if e.AppVersion == "" {
		e.AppVersion = "8.2.0"
	}
	if e.UserAgent == "" {
		e.UserAgent = "Dart/3.7 (dart:io)"
	}
	return e
}

const defaultRequestTimeout = 120 * time.Second

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultRequestTimeout}
}
