package models

import (
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// AccountState describes where a carrier account sits in its authentication
// lifecycle. Transitions are driven by the session manager; the zero value is
// StateUninitialized.
type AccountState string

const (
	StateUninitialized         AccountState = "UNINITIALIZED"
	StateAuthenticatingNew     AccountState = "AUTHENTICATING_NEW"
	StateAuthenticatingLegacy  AccountState = "AUTHENTICATING_LEGACY"
	StateAuthenticatingRefresh AccountState = "AUTHENTICATING_REFRESH"
	StateValid                 AccountState = "VALID"
	StateExpiringSoon          AccountState = "EXPIRING_SOON"
	StateFailed                AccountState = "FAILED"
)

// Authenticating reports whether the state represents an in-flight
// authentication attempt of any kind.
func (s AccountState) Authenticating() bool {
	switch s {
	case StateAuthenticatingNew, StateAuthenticatingLegacy, StateAuthenticatingRefresh:
		return true
	}
	return false
}

// Usable reports whether a token obtained in this state may still be handed
// out for carrier calls.
func (s AccountState) Usable() bool {
	return s == StateValid || s == StateExpiringSoon
}

// SystemState summarises the coordinator view across all configured accounts.
type SystemState string

const (
	SystemReady        SystemState = "READY"
	SystemPartial      SystemState = "PARTIAL"
	SystemWaitingRetry SystemState = "WAITING_RETRY"
	SystemError        SystemState = "ERROR"
)

// Account holds the static configuration of one carrier account. Credentials
// come from configuration; tokens and fingerprints are stored separately.
type Account struct {
	ID       string `json:"id"`
	Phone    string `json:"phone"`
	Password string `json:"password,omitempty"`
	Model    string `json:"model,omitempty"`
	SIMSlot  string `json:"simSlot"`
	Label    string `json:"label,omitempty"`
}

// TokenSet carries the credentials returned by a successful carrier login.
// LongToken is the AWS-gateway token used for recharge calls; AccessToken is
// only needed during the login conversation itself.
type TokenSet struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	LongToken    string    `json:"longToken"`
	ObtainedAt   time.Time `json:"obtainedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Zero reports whether the set carries no usable token.
func (t TokenSet) Zero() bool {
	return t.LongToken == "" && t.AccessToken == ""
}

// RemainingAt returns the validity left at the given instant.
func (t TokenSet) RemainingAt(now time.Time) time.Duration {
	if t.ExpiresAt.IsZero() {
		return 0
	}
	return t.ExpiresAt.Sub(now)
}

// APIKey is a prepaid spending allowance. UsedAmount never exceeds MaxAmount
// and never goes negative; the storage layer enforces both under its lock.
type APIKey struct {
	Key         string    `json:"key"`
	Description string    `json:"description,omitempty"`
	MaxAmount   int64     `json:"maxAmount"`
	UsedAmount  int64     `json:"usedAmount"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Remaining returns the spendable balance left on the key.
func (k APIKey) Remaining() int64 {
	remaining := k.MaxAmount - k.UsedAmount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ExpiredAt reports whether the key's validity window has passed.
func (k APIKey) ExpiredAt(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt)
}

// UsableAt reports whether the key can authorise a charge at the given
// instant.
func (k APIKey) UsableAt(now time.Time) bool {
	return k.Active && !k.ExpiredAt(now)
}

// Truncated returns the key prefix used when attributing history entries so
// full keys never land in logs or records.
func (k APIKey) Truncated() string {
	return TruncateKey(k.Key)
}

// TruncateKey shortens a raw key for display and attribution.
func TruncateKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8] + "..."
}

// RechargeStatus labels the terminal outcome of a recharge attempt.
type RechargeStatus string

const (
	RechargeSucceeded RechargeStatus = "success"
	RechargeFailed    RechargeStatus = "failed"
	RechargeRefunded  RechargeStatus = "refunded"
)

// RechargeRecord is one history entry. KeyPrefix is the truncated API key;
// the full key is never persisted alongside the record.
type RechargeRecord struct {
	ID          string         `json:"id"`
	KeyPrefix   string         `json:"keyPrefix"`
	Destination string         `json:"destination"`
	Amount      int64          `json:"amount"`
	PackageID   string         `json:"packageId,omitempty"`
	OrderID     string         `json:"orderId,omitempty"`
	AccountID   string         `json:"accountId,omitempty"`
	Status      RechargeStatus `json:"status"`
	Detail      string         `json:"detail,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// OtpEvent is one inbound SMS notification after code extraction. Events
// without a recognisable code are dropped before they reach the mailbox.
type OtpEvent struct {
	Code       string    `json:"code"`
	Sender     string    `json:"sender"`
	Content    string    `json:"content,omitempty"`
	SIMSlot    string    `json:"simSlot"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Package describes one carrier recharge product offered for a destination.
type Package struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Amount      int64  `json:"amount"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
	Validity    string `json:"validity,omitempty"`
}

var guaraniPrinter = message.NewPrinter(language.Spanish)

// FormatGuarani renders an amount with thousands grouping the way carrier
// receipts show it, e.g. "Gs. 50.000".
func FormatGuarani(amount int64) string {
	return guaraniPrinter.Sprintf("Gs. %d", amount)
}
