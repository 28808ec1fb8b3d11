package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xZoluGames/RechargeSystem/internal/carrier"
	"github.com/xZoluGames/RechargeSystem/internal/models"
	"github.com/xZoluGames/RechargeSystem/internal/storage"
)

// Authenticator runs the fingerprint login conversation. carrier.AuthClient
// satisfies this.
type Authenticator interface {
	Login(ctx context.Context, account models.Account, fingerprint string) (carrier.AuthResult, error)
	Refresh(ctx context.Context, refreshToken string) (models.TokenSet, error)
}

// FallbackAuthenticator runs the device login conversation used when the
// fingerprint protocol fails. carrier.LegacyAuthClient satisfies this.
type FallbackAuthenticator interface {
	Login(ctx context.Context, account models.Account) (carrier.AuthResult, error)
}

// ErrNoLongToken means the session carries only the short-lived access token.
// Wallet calls authenticate with the long-lived token and nothing else.
var ErrNoLongToken = errors.New("session has no long-lived wallet token")

// CredentialStore persists fingerprints and tokens across restarts.
type CredentialStore interface {
	SaveCredentials(creds storage.AccountCredentials) error
	GetCredentials(accountID string) (storage.AccountCredentials, bool)
	ClearFingerprint(accountID string) error
	ClearTokens(accountID string) error
}

type authMode int

const (
	// modeAuto refreshes when a refresh token is on hand, otherwise logs in.
	modeAuto authMode = iota
	modeFull
	modeRefresh
)

// minExpiryWindow is the floor for the renew-ahead window.
const minExpiryWindow = time.Minute

// Manager owns one account's authentication lifecycle. All session state is
// guarded by mu; at most one attempt runs at a time and concurrent callers
// join the in-flight attempt instead of starting their own.
type Manager struct {
	account  models.Account
	primary  Authenticator
	fallback FallbackAuthenticator
	store    CredentialStore
	logger   *slog.Logger
	now      func() time.Time
	window   time.Duration

	mu          sync.Mutex
	state       models.AccountState
	tokens      models.TokenSet
	accountName string
	lastErr     error
	lastAttempt time.Time
	attempt     *attempt
}

type attempt struct {
	done chan struct{}
	err  error
}

// ManagerOption mutates manager configuration.
type ManagerOption func(*Manager)

// WithManagerLogger attaches a structured logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithManagerClock overrides the time source, used by tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithExpiryWindow fixes the renew-ahead window instead of deriving it from
// the token lifetime.
func WithExpiryWindow(window time.Duration) ManagerOption {
	return func(m *Manager) {
		if window > 0 {
			m.window = window
		}
	}
}

// NewManager builds a manager for one account and re-hydrates still-fresh
// persisted tokens so a restart does not force a new login round.
func NewManager(account models.Account, primary Authenticator, fallback FallbackAuthenticator, store CredentialStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		account:  account,
		primary:  primary,
		fallback: fallback,
		store:    store,
		logger:   slog.Default(),
		now:      time.Now,
		state:    models.StateUninitialized,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("account", account.ID)
	m.rehydrate()
	return m
}

func (m *Manager) rehydrate() {
	creds, ok := m.store.GetCredentials(m.account.ID)
	if !ok || creds.Tokens.Zero() {
		return
	}
	now := m.now()
	if !now.Before(creds.Tokens.ExpiresAt) {
		return
	}
	m.mu.Lock()
	m.tokens = creds.Tokens
	m.accountName = creds.AccountName
	// Tokens already inside the renew-ahead window, or missing the wallet
	// token, are kept for their refresh grant but the session is not
	// reported valid on their strength.
	restored := !m.expiringLocked(now) && creds.Tokens.LongToken != ""
	if restored {
		m.state = models.StateValid
	}
	m.mu.Unlock()
	if restored {
		m.logger.Info("session restored from persisted tokens", "expires_at", creds.Tokens.ExpiresAt)
	} else {
		m.logger.Info("persisted tokens kept for renewal, session not restored", "expires_at", creds.Tokens.ExpiresAt)
	}
}

// AccountID returns the phone number identifying this account.
func (m *Manager) AccountID() string { return m.account.ID }

// Account returns the static account configuration.
func (m *Manager) Account() models.Account { return m.account }

// expiryWindowLocked is the renew-ahead window for the current token set:
// a tenth of the token lifetime, never under a minute.
func (m *Manager) expiryWindowLocked() time.Duration {
	if m.window > 0 {
		return m.window
	}
	lifetime := m.tokens.ExpiresAt.Sub(m.tokens.ObtainedAt)
	window := lifetime / 10
	if window < minExpiryWindow {
		window = minExpiryWindow
	}
	return window
}

func (m *Manager) usableLocked(now time.Time) bool {
	return m.state == models.StateValid && now.Before(m.tokens.ExpiresAt)
}

func (m *Manager) expiringLocked(now time.Time) bool {
	return !now.Before(m.tokens.ExpiresAt.Add(-m.expiryWindowLocked()))
}

// State reports the externally visible account state. A valid session inside
// the renew-ahead window reports as expiring.
func (m *Manager) State() models.AccountState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == models.StateValid && m.expiringLocked(m.now()) {
		return models.StateExpiringSoon
	}
	return m.state
}

// Snapshot is a point-in-time view of account health for status surfaces.
type Snapshot struct {
	AccountID   string              `json:"accountId"`
	Label       string              `json:"label,omitempty"`
	State       models.AccountState `json:"state"`
	AccountName string              `json:"accountName,omitempty"`
	ExpiresAt   time.Time           `json:"expiresAt,omitempty"`
	LastAttempt time.Time           `json:"lastAttempt,omitempty"`
	LastError   string              `json:"lastError,omitempty"`
}

// Snapshot returns the current health view.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		AccountID:   m.account.ID,
		Label:       m.account.Label,
		State:       m.state,
		AccountName: m.accountName,
		ExpiresAt:   m.tokens.ExpiresAt,
		LastAttempt: m.lastAttempt,
	}
	if m.state == models.StateValid && m.expiringLocked(m.now()) {
		snap.State = models.StateExpiringSoon
	}
	if m.lastErr != nil {
		snap.LastError = m.lastErr.Error()
	}
	return snap
}

// EnsureAuthenticated makes the session usable, running whatever attempt is
// needed: nothing when the token is fresh, a refresh when it is expiring, a
// full login otherwise. Callers arriving during an in-flight attempt wait for
// its outcome.
func (m *Manager) EnsureAuthenticated(ctx context.Context) error {
	return m.authenticate(ctx, modeAuto)
}

// Refresh forces a token renewal even when the current token is still fresh.
func (m *Manager) Refresh(ctx context.Context) error {
	return m.authenticate(ctx, modeRefresh)
}

// RenewFingerprint discards the stored device fingerprint and runs a full
// login, which re-validates a fresh fingerprint over SMS.
func (m *Manager) RenewFingerprint(ctx context.Context) error {
	if err := m.store.ClearFingerprint(m.account.ID); err != nil {
		return fmt.Errorf("clear fingerprint: %w", err)
	}
	return m.authenticate(ctx, modeFull)
}

// Token returns the long-lived wallet token, authenticating first if needed.
// The short-lived access token is never handed out in its place.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if err := m.EnsureAuthenticated(ctx); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens.LongToken == "" {
		return "", ErrNoLongToken
	}
	return m.tokens.LongToken, nil
}

func (m *Manager) authenticate(ctx context.Context, mode authMode) error {
	for {
		m.mu.Lock()
		now := m.now()
		if mode == modeAuto && m.usableLocked(now) && !m.expiringLocked(now) {
			m.mu.Unlock()
			return nil
		}
		if inFlight := m.attempt; inFlight != nil {
			m.mu.Unlock()
			select {
			case <-inFlight.done:
				if mode == modeAuto {
					return inFlight.err
				}
				// Forced attempts re-check after the joined one settles.
				if inFlight.err == nil && mode == modeRefresh {
					return nil
				}
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		refresh := m.tokens.RefreshToken != "" && mode != modeFull
		current := &attempt{done: make(chan struct{})}
		m.attempt = current
		if refresh {
			m.state = models.StateAuthenticatingRefresh
		} else {
			m.state = models.StateAuthenticatingNew
		}
		m.lastAttempt = now
		m.mu.Unlock()

		err := m.runAttempt(ctx, refresh)
		m.settle(current, err)
		return err
	}
}

func (m *Manager) settle(current *attempt, err error) {
	m.mu.Lock()
	m.attempt = nil
	m.lastErr = err
	if err != nil {
		m.state = models.StateFailed
	}
	m.mu.Unlock()
	current.err = err
	close(current.done)
}

func (m *Manager) runAttempt(ctx context.Context, refresh bool) error {
	if refresh {
		m.mu.Lock()
		refreshToken := m.tokens.RefreshToken
		m.mu.Unlock()
		tokens, err := m.primary.Refresh(ctx, refreshToken)
		if err == nil {
			m.adoptTokens(tokens, "", false)
			m.persist("", false)
			m.logger.Info("token refreshed", "expires_at", tokens.ExpiresAt)
			return nil
		}
		// A dead refresh grant means a full login, not a dead account.
		m.logger.Warn("token refresh failed, falling back to full login", "error", err)
		m.mu.Lock()
		m.state = models.StateAuthenticatingNew
		m.mu.Unlock()
	}

	creds, _ := m.store.GetCredentials(m.account.ID)
	result, err := m.primary.Login(ctx, m.account, creds.Fingerprint)
	if errors.Is(err, carrier.ErrFingerprintRejected) {
		m.logger.Warn("stored fingerprint rejected, validating a fresh one")
		if clearErr := m.store.ClearFingerprint(m.account.ID); clearErr != nil {
			m.logger.Error("clear rejected fingerprint", "error", clearErr)
		}
		result, err = m.primary.Login(ctx, m.account, "")
	}
	if err == nil {
		m.adoptTokens(result.Tokens, result.AccountName, false)
		m.persist(result.Fingerprint, result.FingerprintValidated)
		m.logger.Info("login complete", "expires_at", result.Tokens.ExpiresAt)
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	m.logger.Warn("fingerprint login failed, trying device login", "error", err)
	m.mu.Lock()
	m.state = models.StateAuthenticatingLegacy
	m.mu.Unlock()

	result, legacyErr := m.fallback.Login(ctx, m.account)
	if legacyErr != nil {
		return fmt.Errorf("fingerprint login: %w; device login: %v", err, legacyErr)
	}
	m.adoptTokens(result.Tokens, result.AccountName, true)
	m.persist("", false)
	m.logger.Info("device login complete", "expires_at", result.Tokens.ExpiresAt)
	return nil
}

func (m *Manager) adoptTokens(tokens models.TokenSet, name string, legacy bool) {
	m.mu.Lock()
	m.state = models.StateValid
	// Device logins issue no refresh grant; a stale one from an earlier
	// fingerprint login would just fail, so only carry it forward for
	// fingerprint sessions.
	if tokens.RefreshToken == "" && !legacy {
		tokens.RefreshToken = m.tokens.RefreshToken
	}
	m.tokens = tokens
	if name != "" {
		m.accountName = name
	}
	m.mu.Unlock()
}

// persist writes the session to the store. An empty fingerprint keeps the one
// already stored.
func (m *Manager) persist(fingerprint string, validated bool) {
	creds, _ := m.store.GetCredentials(m.account.ID)
	creds.AccountID = m.account.ID
	if fingerprint != "" {
		creds.Fingerprint = fingerprint
		if validated {
			creds.ValidatedAt = m.now()
		}
	}
	m.mu.Lock()
	creds.Tokens = m.tokens
	creds.AccountName = m.accountName
	m.mu.Unlock()
	if err := m.store.SaveCredentials(creds); err != nil {
		m.logger.Error("persist session", "error", err)
	}
}
