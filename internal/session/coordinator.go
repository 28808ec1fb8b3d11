package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xZoluGames/RechargeSystem/internal/models"
)

var (
	// ErrNoAccounts means the coordinator was built without any accounts.
	ErrNoAccounts = errors.New("no accounts configured")
	// ErrNoAuthenticatedAccount means no account currently holds a usable
	// session.
	ErrNoAuthenticatedAccount = errors.New("no authenticated account available")
)

// DefaultRetryDelay is how long the coordinator waits before retrying when
// every account failed to authenticate.
const DefaultRetryDelay = 10 * time.Minute

// retryTimer lets tests stand in for time.AfterFunc.
type retryTimer interface {
	Stop() bool
}

// Coordinator owns the ordered set of account managers, the active-account
// pointer for outbound traffic, and the all-down retry schedule.
type Coordinator struct {
	managers   []*Manager
	logger     *slog.Logger
	retryDelay time.Duration
	startTimer func(time.Duration, func()) retryTimer

	mu     sync.Mutex
	active int
	timer  retryTimer
	closed bool
}

// CoordinatorOption mutates coordinator configuration.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger attaches a structured logger.
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRetryDelay overrides the all-down retry delay.
func WithRetryDelay(delay time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if delay > 0 {
			c.retryDelay = delay
		}
	}
}

// WithTimerFactory overrides retry timer creation, used by tests.
func WithTimerFactory(factory func(time.Duration, func()) retryTimer) CoordinatorOption {
	return func(c *Coordinator) {
		if factory != nil {
			c.startTimer = factory
		}
	}
}

// NewCoordinator builds a coordinator over managers, which keep their
// configured order. The first account starts as the active one.
func NewCoordinator(managers []*Manager, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		managers:   managers,
		logger:     slog.Default(),
		retryDelay: DefaultRetryDelay,
		startTimer: func(d time.Duration, f func()) retryTimer { return time.AfterFunc(d, f) },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Managers returns the managers in configured order.
func (c *Coordinator) Managers() []*Manager { return c.managers }

// ManagerFor looks a manager up by account id.
func (c *Coordinator) ManagerFor(accountID string) (*Manager, bool) {
	for _, m := range c.managers {
		if m.AccountID() == accountID {
			return m, true
		}
	}
	return nil, false
}

// InitializeAll authenticates every account concurrently. One account's
// failure never blocks another's attempt; the aggregate outcome decides the
// system state and whether a retry is scheduled.
func (c *Coordinator) InitializeAll(ctx context.Context) models.SystemState {
	if len(c.managers) == 0 {
		return models.SystemError
	}
	var g errgroup.Group
	for _, m := range c.managers {
		m := m
		g.Go(func() error {
			if err := m.EnsureAuthenticated(ctx); err != nil {
				c.logger.Warn("account authentication failed", "account", m.AccountID(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return c.Reconcile()
}

func (c *Coordinator) validCount() int {
	valid := 0
	for _, m := range c.managers {
		switch m.State() {
		case models.StateValid, models.StateExpiringSoon:
			valid++
		}
	}
	return valid
}

// SystemState derives the aggregate state from per-account health.
func (c *Coordinator) SystemState() models.SystemState {
	if len(c.managers) == 0 {
		return models.SystemError
	}
	switch valid := c.validCount(); {
	case valid == len(c.managers):
		return models.SystemReady
	case valid > 0:
		return models.SystemPartial
	default:
		return models.SystemWaitingRetry
	}
}

// Reconcile recomputes the system state and keeps the retry timer consistent
// with it: armed only while every account is down.
func (c *Coordinator) Reconcile() models.SystemState {
	state := c.SystemState()
	c.mu.Lock()
	defer c.mu.Unlock()
	if state == models.SystemWaitingRetry {
		c.armRetryLocked()
	} else {
		c.disarmRetryLocked()
	}
	return state
}

func (c *Coordinator) armRetryLocked() {
	if c.timer != nil || c.closed {
		return
	}
	c.logger.Info("all accounts down, retry scheduled", "delay", c.retryDelay)
	c.timer = c.startTimer(c.retryDelay, func() {
		c.mu.Lock()
		c.timer = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		c.logger.Info("scheduled authentication retry firing")
		c.InitializeAll(context.Background())
	})
}

func (c *Coordinator) disarmRetryLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Close cancels any pending all-down retry and stops new ones from being
// armed. Called during shutdown so a stale timer cannot fire mid-teardown.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.disarmRetryLocked()
}

// RetryArmed reports whether an all-down retry is pending.
func (c *Coordinator) RetryArmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// ForceRetry cancels any pending scheduled retry and attempts every account
// immediately.
func (c *Coordinator) ForceRetry(ctx context.Context) models.SystemState {
	c.mu.Lock()
	c.disarmRetryLocked()
	c.mu.Unlock()
	return c.InitializeAll(ctx)
}

// RefreshExpiring renews every session that entered its renew-ahead window
// so callers rarely pay the refresh latency inline. It returns how many
// sessions were renewed.
func (c *Coordinator) RefreshExpiring(ctx context.Context) int {
	refreshed := 0
	for _, m := range c.managers {
		if m.State() != models.StateExpiringSoon {
			continue
		}
		if err := m.Refresh(ctx); err != nil {
			c.logger.Warn("background refresh failed", "account", m.AccountID(), "error", err)
			continue
		}
		refreshed++
	}
	c.Reconcile()
	return refreshed
}

// SelectActiveAccount returns the account serving outbound traffic: the
// current one while it stays usable, otherwise the first usable account in
// configured order.
func (c *Coordinator) SelectActiveAccount() (*Manager, error) {
	if len(c.managers) == 0 {
		return nil, ErrNoAccounts
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if current := c.managers[c.active]; usableState(current.State()) {
		return current, nil
	}
	for i, m := range c.managers {
		if usableState(m.State()) {
			c.active = i
			c.logger.Info("active account switched", "account", m.AccountID())
			return m, nil
		}
	}
	return nil, ErrNoAuthenticatedAccount
}

func usableState(state models.AccountState) bool {
	return state == models.StateValid || state == models.StateExpiringSoon
}

// SwitchAccount advances the active pointer to the next account in order
// regardless of its health, triggering authentication when it needs one.
func (c *Coordinator) SwitchAccount(ctx context.Context) (Snapshot, error) {
	if len(c.managers) == 0 {
		return Snapshot{}, ErrNoAccounts
	}
	c.mu.Lock()
	c.active = (c.active + 1) % len(c.managers)
	next := c.managers[c.active]
	c.mu.Unlock()

	if err := next.EnsureAuthenticated(ctx); err != nil {
		c.logger.Warn("switched account failed to authenticate", "account", next.AccountID(), "error", err)
	}
	c.Reconcile()
	return next.Snapshot(), nil
}

// ActiveAccountID reports which account serves outbound traffic right now.
func (c *Coordinator) ActiveAccountID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.managers) == 0 {
		return ""
	}
	return c.managers[c.active].AccountID()
}

// GetValidToken returns a usable token from the active account, renewing an
// expiring session on the way.
func (c *Coordinator) GetValidToken(ctx context.Context) (string, *Manager, error) {
	m, err := c.SelectActiveAccount()
	if err != nil {
		return "", nil, err
	}
	token, err := m.Token(ctx)
	if err != nil {
		c.Reconcile()
		return "", nil, errors.Join(ErrNoAuthenticatedAccount, err)
	}
	return token, m, nil
}

// Status is the aggregate health view for the admin surface.
type Status struct {
	System        models.SystemState `json:"system"`
	ActiveAccount string             `json:"activeAccount"`
	RetryArmed    bool               `json:"retryArmed"`
	Accounts      []Snapshot         `json:"accounts"`
}

// Status snapshots the whole account fleet.
func (c *Coordinator) Status() Status {
	status := Status{
		System:        c.SystemState(),
		ActiveAccount: c.ActiveAccountID(),
		RetryArmed:    c.RetryArmed(),
	}
	for _, m := range c.managers {
		status.Accounts = append(status.Accounts, m.Snapshot())
	}
	return status
}
