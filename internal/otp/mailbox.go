package otp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xZoluGames/RechargeSystem/internal/models"
)

var (
	// ErrWaiterActive is returned when an account already has a pending
	// AwaitMatching call. One authentication attempt per account means one
	// waiter per account.
	ErrWaiterActive = errors.New("otp mailbox: waiter already registered for account")
	// ErrTimeout is returned when no matching code arrived in time.
	ErrTimeout = errors.New("otp mailbox: timed out waiting for code")
)

// DefaultEventTTL is how long an undelivered code stays eligible for pickup.
// Carrier codes expire server side well before this.
const DefaultEventTTL = 3 * time.Minute

// Predicate decides whether a deposited event answers a waiter's request.
type Predicate func(models.OtpEvent) bool

// BySlot matches events that arrived on the given SIM slot.
func BySlot(slot string) Predicate {
	return func(event models.OtpEvent) bool {
		return event.SIMSlot == slot
	}
}

// Mailbox buffers inbound verification codes and hands each one to at most a
// single waiter. Codes that arrive before their waiter are kept for the event
// TTL, most recent per SIM slot; codes nobody claims age out silently.
type Mailbox struct {
	mu         sync.Mutex
	ttl        time.Duration
	now        func() time.Time
	pending    []models.OtpEvent
	waiters    map[string]*waiter
	lastBySlot map[string]models.OtpEvent
}

type waiter struct {
	match Predicate
	ch    chan models.OtpEvent
}

// MailboxOption customises mailbox construction.
type MailboxOption func(*Mailbox)

// WithEventTTL overrides how long undelivered events remain claimable.
func WithEventTTL(ttl time.Duration) MailboxOption {
	return func(m *Mailbox) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) MailboxOption {
	return func(m *Mailbox) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMailbox constructs an empty mailbox.
func NewMailbox(opts ...MailboxOption) *Mailbox {
	mailbox := &Mailbox{
		ttl:        DefaultEventTTL,
		now:        time.Now,
		waiters:    make(map[string]*waiter),
		lastBySlot: make(map[string]models.OtpEvent),
	}
	for _, opt := range opts {
		opt(mailbox)
	}
	return mailbox
}

// Deposit records an inbound code. If a registered waiter matches, the event
// is delivered to exactly that waiter and never buffered; otherwise it is
// buffered until it ages out or a future waiter claims it. The buffer holds
// one code per SIM slot: a newer code supersedes the buffered one, since the
// carrier invalidates the older code the moment it issues a replacement.
func (m *Mailbox) Deposit(event models.OtpEvent) {
	m.mu.Lock()
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = m.now()
	}
	m.pruneLocked()
	m.lastBySlot[event.SIMSlot] = event
	for account, w := range m.waiters {
		if w.match(event) {
			delete(m.waiters, account)
			m.mu.Unlock()
			w.ch <- event
			return
		}
	}
	for i, buffered := range m.pending {
		if buffered.SIMSlot == event.SIMSlot {
			m.pending[i] = event
			m.mu.Unlock()
			return
		}
	}
	m.pending = append(m.pending, event)
	m.mu.Unlock()
}

// AwaitMatching blocks until a matching code is available, the timeout lapses
// or ctx is cancelled. A code already buffered and still within its TTL is
// returned immediately. Each account may have at most one outstanding call;
// a second call fails with ErrWaiterActive. Delivered events are consumed.
func (m *Mailbox) AwaitMatching(ctx context.Context, accountID string, match Predicate, timeout time.Duration) (models.OtpEvent, error) {
	m.mu.Lock()
	m.pruneLocked()
	for i, event := range m.pending {
		if match(event) {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			m.mu.Unlock()
			return event, nil
		}
	}
	if _, exists := m.waiters[accountID]; exists {
		m.mu.Unlock()
		return models.OtpEvent{}, ErrWaiterActive
	}
	w := &waiter{match: match, ch: make(chan models.OtpEvent, 1)}
	m.waiters[accountID] = w
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case event := <-w.ch:
		return event, nil
	case <-timer.C:
		if event, claimed := m.detach(accountID, w); claimed {
			return event, nil
		}
		return models.OtpEvent{}, ErrTimeout
	case <-ctx.Done():
		if event, claimed := m.detach(accountID, w); claimed {
			return event, nil
		}
		return models.OtpEvent{}, ctx.Err()
	}
}

// detach removes the waiter registration. If a concurrent Deposit already
// claimed the waiter, the in-flight event is collected so it is not lost.
func (m *Mailbox) detach(accountID string, w *waiter) (models.OtpEvent, bool) {
	m.mu.Lock()
	current, registered := m.waiters[accountID]
	if registered && current == w {
		delete(m.waiters, accountID)
		m.mu.Unlock()
		return models.OtpEvent{}, false
	}
	m.mu.Unlock()
	return <-w.ch, true
}

// LastEvent returns the most recent event seen on a SIM slot, delivered or
// not, for operator inspection.
func (m *Mailbox) LastEvent(slot string) (models.OtpEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.lastBySlot[slot]
	return event, ok
}

// Clear drops all buffered events and inspection state. Registered waiters
// stay registered.
func (m *Mailbox) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
	m.lastBySlot = make(map[string]models.OtpEvent)
}

// PendingCount reports how many undelivered events are buffered.
func (m *Mailbox) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	return len(m.pending)
}

func (m *Mailbox) pruneLocked() {
	if len(m.pending) == 0 {
		return
	}
	cutoff := m.now().Add(-m.ttl)
	kept := m.pending[:0]
	for _, event := range m.pending {
		if event.ReceivedAt.After(cutoff) {
			kept = append(kept, event)
		}
	}
	m.pending = kept
}
