package otp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xZoluGames/RechargeSystem/internal/models"
)

func TestAwaitMatchingReturnsBufferedEvent(t *testing.T) {
	mailbox := NewMailbox()
	mailbox.Deposit(models.OtpEvent{Code: "186976", SIMSlot: "SIM1"})

	event, err := mailbox.AwaitMatching(context.Background(), "acct-1", BySlot("SIM1"), time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if event.Code != "186976" {
		t.Fatalf("code = %q", event.Code)
	}
	if got := mailbox.PendingCount(); got != 0 {
		t.Fatalf("delivered event should be consumed, pending = %d", got)
	}
}

func TestAwaitMatchingWakesOnDeposit(t *testing.T) {
	mailbox := NewMailbox()
	type result struct {
		event models.OtpEvent
		err   error
	}
	results := make(chan result, 1)
	go func() {
		event, err := mailbox.AwaitMatching(context.Background(), "acct-1", BySlot("SIM2"), 5*time.Second)
		results <- result{event: event, err: err}
	}()

	// Give the waiter time to register before depositing.
	time.Sleep(20 * time.Millisecond)
	mailbox.Deposit(models.OtpEvent{Code: "654321", SIMSlot: "SIM2"})

	select {
	case got := <-results:
		if got.err != nil {
			t.Fatalf("await: %v", got.err)
		}
		if got.event.Code != "654321" {
			t.Fatalf("code = %q", got.event.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestAwaitMatchingTimesOut(t *testing.T) {
	mailbox := NewMailbox()
	_, err := mailbox.AwaitMatching(context.Background(), "acct-1", BySlot("SIM1"), 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	// The expired waiter must be deregistered so a new attempt can wait.
	done := make(chan error, 1)
	go func() {
		_, err := mailbox.AwaitMatching(context.Background(), "acct-1", BySlot("SIM1"), 30*time.Millisecond)
		done <- err
	}()
	if err := <-done; !errors.Is(err, ErrTimeout) {
		t.Fatalf("second waiter err = %v, want ErrTimeout", err)
	}
}

func TestSecondWaiterRejected(t *testing.T) {
	mailbox := NewMailbox()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		mailbox.AwaitMatching(context.Background(), "acct-1", BySlot("SIM1"), 300*time.Millisecond)
	}()
	time.Sleep(20 * time.Millisecond)

	_, err := mailbox.AwaitMatching(context.Background(), "acct-1", BySlot("SIM1"), time.Second)
	if !errors.Is(err, ErrWaiterActive) {
		t.Fatalf("err = %v, want ErrWaiterActive", err)
	}
	wg.Wait()
}

func TestEventDeliveredAtMostOnce(t *testing.T) {
	mailbox := NewMailbox()
	mailbox.Deposit(models.OtpEvent{Code: "111222", SIMSlot: "SIM1"})

	if _, err := mailbox.AwaitMatching(context.Background(), "a", BySlot("SIM1"), time.Second); err != nil {
		t.Fatalf("first await: %v", err)
	}
	_, err := mailbox.AwaitMatching(context.Background(), "b", BySlot("SIM1"), 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("consumed event delivered twice, err = %v", err)
	}
}

func TestNewerCodeSupersedesBufferedOne(t *testing.T) {
	mailbox := NewMailbox()
	mailbox.Deposit(models.OtpEvent{Code: "111111", SIMSlot: "SIM1"})
	mailbox.Deposit(models.OtpEvent{Code: "222222", SIMSlot: "SIM1"})
	mailbox.Deposit(models.OtpEvent{Code: "999999", SIMSlot: "SIM2"})

	if got := mailbox.PendingCount(); got != 2 {
		t.Fatalf("expected one buffered code per slot, pending = %d", got)
	}
	event, err := mailbox.AwaitMatching(context.Background(), "acct-1", BySlot("SIM1"), time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if event.Code != "222222" {
		t.Fatalf("waiter got superseded code %q, want most recent", event.Code)
	}
	event, err = mailbox.AwaitMatching(context.Background(), "acct-2", BySlot("SIM2"), time.Second)
	if err != nil {
		t.Fatalf("await sim2: %v", err)
	}
	if event.Code != "999999" {
		t.Fatalf("sim2 code = %q", event.Code)
	}
}

func TestExpiredEventsNotDelivered(t *testing.T) {
	current := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	mailbox := NewMailbox(WithClock(now))
	mailbox.Deposit(models.OtpEvent{Code: "333444", SIMSlot: "SIM1"})

	mu.Lock()
	current = current.Add(DefaultEventTTL + time.Second)
	mu.Unlock()

	_, err := mailbox.AwaitMatching(context.Background(), "acct-1", BySlot("SIM1"), 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("stale event should age out, err = %v", err)
	}
}

func TestAwaitMatchingHonoursContext(t *testing.T) {
	mailbox := NewMailbox()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := mailbox.AwaitMatching(ctx, "acct-1", BySlot("SIM1"), time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestLastEventAndClear(t *testing.T) {
	mailbox := NewMailbox()
	mailbox.Deposit(models.OtpEvent{Code: "555666", SIMSlot: "SIM2"})

	event, ok := mailbox.LastEvent("SIM2")
	if !ok || event.Code != "555666" {
		t.Fatalf("last event = %+v ok=%v", event, ok)
	}
	mailbox.Clear()
	if _, ok := mailbox.LastEvent("SIM2"); ok {
		t.Fatal("clear should drop inspection state")
	}
	if mailbox.PendingCount() != 0 {
		t.Fatal("clear should drop pending events")
	}
}
