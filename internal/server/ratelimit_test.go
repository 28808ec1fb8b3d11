package server

import (
	"errors"
	"testing"
	"time"
)

func TestTokenBucketRefills(t *testing.T) {
	bucket := newTokenBucket(100, 2)
	if !bucket.Allow() || !bucket.Allow() {
		t.Fatalf("burst capacity should allow two immediate requests")
	}
	if bucket.Allow() {
		t.Fatalf("third immediate request should be rejected")
	}
	time.Sleep(30 * time.Millisecond)
	if !bucket.Allow() {
		t.Fatalf("bucket should refill at 100 tokens/s")
	}
}

func TestAllowRechargeInMemory(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{RechargeLimit: 2, RechargeWindow: time.Minute})

	for i := 0; i < 2; i++ {
		allowed, _, err := rl.AllowRecharge("KEY-A")
		if err != nil || !allowed {
			t.Fatalf("request %d should pass: allowed=%v err=%v", i, allowed, err)
		}
	}
	allowed, retryAfter, err := rl.AllowRecharge("KEY-A")
	if err != nil {
		t.Fatalf("AllowRecharge: %v", err)
	}
	if allowed {
		t.Fatalf("third request inside the window should be limited")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected a retry hint, got %v", retryAfter)
	}

	// Other subjects keep their own budget.
	if allowed, _, _ := rl.AllowRecharge("KEY-B"); !allowed {
		t.Fatalf("independent subject should not be limited")
	}
}

func TestAllowRechargeUnlimitedWhenDisabled(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{})
	for i := 0; i < 50; i++ {
		if allowed, _, _ := rl.AllowRecharge("KEY-A"); !allowed {
			t.Fatalf("disabled limiter should always allow")
		}
	}
}

type fakeTokenStore struct {
	allowed    bool
	retryAfter time.Duration
	err        error
	keys       []string
}

func (f *fakeTokenStore) Allow(key string, limit int, window time.Duration) (bool, time.Duration, error) {
	f.keys = append(f.keys, key)
	return f.allowed, f.retryAfter, f.err
}

func TestAllowRechargeDelegatesToStore(t *testing.T) {
	store := &fakeTokenStore{allowed: false, retryAfter: 7 * time.Second}
	rl := newRateLimiter(RateLimitConfig{RechargeLimit: 3, RechargeWindow: time.Minute})
	rl.store = store

	allowed, retryAfter, err := rl.AllowRecharge("KEY-A")
	if err != nil {
		t.Fatalf("AllowRecharge: %v", err)
	}
	if allowed || retryAfter != 7*time.Second {
		t.Fatalf("store decision not honoured: allowed=%v retryAfter=%v", allowed, retryAfter)
	}
	if len(store.keys) != 1 || store.keys[0] != "recharge:limit:KEY-A" {
		t.Fatalf("unexpected store key %v", store.keys)
	}
}

func TestAllowRechargeSurfacesStoreErrors(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{RechargeLimit: 3, RechargeWindow: time.Minute})
	rl.store = &fakeTokenStore{err: errors.New("redis down")}

	if _, _, err := rl.AllowRecharge("KEY-A"); err == nil {
		t.Fatalf("expected store error to propagate")
	}
}

func TestRechargeBucketCleanup(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{RechargeLimit: 1, RechargeWindow: 10 * time.Millisecond})
	rl.AllowRecharge("KEY-A")

	rl.rechargeMu.Lock()
	rl.rechargeBuckets["KEY-A"].lastSeen = time.Now().Add(-time.Minute)
	rl.cleanupLocked()
	_, exists := rl.rechargeBuckets["KEY-A"]
	rl.rechargeMu.Unlock()

	if exists {
		t.Fatalf("idle bucket should be evicted")
	}
}
