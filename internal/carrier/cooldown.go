package carrier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultOrderCooldown is the minimum gap between orders to one destination.
const DefaultOrderCooldown = 65 * time.Second

// CooldownStore throttles orders per destination number. Begin either records
// a new order window and returns zero, or returns how long the destination is
// still blocked. Clear releases the window early, used when an order fails so
// the caller can retry without waiting the full gap.
type CooldownStore interface {
	Begin(ctx context.Context, destination string) (time.Duration, error)
	Clear(ctx context.Context, destination string) error
}

// MemoryCooldownStore keeps order windows in process memory. Suitable for a
// single replica; multi-replica deployments use the Redis store.
type MemoryCooldownStore struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	last   map[string]time.Time
}

// NewMemoryCooldownStore constructs an in-process cooldown store. A zero or
// negative window falls back to the default.
func NewMemoryCooldownStore(window time.Duration) *MemoryCooldownStore {
	if window <= 0 {
		window = DefaultOrderCooldown
	}
	return &MemoryCooldownStore{
		window: window,
		now:    time.Now,
		last:   make(map[string]time.Time),
	}
}

// SetClock overrides the time source, used by tests.
func (s *MemoryCooldownStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

func (s *MemoryCooldownStore) Begin(_ context.Context, destination string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.now()
	s.pruneLocked(current)
	if last, ok := s.last[destination]; ok {
		if elapsed := current.Sub(last); elapsed < s.window {
			return s.window - elapsed, nil
		}
	}
	s.last[destination] = current
	return 0, nil
}

func (s *MemoryCooldownStore) Clear(_ context.Context, destination string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.last, destination)
	return nil
}

func (s *MemoryCooldownStore) pruneLocked(current time.Time) {
	for destination, last := range s.last {
		if current.Sub(last) >= s.window {
			delete(s.last, destination)
		}
	}
}

// RedisCooldownStore shares order windows across replicas through Redis.
type RedisCooldownStore struct {
	client    redis.UniversalClient
	window    time.Duration
	keyPrefix string
}

// NewRedisCooldownStore constructs a Redis-backed cooldown store.
func NewRedisCooldownStore(client redis.UniversalClient, window time.Duration, keyPrefix string) *RedisCooldownStore {
	if window <= 0 {
		window = DefaultOrderCooldown
	}
	if keyPrefix == "" {
		keyPrefix = "recharge:cooldown:"
	}
	return &RedisCooldownStore{client: client, window: window, keyPrefix: keyPrefix}
}

func (s *RedisCooldownStore) Begin(ctx context.Context, destination string) (time.Duration, error) {
	key := s.keyPrefix + destination
	set, err := s.client.SetNX(ctx, key, "1", s.window).Result()
	if err != nil {
		return 0, fmt.Errorf("cooldown reserve: %w", err)
	}
	if set {
		return 0, nil
	}
	remaining, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cooldown ttl: %w", err)
	}
	if remaining <= 0 {
		// The window lapsed between SetNX and PTTL; claim it now.
		if err := s.client.Set(ctx, key, "1", s.window).Err(); err != nil {
			return 0, fmt.Errorf("cooldown reserve: %w", err)
		}
		return 0, nil
	}
	return remaining, nil
}

func (s *RedisCooldownStore) Clear(ctx context.Context, destination string) error {
	if err := s.client.Del(ctx, s.keyPrefix+destination).Err(); err != nil {
		return fmt.Errorf("cooldown clear: %w", err)
	}
	return nil
}
