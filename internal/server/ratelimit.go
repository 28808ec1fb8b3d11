package server

import (
	"fmt"
	"sync"
	"time"
)

type RateLimitConfig struct {
	GlobalRPS      float64
	GlobalBurst    int
	RechargeLimit  int
	RechargeWindow time.Duration
	RedisAddr      string
	RedisPassword  string
	RedisTimeout   time.Duration
}

// rateLimiter combines a global token bucket with a per-subject recharge
// limiter. With a Redis address configured the recharge counters are shared
// across replicas; otherwise they live in process memory.
type rateLimiter struct {
	global          *tokenBucket
	rechargeLimit   int
	rechargeWindow  time.Duration
	rechargeMu      sync.Mutex
	rechargeBuckets map[string]*subjectLimiter
	store           tokenStore
}

type subjectLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		rechargeLimit:   cfg.RechargeLimit,
		rechargeWindow:  cfg.RechargeWindow,
		rechargeBuckets: make(map[string]*subjectLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.rechargeLimit <= 0 {
		rl.rechargeLimit = 0
	}
	if rl.rechargeWindow <= 0 {
		rl.rechargeWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.rechargeLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(cfg.RedisAddr, cfg.RedisPassword, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowRecharge throttles recharge submissions per subject: the API key when
// one was presented, the client IP otherwise.
func (r *rateLimiter) AllowRecharge(subject string) (bool, time.Duration, error) {
	if r == nil || r.rechargeLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		allowed, retryAfter, err := r.store.Allow(fmt.Sprintf("recharge:limit:%s", subject), r.rechargeLimit, r.rechargeWindow)
		return allowed, retryAfter, err
	}
	if subject == "" {
		subject = "unknown"
	}
	r.rechargeMu.Lock()
	bucket, exists := r.rechargeBuckets[subject]
	if !exists {
		rate := float64(r.rechargeLimit) / r.rechargeWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.rechargeWindow.Seconds()
		}
		bucket = &subjectLimiter{bucket: newTokenBucket(rate, r.rechargeLimit)}
		r.rechargeBuckets[subject] = bucket
	}
	bucket.lastSeen = time.Now()
	r.cleanupLocked()
	r.rechargeMu.Unlock()

	if bucket.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.rechargeBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.rechargeWindow)
	for key, bucket := range r.rechargeBuckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.rechargeBuckets, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	now := time.Now()
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
