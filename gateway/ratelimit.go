package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipRateLimitInterval is the steady refill interval of each client IP's
// token bucket on the admin/status API endpoints (see Allow for the burst).
const ipRateLimitInterval = 1 * time.Second

// ipRateLimiterIdle is how long an IP's limiter may sit unused before the
// cleanup sweep evicts it.
const ipRateLimiterIdle = 5 * time.Minute

// ipRateLimiter enforces a per-IP request ceiling using golang.org/x/time/rate,
// replacing the teacher's hand-rolled map+mutex limiter with the ecosystem's
// standard token-bucket implementation (already an indirect dependency via
// the Docker SDK; this promotes it to direct, exercised use).
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPRateLimiter() *ipRateLimiter {
	return &ipRateLimiter{limiters: make(map[string]*limiterEntry)}
}

// Allow reports whether ip may proceed, admitting a small burst (3) on top
// of the steady one-per-second rate so a page load's handful of near-
// simultaneous polls isn't immediately throttled.
func (rl *ipRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	entry, ok := rl.limiters[ip]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Every(ipRateLimitInterval), 3)}
		rl.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()
	return entry.limiter.Allow()
}

// startCleanup periodically evicts limiters for IPs that have gone quiet.
func (rl *ipRateLimiter) startCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.evictStale()
			}
		}
	}()
}

func (rl *ipRateLimiter) evictStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-ipRateLimiterIdle)
	for ip, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, ip)
		}
	}
}
