package hub

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-client throttling of REQUEST envelopes.
type RateLimitConfig struct {
	// Rate is the number of requests allowed per second per client.
	Rate rate.Limit
	// Burst is the maximum burst size per client.
	Burst int
	// CleanupInterval is how often stale entries are removed.
	CleanupInterval time.Duration
	// MaxAge is how long an idle limiter is kept before eviction.
	MaxAge time.Duration
}

// DefaultRateLimitConfig allows 10 REQUEST envelopes/second per client
// with a burst of 20, generous enough for UI-driven SIP/call actions
// while still bounding a misbehaving or compromised tab.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(10),
		Burst:           20,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

type clientLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientRateLimiter throttles REQUEST envelopes per clientId.
type clientRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*clientLimitEntry
	cfg     RateLimitConfig
	stopCh  chan struct{}
}

func newClientRateLimiter(cfg RateLimitConfig) *clientRateLimiter {
	rl := &clientRateLimiter{
		entries: make(map[string]*clientLimitEntry),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// allow reports whether clientID may proceed, creating its limiter on
// first use.
func (rl *clientRateLimiter) allow(clientID string) bool {
	rl.mu.Lock()
	entry, ok := rl.entries[clientID]
	if !ok {
		entry = &clientLimitEntry{limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.entries[clientID] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

func (rl *clientRateLimiter) forget(clientID string) {
	rl.mu.Lock()
	delete(rl.entries, clientID)
	rl.mu.Unlock()
}

func (rl *clientRateLimiter) stop() {
	close(rl.stopCh)
}

func (rl *clientRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *clientRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.cfg.MaxAge)
	removed := 0
	for id, entry := range rl.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.entries, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("hub rate limiter cleanup", "removed", removed, "remaining", len(rl.entries))
	}
}
