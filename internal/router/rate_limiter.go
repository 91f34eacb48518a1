package router

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// window is the rate limiting period
const window = time.Minute

// RateLimiter implements per-user command rate limiting
// ARCHITECTURAL DISCOVERY: Per-user state tracking with periodic cleanup prevents memory leaks
type RateLimiter struct {
	clock clock.WithTicker
	limit int

	mu      sync.Mutex
	clients map[string]*clientLimit
}

// clientLimit tracks one user's current window
type clientLimit struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter allows limit commands per user per minute
func NewRateLimiter(clk clock.WithTicker, limit int) *RateLimiter {
	return &RateLimiter{
		clock:   clk,
		limit:   limit,
		clients: make(map[string]*clientLimit),
	}
}

// Allow reports whether userID may send another command in the current window
func (rl *RateLimiter) Allow(userID string) bool {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.clients[userID]
	if !ok || now.Sub(l.windowStart) >= window {
		rl.clients[userID] = &clientLimit{count: 1, windowStart: now}
		return true
	}
	if l.count >= rl.limit {
		return false
	}
	l.count++
	return true
}

// Cleanup forgets users idle for more than five windows
func (rl *RateLimiter) Cleanup() {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for userID, l := range rl.clients {
		if now.Sub(l.windowStart) > 5*window {
			delete(rl.clients, userID)
		}
	}
}

// Tracked returns the number of users with rate limiting state
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Start runs Cleanup once per window until ctx is cancelled
func (rl *RateLimiter) Start(ctx context.Context) {
	ticker := rl.clock.NewTicker(window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			rl.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}
