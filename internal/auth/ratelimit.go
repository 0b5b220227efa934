package auth

import (
	"sync"
	"time"
)

// RateLimiter tracks failed login attempts per remote address, guarding
// the IMAP LOGIN path against credential-stuffing/brute-force attempts.
// Unlike internal/counter's TTL-swept reservation counters, blocks here
// persist for a fixed blockDuration regardless of subsequent traffic.
type RateLimiter struct {
	mu       sync.RWMutex
	attempts map[string]*attemptInfo

	maxAttempts   int
	windowSize    time.Duration
	blockDuration time.Duration
}

type attemptInfo struct {
	count     int
	firstTime time.Time
	blockedAt time.Time
}

// NewRateLimiter creates a rate limiter. maxAttempts is the number of
// failures tolerated within windowSize before blockDuration applies.
func NewRateLimiter(maxAttempts int, windowSize, blockDuration time.Duration) *RateLimiter {
	rl := &RateLimiter{
		attempts:      make(map[string]*attemptInfo),
		maxAttempts:   maxAttempts,
		windowSize:    windowSize,
		blockDuration: blockDuration,
	}
	go rl.cleanup()
	return rl
}

// DefaultRateLimiter returns a rate limiter with sensible defaults: 5
// attempts per 15 minutes, 30 minute block.
func DefaultRateLimiter() *RateLimiter {
	return NewRateLimiter(5, 15*time.Minute, 30*time.Minute)
}

// IsBlocked reports whether addr is currently blocked.
func (rl *RateLimiter) IsBlocked(addr string) bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	info, exists := rl.attempts[addr]
	if !exists {
		return false
	}
	if !info.blockedAt.IsZero() && time.Since(info.blockedAt) < rl.blockDuration {
		return true
	}
	return false
}

// RecordFailure records a failed login attempt for addr. Returns true
// if addr is now blocked as a result.
func (rl *RateLimiter) RecordFailure(addr string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	info, exists := rl.attempts[addr]
	if !exists {
		rl.attempts[addr] = &attemptInfo{count: 1, firstTime: now}
		return false
	}

	if now.Sub(info.firstTime) > rl.windowSize {
		info.count = 1
		info.firstTime = now
		info.blockedAt = time.Time{}
		return false
	}

	info.count++
	if info.count >= rl.maxAttempts {
		info.blockedAt = now
		return true
	}
	return false
}

// RecordSuccess clears failed attempts for addr on successful login.
func (rl *RateLimiter) RecordSuccess(addr string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, addr)
}

// BlockedUntil returns when addr's block expires, the zero time if
// addr isn't blocked.
func (rl *RateLimiter) BlockedUntil(addr string) time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	info, exists := rl.attempts[addr]
	if !exists || info.blockedAt.IsZero() {
		return time.Time{}
	}
	return info.blockedAt.Add(rl.blockDuration)
}

// Stats returns the number of tracked addresses and how many are
// currently blocked.
func (rl *RateLimiter) Stats() (total, blocked int) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := time.Now()
	for _, info := range rl.attempts {
		total++
		if !info.blockedAt.IsZero() && now.Sub(info.blockedAt) < rl.blockDuration {
			blocked++
		}
	}
	return
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		maxAge := rl.windowSize + rl.blockDuration
		for addr, info := range rl.attempts {
			if now.Sub(info.firstTime) > maxAge {
				delete(rl.attempts, addr)
			}
		}
		rl.mu.Unlock()
	}
}
