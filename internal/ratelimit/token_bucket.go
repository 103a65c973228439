// Package ratelimit implements the session-wide refresh budget.
//
// The token bucket allows a burst of refreshes up to the bucket capacity while
// holding the sustained refresh rate under a per-minute ceiling shared by every
// placement on the page.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a thread-safe token bucket driven by an injected clock.
//
// Example usage:
//
//	bucket := NewTokenBucket(4, 6, sched.Now) // burst of 4, 6 tokens per minute
//	if bucket.Allow() {
//	    // issue refresh
//	}
type TokenBucket struct {
	capacity   float64
	tokens     float64
	perSecond  float64
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
	hitCount   int64 // requests rejected for lack of tokens
	totalCount int64
}

// NewTokenBucket creates a bucket holding at most capacity tokens that refills
// at perMinute tokens per minute. The bucket starts full. A nil now uses
// time.Now.
func NewTokenBucket(capacity int, perMinute float64, now func() time.Time) *TokenBucket {
	if now == nil {
		now = time.Now
	}
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		perSecond:  perMinute / 60,
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.totalCount++
	tb.refillLocked()

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	tb.hitCount++
	return false
}

// Available reports whether a token could be consumed right now without
// consuming it.
func (tb *TokenBucket) Available() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	return tb.tokens >= 1
}

// Tokens returns the current (fractional) token count.
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	return tb.tokens
}

// Stats returns the rejected and total request counts.
func (tb *TokenBucket) Stats() (hits, total int64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.hitCount, tb.totalCount
}

func (tb *TokenBucket) refillLocked() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill)
	if elapsed <= 0 {
		return
	}
	tb.tokens = min(tb.capacity, tb.tokens+elapsed.Seconds()*tb.perSecond)
	tb.lastRefill = now
}
