package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: time.Now(),
	}
}

// Allow checks if a request can be allowed and consumes a token if available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)

	tokensToAdd := int(elapsed.Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}

	return false
}

// ConnLimiter throttles external connection accepts, globally and per owning
// client. A rate of 0 disables that dimension.
type ConnLimiter struct {
	mu            sync.Mutex
	globalLimiter *TokenBucket
	perClient     map[string]*TokenBucket
	perClientRate int
	burstSize     int
}

// NewConnLimiter creates a limiter with the given per-second rates and burst.
func NewConnLimiter(globalRate, perClientRate, burstSize int) *ConnLimiter {
	cl := &ConnLimiter{
		perClient:     make(map[string]*TokenBucket),
		perClientRate: perClientRate,
		burstSize:     burstSize,
	}
	if globalRate > 0 {
		cl.globalLimiter = NewTokenBucket(globalRate, burstSize)
	}
	return cl
}

// Allow checks if an external connection may be accepted for the given client.
func (cl *ConnLimiter) Allow(clientID string) bool {
	if cl.globalLimiter != nil && !cl.globalLimiter.Allow() {
		return false
	}
	if cl.perClientRate > 0 {
		cl.mu.Lock()
		bucket, exists := cl.perClient[clientID]
		if !exists {
			bucket = NewTokenBucket(cl.perClientRate, cl.burstSize)
			cl.perClient[clientID] = bucket
		}
		cl.mu.Unlock()

		if !bucket.Allow() {
			return false
		}
	}
	return true
}

// Forget drops the per-client bucket when its client disconnects.
func (cl *ConnLimiter) Forget(clientID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.perClient, clientID)
}
