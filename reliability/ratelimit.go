package reliability

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a token bucket rate limiter owned by a single provider
// connection. Tokens accumulate at refillRate per second up to maxTokens and
// each permitted operation costs one token.
//
// When the bucket is empty, Acquire sleeps until one token would have
// accrued and then treats the bucket as fully drained rather than
// recomputing a partial refill. This keeps wait sequences deterministic;
// documented behavior, not a bug.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	lastRefill time.Time
	refillRate float64
}

// NewTokenBucket creates a full bucket permitting requestsPerSecond sustained
// operations per second.
func NewTokenBucket(requestsPerSecond int) *TokenBucket {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	return &TokenBucket{
		tokens:     float64(requestsPerSecond),
		maxTokens:  float64(requestsPerSecond),
		lastRefill: time.Now(),
		refillRate: float64(requestsPerSecond),
	}
}

// Acquire takes one token, waiting for a refill when none is available.
// Returns early with the context error on cancellation.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	b.mu.Lock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = min(b.maxTokens, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		b.mu.Unlock()
		return nil
	}

	wait := time.Duration((1 - b.tokens) / b.refillRate * float64(time.Second))
	b.mu.Unlock()

	timer := time.NewTimer(wait)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
	}

	b.mu.Lock()
	b.tokens = 0
	b.lastRefill = time.Now()
	b.mu.Unlock()
	return nil
}

// Tokens reports the current token count without refilling.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}
