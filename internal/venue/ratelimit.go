// ratelimit.go implements per-venue request throttling.
//
// Two mechanisms compose. A token bucket with continuous refill smooths
// request rate against each venue's published limits (refilling steadily
// instead of in window-sized bursts avoids tripping hard limits). A
// concurrency semaphore caps how many requests are in flight at once;
// callers over the cap queue until a slot frees.
package venue

import (
	"context"
	"sync"
	"time"
)

// defaultConcurrency caps in-flight requests per venue. The stream layer
// applies its own, usually tighter, per-venue polling cap on top.
const defaultConcurrency = 8

// TokenBucket is a token-bucket rate limiter with continuous refill.
// Callers block in Wait until a token is available or the context is
// cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Sleep until the next token accrues.
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// Limiter is one venue's combined throttle: rate bucket first, then the
// concurrency slot. Every adapter call acquires before touching the
// network and releases when the response is in.
type Limiter struct {
	bucket *TokenBucket
	slots  chan struct{}
}

// NewLimiter builds a limiter with the given bucket shape and concurrency cap.
func NewLimiter(burst, rps float64, concurrency int) *Limiter {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Limiter{
		bucket: NewTokenBucket(burst, rps),
		slots:  make(chan struct{}, concurrency),
	}
}

// Acquire blocks for a rate token and an in-flight slot. On success it
// returns the release function for the slot; callers must defer it.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if err := l.bucket.Wait(ctx); err != nil {
		return nil, err
	}
	select {
	case l.slots <- struct{}{}:
		return func() { <-l.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
