// ratelimit.go paces the REST calls per endpoint category.
//
// The exchange weighs orders, account reads and public market data against
// separate budgets. Each category gets its own token bucket; tokens trickle
// back continuously so bursts never slam into the hard window limits.
//
//	Order:   50 burst / 10 per sec  — orders, borrow, repay
//	Account: 60 burst / 12 per sec  — balance and margin account reads
//	Market:  100 burst / 20 per sec — exchange info, prices, tickers
package exchange

import (
	"context"
	"math"
	"sync"
	"time"
)

// TokenBucket paces one endpoint category. The level refills continuously at
// rate tokens per second up to the burst capacity.
type TokenBucket struct {
	mu     sync.Mutex
	level  float64 // fractional tokens currently available
	burst  float64
	rate   float64
	filled time.Time // when level was last brought up to date
}

// NewTokenBucket creates a full bucket with the given burst size and refill rate.
func NewTokenBucket(burst, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{level: burst, burst: burst, rate: ratePerSecond, filled: time.Now()}
}

// take consumes a token when one is available; otherwise it reports how long
// until the next one refills.
func (b *TokenBucket) take() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.level = math.Min(b.burst, b.level+now.Sub(b.filled).Seconds()*b.rate)
	b.filled = now

	if b.level < 1 {
		return false, time.Duration((1 - b.level) / b.rate * float64(time.Second))
	}
	b.level--
	return true, 0
}

// Wait blocks until a token is available or ctx is cancelled.
func (b *TokenBucket) Wait(ctx context.Context) error {
	for {
		ok, retry := b.take()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}

// RateLimiter groups the buckets by API category. Every operation calls the
// matching bucket's Wait before the HTTP request goes out.
type RateLimiter struct {
	Order   *TokenBucket // order placement, margin borrow/repay
	Account *TokenBucket // balance and margin account reads
	Market  *TokenBucket // exchange info, prices, tickers
}

// NewRateLimiter creates the buckets tuned to the exchange's published weights.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:   NewTokenBucket(50, 10),
		Account: NewTokenBucket(60, 12),
		Market:  NewTokenBucket(100, 20),
	}
}
