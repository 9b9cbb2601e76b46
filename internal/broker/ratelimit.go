// ratelimit.go implements sliding-window rate limiting for broker API calls.
//
// The broker enforces per-category request quotas measured per second. Three
// buckets are maintained, each sized strictly below the broker's cap so the
// limiter trips before the broker does:
//
//   - orders:      place / cancel / status  (default 10/s, broker cap 15/s)
//   - live_data:   quote / ltp / ohlc       (default 8/s,  broker cap 10/s)
//   - non_trading: historical / portfolio   (default 15/s, broker cap 20/s)
//
// Acquire never fails a request; it blocks the caller until a slot inside
// the current one-second window is free. Category locks are independent so
// order-placement contention does not stall market-data reads.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Rate-limit categories.
const (
	CategoryOrders     = "orders"
	CategoryLiveData   = "live_data"
	CategoryNonTrading = "non_trading"
)

const (
	window        = time.Second
	historyBound  = 100
	nearLimitFrac = 0.8
)

// bucket is a single sliding-window limiter. history holds the timestamps
// of calls issued within the retention window, oldest first.
type bucket struct {
	mu      sync.Mutex
	limit   int
	history []time.Time
	total   int64 // calls issued
	delayed int64 // calls that had to sleep
}

// evict drops timestamps older than one second. Caller holds mu.
func (b *bucket) evict(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(b.history) && !b.history[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.history = b.history[i:]
	}
}

// acquire blocks until the window has room, then records the call.
func (b *bucket) acquire(ctx context.Context) error {
	waited := false
	for {
		b.mu.Lock()
		now := time.Now()
		b.evict(now)

		if len(b.history) < b.limit {
			b.history = append(b.history, now)
			if len(b.history) > historyBound {
				b.history = b.history[len(b.history)-historyBound:]
			}
			b.total++
			if waited {
				b.delayed++
			}
			b.mu.Unlock()
			return nil
		}

		// Window full: sleep until the oldest call ages out.
		wait := b.history[0].Add(window).Sub(now)
		b.mu.Unlock()
		waited = true

		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// currentRate returns the number of calls issued in the last second.
func (b *bucket) currentRate() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evict(time.Now())
	return len(b.history)
}

// RateLimiter groups the three category buckets. Every broker call must
// acquire a slot in its category before issuing the request; paper-mode
// shortcuts bypass the limiter entirely.
type RateLimiter struct {
	buckets map[string]*bucket
}

// BucketStats is a per-category usage snapshot.
type BucketStats struct {
	Limit        int
	CurrentRate  int
	Total        int64
	Delayed      int64
	DelayPercent float64
}

// NewRateLimiter creates the three buckets with the given per-second sizes.
func NewRateLimiter(ordersPerSec, liveDataPerSec, nonTradingPerSec int) *RateLimiter {
	return &RateLimiter{
		buckets: map[string]*bucket{
			CategoryOrders:     {limit: ordersPerSec},
			CategoryLiveData:   {limit: liveDataPerSec},
			CategoryNonTrading: {limit: nonTradingPerSec},
		},
	}
}

// Acquire blocks until the category has a free slot or ctx is cancelled.
func (rl *RateLimiter) Acquire(ctx context.Context, category string) error {
	b, ok := rl.buckets[category]
	if !ok {
		return fmt.Errorf("unknown rate-limit category %q", category)
	}
	return b.acquire(ctx)
}

// CurrentRate returns the call count in the trailing one-second window.
func (rl *RateLimiter) CurrentRate(category string) int {
	if b, ok := rl.buckets[category]; ok {
		return b.currentRate()
	}
	return 0
}

// NearLimit reports whether the category is at or above 80% of its size.
func (rl *RateLimiter) NearLimit(category string) bool {
	b, ok := rl.buckets[category]
	if !ok {
		return false
	}
	return float64(b.currentRate()) >= float64(b.limit)*nearLimitFrac
}

// Stats returns a usage snapshot for every category.
func (rl *RateLimiter) Stats() map[string]BucketStats {
	out := make(map[string]BucketStats, len(rl.buckets))
	for name, b := range rl.buckets {
		rate := b.currentRate()
		b.mu.Lock()
		stats := BucketStats{
			Limit:       b.limit,
			CurrentRate: rate,
			Total:       b.total,
			Delayed:     b.delayed,
		}
		if b.total > 0 {
			stats.DelayPercent = float64(b.delayed) / float64(b.total) * 100
		}
		b.mu.Unlock()
		out[name] = stats
	}
	return out
}

// ResetStats zeroes the counters without touching the windows.
func (rl *RateLimiter) ResetStats() {
	for _, b := range rl.buckets {
		b.mu.Lock()
		b.total = 0
		b.delayed = 0
		b.mu.Unlock()
	}
}
