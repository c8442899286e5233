// Package common holds small pieces shared by every venue adapter:
// rate limiting and retry policy. Kept separate from the venue package
// itself so adapters can import it without pulling in the VenueClient
// interface.
package common

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter combines a proactive token bucket (golang.org/x/time/rate,
// sized from configuration per adapter) with the teacher's original
// reactive header-weight tracker as an advisory secondary signal: some
// venues report their own usage back in response headers, and that
// number is occasionally more current than our own bucket estimate
// after a burst of retries.
type RateLimiter struct {
	bucket *rate.Limiter

	mu            sync.RWMutex
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
}

// NewRateLimiter builds a limiter allowing ratePerSec sustained
// requests with the given burst, plus header-weight tracking against
// limit/resetInterval (e.g. 2400 weight per 1 minute for Binance
// futures).
func NewRateLimiter(ratePerSec float64, burst int, limit int, resetInterval time.Duration) *RateLimiter {
	return &RateLimiter{
		bucket:        rate.NewLimiter(rate.Limit(ratePerSec), burst),
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// Wait blocks until the token bucket admits the next request or ctx is
// done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.bucket.Wait(ctx)
}

// UpdateFromHeader updates the advisory used-weight from a response
// header value (e.g. X-MBX-USED-WEIGHT-1M).
func (rl *RateLimiter) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		rl.usedWeight = 0
		rl.lastReset = time.Now()
	}
	rl.usedWeight = weight
}

// ShouldDelay reports whether advisory usage is above 90% of the
// window limit.
func (rl *RateLimiter) ShouldDelay() bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if time.Since(rl.lastReset) >= rl.resetInterval || rl.limit == 0 {
		return false
	}
	return float64(rl.usedWeight)/float64(rl.limit) >= 0.9
}
