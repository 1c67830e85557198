// Package ratelimit gates byte consumption behind a token bucket. Downloaders
// acquire tokens per network chunk; a bucket with rate R and capacity 2R
// bounds sustained throughput to R bytes/s after the initial burst.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is the acquisition contract shared by the fixed and adaptive
// variants. Acquire blocks until n tokens are available or ctx is done;
// n <= 0 is a no-op. Callers skip the call entirely when no limit is
// configured.
type Limiter interface {
	Acquire(ctx context.Context, n int) error
	SetRate(bytesPerSec float64)
	Rate() float64
}

// Bucket is a fixed-rate token bucket backed by x/time/rate. Capacity is
// always twice the configured rate.
type Bucket struct {
	mu  sync.Mutex
	lim *rate.Limiter
}

// NewBucket creates a bucket with the given rate in bytes per second.
func NewBucket(bytesPerSec float64) *Bucket {
	return &Bucket{lim: rate.NewLimiter(rate.Limit(bytesPerSec), burstFor(bytesPerSec))}
}

func burstFor(bytesPerSec float64) int {
	b := int(2 * bytesPerSec)
	if b < 1 {
		b = 1
	}
	return b
}

// Acquire blocks until n tokens are available, then consumes them. Requests
// larger than the bucket capacity are satisfied in capacity-sized slices so
// they remain responsive to cancellation.
func (b *Bucket) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	for n > 0 {
		b.mu.Lock()
		lim := b.lim
		b.mu.Unlock()

		take := n
		if burst := lim.Burst(); take > burst {
			take = burst
		}
		if err := lim.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

// SetRate reconfigures the rate; capacity resets to twice the new rate. Takes
// effect on the next refill.
func (b *Bucket) SetRate(bytesPerSec float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lim.SetLimit(rate.Limit(bytesPerSec))
	b.lim.SetBurst(burstFor(bytesPerSec))
}

// Rate returns the configured rate in bytes per second.
func (b *Bucket) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.lim.Limit())
}

// Tokens returns the currently accumulated token count. Test hook.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lim.Tokens()
}
