// Package ratelimit implements the token-bucket primitive used by the
// executor's global API rate limit; the fallback engine has no
// per-provider limiter of its own. Backed by
// golang.org/x/time/rate, which already serializes bucket operations
// internally.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Bucket wraps rate.Limiter to match the spec's try_acquire(n) vocabulary
// instead of golang.org/x/time/rate's Allow/AllowN naming.
type Bucket struct {
	limiter  *rate.Limiter
	capacity int
}

// New constructs a bucket with capacity C and refill rate R tokens/second.
func New(capacity int, refillPerSecond float64) *Bucket {
	return &Bucket{
		limiter:  rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
		capacity: capacity,
	}
}

// TryAcquire attempts to consume n tokens immediately, refilling based on
// elapsed time since the last refill (rate.Limiter uses a monotonic
// clock internally). Returns false without blocking if insufficient
// tokens are available.
func (b *Bucket) TryAcquire(n int) bool {
	return b.limiter.AllowN(time.Now(), n)
}

// Capacity returns the bucket's configured token capacity.
func (b *Bucket) Capacity() int { return b.capacity }

// Tokens returns the current estimated token count, for observability.
func (b *Bucket) Tokens() float64 {
	return b.limiter.TokensAt(time.Now())
}
