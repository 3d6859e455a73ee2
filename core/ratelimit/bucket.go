// Package ratelimit implements per-key token buckets.
package ratelimit

import (
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of one Take.
type Decision struct {
	Allowed bool
	// Limit is the bucket capacity.
	Limit int
	// Remaining is the token count after the attempt, fractional.
	Remaining float64
	// RetryAfter is how long until one whole token is available. Zero when
	// Allowed.
	RetryAfter time.Duration
}

// Bucket is a token bucket refilled at a fixed rate up to its capacity.
// Refill and consume happen in one step under the limiter's own lock, so
// concurrent callers never lose updates.
type Bucket struct {
	lim      *rate.Limiter
	capacity int
	refill   float64
	lastSeen atomic.Int64
}

// NewBucket returns a full bucket.
func NewBucket(capacity int, refillPerSecond float64, now time.Time) *Bucket {
	b := &Bucket{
		lim:      rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
		capacity: capacity,
		refill:   refillPerSecond,
	}
	b.lastSeen.Store(now.UnixNano())
	return b
}

// Take refills for the time elapsed since the last call and tries to
// consume one token.
func (b *Bucket) Take(now time.Time) Decision {
	b.lastSeen.Store(now.UnixNano())
	if b.lim.AllowN(now, 1) {
		return Decision{Allowed: true, Limit: b.capacity, Remaining: b.lim.TokensAt(now)}
	}

	tokens := b.lim.TokensAt(now)
	wait := (1 - tokens) / b.refill
	if wait <= 0 || math.IsNaN(wait) {
		wait = 1 / b.refill
	}
	return Decision{
		Limit:      b.capacity,
		Remaining:  tokens,
		RetryAfter: time.Duration(wait * float64(time.Second)),
	}
}

// Tokens returns the tokens available at now without consuming any.
func (b *Bucket) Tokens(now time.Time) float64 {
	return b.lim.TokensAt(now)
}

// Drain consumes every whole token available at now.
func (b *Bucket) Drain(now time.Time) {
	if n := int(math.Floor(b.lim.TokensAt(now))); n > 0 {
		b.lim.AllowN(now, n)
	}
}

// idleSince reports how long the bucket has gone untouched.
func (b *Bucket) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, b.lastSeen.Load()))
}
