package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Config holds the parameters shared by every bucket.
type Config struct {
	Capacity   int
	RefillRate float64
	// IdleTTL is how long a bucket may go unused before Cleanup drops it.
	// Zero keeps buckets forever.
	IdleTTL time.Duration
}

func (c Config) validate() error {
	if c.Capacity < 1 {
		return errors.New("ratelimit: capacity must be at least 1")
	}
	if c.RefillRate <= 0 {
		return errors.New("ratelimit: refill rate must be positive")
	}
	return nil
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// Limiter keeps one bucket per key. Buckets are created on first use and
// never shared between keys.
type Limiter struct {
	cfg     Config
	buckets *xsync.MapOf[string, *Bucket]
	now     func() time.Time
}

func NewLimiter(cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := &Limiter{
		cfg:     cfg,
		buckets: xsync.NewMapOf[string, *Bucket](),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Config returns the limiter's parameters.
func (l *Limiter) Config() Config { return l.cfg }

// Allow takes one token from key's bucket.
func (l *Limiter) Allow(key string) Decision {
	now := l.now()
	return l.bucket(key, now).Take(now)
}

// Bucket returns key's bucket, creating it if needed.
func (l *Limiter) Bucket(key string) *Bucket {
	return l.bucket(key, l.now())
}

func (l *Limiter) bucket(key string, now time.Time) *Bucket {
	b, _ := l.buckets.LoadOrCompute(key, func() *Bucket {
		return NewBucket(l.cfg.Capacity, l.cfg.RefillRate, now)
	})
	return b
}

// Tokens reports key's available tokens. ok is false if key has no bucket.
func (l *Limiter) Tokens(key string) (tokens float64, ok bool) {
	b, ok := l.buckets.Load(key)
	if !ok {
		return 0, false
	}
	return b.Tokens(l.now()), true
}

// Reset forgets key, so its next request starts with a full bucket.
func (l *Limiter) Reset(key string) {
	l.buckets.Delete(key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	return l.buckets.Size()
}

// Cleanup drops buckets idle for longer than IdleTTL that have refilled
// to capacity, and returns how many went. A bucket still short of tokens
// stays, since recreating it would hand out a full bucket early.
func (l *Limiter) Cleanup() int {
	if l.cfg.IdleTTL <= 0 {
		return 0
	}
	now := l.now()
	removed := 0
	l.buckets.Range(func(key string, b *Bucket) bool {
		l.buckets.Compute(key, func(cur *Bucket, loaded bool) (*Bucket, bool) {
			if loaded && cur.idleSince(now) > l.cfg.IdleTTL && cur.Tokens(now) >= float64(l.cfg.Capacity) {
				removed++
				return cur, true
			}
			return cur, !loaded
		})
		return true
	})
	return removed
}

// StartJanitor runs Cleanup every interval until ctx is done.
func (l *Limiter) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 || l.cfg.IdleTTL <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Cleanup()
			}
		}
	}()
}
