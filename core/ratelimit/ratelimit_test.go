package ratelimit

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

var t0 = time.Unix(1_700_000_000, 0)

func TestBucketRefillFromEmpty(t *testing.T) {
	b := NewBucket(10, 1, t0)
	b.Drain(t0)

	if got := b.Tokens(t0); got != 0 {
		t.Fatalf("Expected 0 tokens after drain, got %v", got)
	}
	if got := b.Tokens(t0.Add(5 * time.Second)); got != 5 {
		t.Errorf("Expected 5 tokens after 5s, got %v", got)
	}
	if got := b.Tokens(t0.Add(20 * time.Second)); got != 10 {
		t.Errorf("Expected tokens clamped at 10, got %v", got)
	}
}

func TestBucketRejectsBelowOneToken(t *testing.T) {
	b := NewBucket(10, 1, t0)
	b.Drain(t0)

	d := b.Take(t0.Add(500 * time.Millisecond))
	if d.Allowed {
		t.Fatal("Expected rejection with 0.5 tokens")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("Expected positive Retry-After, got %v", d.RetryAfter)
	}
	if d.RetryAfter != 500*time.Millisecond {
		t.Errorf("Expected Retry-After 500ms, got %v", d.RetryAfter)
	}

	// a rejected attempt does not consume the fraction
	if got := b.Tokens(t0.Add(time.Second)); got != 1 {
		t.Errorf("Expected 1 token at 1s, got %v", got)
	}
	if d := b.Take(t0.Add(time.Second)); !d.Allowed {
		t.Error("Expected take to succeed once a whole token accrued")
	}
}

func TestBucketConsumesUntilEmpty(t *testing.T) {
	b := NewBucket(3, 1, t0)

	for i, want := range []float64{2, 1, 0} {
		d := b.Take(t0)
		if !d.Allowed {
			t.Fatalf("Take %d: expected allowed", i)
		}
		if d.Remaining != want {
			t.Errorf("Take %d: expected %v remaining, got %v", i, want, d.Remaining)
		}
		if d.Limit != 3 {
			t.Errorf("Expected limit 3, got %d", d.Limit)
		}
	}

	d := b.Take(t0)
	if d.Allowed {
		t.Fatal("Expected fourth take to be rejected")
	}
	if d.RetryAfter != time.Second {
		t.Errorf("Expected Retry-After 1s, got %v", d.RetryAfter)
	}
}

func TestNewLimiterValidates(t *testing.T) {
	if _, err := NewLimiter(Config{Capacity: 0, RefillRate: 1}); err == nil {
		t.Error("Expected error for zero capacity")
	}
	if _, err := NewLimiter(Config{Capacity: 1, RefillRate: 0}); err == nil {
		t.Error("Expected error for zero refill rate")
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l, err := NewLimiter(Config{Capacity: 2, RefillRate: 1}, WithClock(func() time.Time { return t0 }))
	if err != nil {
		t.Fatal(err)
	}

	l.Allow("a")
	l.Allow("a")
	if d := l.Allow("a"); d.Allowed {
		t.Error("Expected key a to be exhausted")
	}
	if d := l.Allow("b"); !d.Allowed {
		t.Error("Expected key b to have its own bucket")
	}
	if l.Len() != 2 {
		t.Errorf("Expected 2 buckets, got %d", l.Len())
	}

	l.Reset("a")
	if d := l.Allow("a"); !d.Allowed {
		t.Error("Expected key a to start full after Reset")
	}
	if _, ok := l.Tokens("missing"); ok {
		t.Error("Expected no bucket for an unseen key")
	}
}

func TestLimiterConcurrentConsume(t *testing.T) {
	l, _ := NewLimiter(Config{Capacity: 100, RefillRate: 0.001}, WithClock(func() time.Time { return t0 }))

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 400; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared").Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 100 {
		t.Errorf("Expected exactly 100 allowed, got %d", got)
	}
}

func TestLimiterCleanup(t *testing.T) {
	now := t0
	l, _ := NewLimiter(Config{Capacity: 5, RefillRate: 1, IdleTTL: time.Minute},
		WithClock(func() time.Time { return now }))

	l.Allow("old")
	now = now.Add(2 * time.Minute)
	l.Allow("fresh")

	if removed := l.Cleanup(); removed != 1 {
		t.Errorf("Expected 1 bucket removed, got %d", removed)
	}
	if _, ok := l.Tokens("old"); ok {
		t.Error("Expected idle bucket to be gone")
	}
	if _, ok := l.Tokens("fresh"); !ok {
		t.Error("Expected recent bucket to stay")
	}
}

func TestLimiterCleanupKeepsDrainedBuckets(t *testing.T) {
	now := t0
	l, _ := NewLimiter(Config{Capacity: 10, RefillRate: 0.1, IdleTTL: 5 * time.Second},
		WithClock(func() time.Time { return now }))

	for i := 0; i < 10; i++ {
		if !l.Allow("k").Allowed {
			t.Fatalf("Expected request %d to be allowed", i)
		}
	}
	now = now.Add(6 * time.Second)

	if removed := l.Cleanup(); removed != 0 {
		t.Errorf("Expected drained bucket to stay, %d removed", removed)
	}
	if d := l.Allow("k"); d.Allowed {
		t.Error("Expected denial while the bucket is still refilling")
	}
	if tokens, _ := l.Tokens("k"); tokens < 0.59 || tokens > 0.61 {
		t.Errorf("Expected 0.6 tokens, got %.2f", tokens)
	}

	now = now.Add(2 * time.Minute)
	if removed := l.Cleanup(); removed != 1 {
		t.Errorf("Expected refilled idle bucket removed, got %d", removed)
	}
}

func TestLimiterJanitor(t *testing.T) {
	var mu sync.Mutex
	now := t0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	l, _ := NewLimiter(Config{Capacity: 5, RefillRate: 1, IdleTTL: time.Second}, WithClock(clock))
	l.Allow("k")

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.StartJanitor(ctx, 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for l.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if l.Len() != 0 {
		t.Errorf("Expected janitor to evict idle bucket, %d left", l.Len())
	}
}

func TestMemoryStats(t *testing.T) {
	s := NewMemoryStats()
	ctx := context.Background()
	s.Record(ctx, Event{Key: "1.2.3.4", Method: "GET", Path: "/a", Allowed: true})
	s.Record(ctx, Event{Key: "1.2.3.4", Method: "GET", Path: "/a", Allowed: false})
	s.Record(ctx, Event{Key: "5.6.7.8", Method: "POST", Path: "/b", Allowed: true})

	if got := s.Total(); got.Allowed != 2 || got.Denied != 1 {
		t.Errorf("Expected total 2/1, got %+v", got)
	}
	if got := s.Route("GET", "/a"); got.Allowed != 1 || got.Denied != 1 {
		t.Errorf("Expected GET /a 1/1, got %+v", got)
	}
	if got := s.Key("5.6.7.8"); got.Allowed != 1 || got.Denied != 0 {
		t.Errorf("Expected key 5.6.7.8 1/0, got %+v", got)
	}
}

func TestRedisStats(t *testing.T) {
	addr := os.Getenv("H1_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("H1_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx := context.Background()
	prefix := "h1server:test:" + time.Now().Format("150405.000000")
	defer func() {
		keys, _ := rdb.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			rdb.Del(ctx, keys...)
		}
	}()

	s := NewRedisStats(rdb, WithStatsPrefix(prefix), WithStatsTTL(time.Minute), WithStatsTrackKeys(true))
	for _, allowed := range []bool{true, true, false} {
		if err := s.Record(ctx, Event{Key: "k", Method: "GET", Path: "/", Allowed: allowed}); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	got, err := s.Totals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Allowed != 2 || got.Denied != 1 {
		t.Errorf("Expected 2/1, got %+v", got)
	}
}

func BenchmarkLimiterAllow(b *testing.B) {
	l, _ := NewLimiter(Config{Capacity: 1 << 30, RefillRate: 1e6})
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			l.Allow("bench")
		}
	})
}
