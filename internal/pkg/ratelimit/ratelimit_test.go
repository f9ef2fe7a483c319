package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLimiter_TakeRefillsWithClock(t *testing.T) {
	rdb := newMiniRedis(t)
	l := New(rdb, nil, "test:ratelimit:clock", Bucket{Rate: 1, Burst: 2})
	now := time.UnixMilli(1_700_000_000_000)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	steps := []struct {
		advance   time.Duration
		allowed   bool
		retry     time.Duration
		remaining float64
	}{
		{0, true, 0, 1},
		{0, true, 0, 0},
		{0, false, time.Second, 0},
		{500 * time.Millisecond, false, 500 * time.Millisecond, 0.5},
		{500 * time.Millisecond, true, 0, 0},
	}
	for i, step := range steps {
		now = now.Add(step.advance)
		d, err := l.Take(ctx)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if d.Allowed != step.allowed || d.RetryAfter != step.retry || d.Remaining != step.remaining {
			t.Fatalf("step %d: got %+v, want allowed=%v retry=%v remaining=%v",
				i, d, step.allowed, step.retry, step.remaining)
		}
	}
}

func TestLimiter_PerMinuteThrottlesSecondSweep(t *testing.T) {
	rdb := newMiniRedis(t)
	l := NewPerMinute(rdb, nil, "test:ratelimit:sweep", 1)
	ctx := context.Background()

	ok, _, err := l.Allow(ctx)
	if err != nil || !ok {
		t.Fatalf("first allow = %v, err = %v", ok, err)
	}
	ok, wait, err := l.Allow(ctx)
	if err != nil {
		t.Fatalf("second allow: %v", err)
	}
	if ok {
		t.Fatal("second sweep within a minute should be throttled")
	}
	if wait < 50*time.Second || wait > 61*time.Second {
		t.Errorf("wait = %v, want about one minute", wait)
	}
}

func TestLimiter_WaitBlocksUntilRefill(t *testing.T) {
	rdb := newMiniRedis(t)
	l := New(rdb, nil, "test:ratelimit:wait", Bucket{Rate: 20, Burst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	start := time.Now()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("second wait returned after %v, expected to block for a refill", elapsed)
	}
}

func TestLimiter_WaitTimesOut(t *testing.T) {
	rdb := newMiniRedis(t)
	l := NewPerMinute(rdb, nil, "test:ratelimit:timeout", 6)

	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
}

func TestLimiter_ConcurrentTakeNeverOverGrants(t *testing.T) {
	rdb := newMiniRedis(t)
	l := New(rdb, nil, "test:ratelimit:concurrent", Bucket{Rate: 0.01, Burst: 5})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Take(context.Background())
			if err != nil {
				t.Errorf("take: %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 5 {
		t.Fatalf("granted = %d, want 5", granted)
	}
}

func TestLimiter_UnlimitedAndNil(t *testing.T) {
	var nilLimiter *Limiter
	disabled := NewPerMinute(nil, nil, "", 0)
	for _, l := range []*Limiter{nilLimiter, disabled} {
		for i := 0; i < 3; i++ {
			ok, _, err := l.Allow(context.Background())
			if err != nil || !ok {
				t.Fatalf("unlimited limiter blocked: ok=%v err=%v", ok, err)
			}
		}
		if err := l.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
}

func newMiniRedis(t *testing.T) *redis.Client {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}
