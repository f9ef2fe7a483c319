package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newDeduplicator(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *Deduplicator) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		if err := rdb.Close(); err != nil {
			t.Fatalf("close redis: %v", err)
		}
	})
	return s, NewDeduplicator(rdb, ttl)
}

func TestDeduplicator_ClaimReturnsExistingTask(t *testing.T) {
	s, d := newDeduplicator(t, time.Minute)
	ctx := context.Background()
	key := ProductKey("PChome", "DYAJ9Z-A900")

	id, claimed, err := d.Claim(ctx, key, "task-1")
	if err != nil || !claimed || id != "task-1" {
		t.Fatalf("first claim = %q %v %v", id, claimed, err)
	}

	id, claimed, err = d.Claim(ctx, ProductKey("pchome", " DYAJ9Z-A900 "), "task-2")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed || id != "task-1" {
		t.Fatalf("second claim = %q %v, want existing task-1", id, claimed)
	}

	// 窗口过期后可以重新登记
	s.FastForward(2 * time.Minute)
	id, claimed, err = d.Claim(ctx, key, "task-3")
	if err != nil || !claimed || id != "task-3" {
		t.Fatalf("claim after expiry = %q %v %v", id, claimed, err)
	}
}

func TestDeduplicator_Release(t *testing.T) {
	_, d := newDeduplicator(t, time.Minute)
	ctx := context.Background()
	key := ProductKey("Momo", "1")

	if _, claimed, _ := d.Claim(ctx, key, "a"); !claimed {
		t.Fatal("first claim should succeed")
	}
	if err := d.Release(ctx, key); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, claimed, _ := d.Claim(ctx, key, "b"); !claimed {
		t.Fatal("claim after release should succeed")
	}
}

func TestDeduplicator_NilIsNoop(t *testing.T) {
	var d *Deduplicator
	id, claimed, err := d.Claim(context.Background(), "k", "x")
	if err != nil || !claimed || id != "x" {
		t.Fatalf("nil deduplicator claim = %q %v %v", id, claimed, err)
	}
}
