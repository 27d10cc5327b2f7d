package ratelimit

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/synctverr"
)

func TestLocalFallbackAllowsBurstThenRejects(t *testing.T) {
	l := New(nil, "rl:", zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := l.Check(ctx, "k", 5, time.Minute); err != nil {
			t.Fatalf("call %d rejected: %v", i+1, err)
		}
	}
	err := l.Check(ctx, "k", 5, time.Minute)
	var rl *synctverr.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rl.RetryAfter <= 0 || rl.RetryAfter > time.Minute {
		t.Fatalf("retry after = %v", rl.RetryAfter)
	}
}

func TestLocalFallbackIndependentKeys(t *testing.T) {
	l := New(nil, "rl:", zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Check(ctx, "a", 3, time.Minute); err != nil {
			t.Fatalf("a rejected early: %v", err)
		}
	}
	if err := l.Check(ctx, "b", 3, time.Minute); err != nil {
		t.Fatalf("b affected by a's quota: %v", err)
	}
}

func TestLocalFallbackIndependentQuotas(t *testing.T) {
	l := New(nil, "rl:", zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.Check(ctx, "k", 2, time.Minute); err != nil {
			t.Fatalf("quota(2) rejected early: %v", err)
		}
	}
	// Same key, different quota tuple: its own bucket.
	if err := l.Check(ctx, "k", 10, time.Hour); err != nil {
		t.Fatalf("quota(10) shares state with quota(2): %v", err)
	}
}

func TestZeroQuotaAlwaysDenied(t *testing.T) {
	l := New(nil, "rl:", zap.NewNop())
	if err := l.Check(context.Background(), "k", 0, time.Second); err == nil {
		t.Fatal("zero quota allowed a request")
	}
}

func TestDistributedFailsClosedWithoutRedis(t *testing.T) {
	l := New(nil, "rl:", zap.NewNop())
	err := l.CheckDistributed(context.Background(), "k", 100, time.Minute)
	var rl *synctverr.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want fail-closed rejection", err)
	}
}

// Redis-backed sliding window behavior; requires TEST_REDIS_ADDR.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestSlidingWindowRedis(t *testing.T) {
	client := testClient(t)
	l := New(client, "rl:test:", zap.NewNop())
	ctx := context.Background()
	_ = l.Reset(ctx, "win")

	for i := 0; i < 5; i++ {
		if err := l.Check(ctx, "win", 5, time.Second); err != nil {
			t.Fatalf("call %d rejected: %v", i+1, err)
		}
	}
	err := l.Check(ctx, "win", 5, time.Second)
	var rl *synctverr.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("6th call err = %v", err)
	}
	if rl.RetryAfter > time.Second {
		t.Fatalf("retry after %v > window", rl.RetryAfter)
	}

	time.Sleep(1100 * time.Millisecond)
	if err := l.Check(ctx, "win", 5, time.Second); err != nil {
		t.Fatalf("call after window rejected: %v", err)
	}
}

func TestResetClearsWindow(t *testing.T) {
	client := testClient(t)
	l := New(client, "rl:test:", zap.NewNop())
	ctx := context.Background()

	_ = l.Reset(ctx, "reset")
	for i := 0; i < 3; i++ {
		_ = l.Check(ctx, "reset", 3, time.Minute)
	}
	if err := l.Check(ctx, "reset", 3, time.Minute); err == nil {
		t.Fatal("expected rejection before reset")
	}
	if err := l.Reset(ctx, "reset"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := l.Check(ctx, "reset", 3, time.Minute); err != nil {
		t.Fatalf("rejected after reset: %v", err)
	}
}
