package lock

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

// Redis-backed tests run only when TEST_REDIS_ADDR is set, e.g.
// TEST_REDIS_ADDR=localhost:6379 go test ./internal/lock/
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

func TestAcquireAndRelease(t *testing.T) {
	l := New(testClient(t), zap.NewNop())
	ctx := context.Background()

	nonce, err := l.Acquire(ctx, "t:acquire", 10*time.Second)
	if err != nil || nonce == "" {
		t.Fatalf("acquire: %q, %v", nonce, err)
	}
	// Second acquire must fail while held.
	second, err := l.Acquire(ctx, "t:acquire", 10*time.Second)
	if err != nil || second != "" {
		t.Fatalf("second acquire: %q, %v", second, err)
	}
	released, err := l.Release(ctx, "t:acquire", nonce)
	if err != nil || !released {
		t.Fatalf("release: %v, %v", released, err)
	}
	// Releasing with a stale nonce must not succeed.
	third, err := l.Acquire(ctx, "t:acquire", 10*time.Second)
	if err != nil || third == "" {
		t.Fatalf("reacquire: %q, %v", third, err)
	}
	released, err = l.Release(ctx, "t:acquire", nonce)
	if err != nil || released {
		t.Fatalf("stale release succeeded")
	}
	_, _ = l.Release(ctx, "t:acquire", third)
}

func TestWithLockReleasesOnError(t *testing.T) {
	l := New(testClient(t), zap.NewNop())
	ctx := context.Background()
	wantErr := errors.New("boom")

	err := l.WithLock(ctx, "t:withlock", 10*time.Second, func(context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v", err)
	}
	// Lock must be free again despite fn failing.
	nonce, err := l.Acquire(ctx, "t:withlock", time.Second)
	if err != nil || nonce == "" {
		t.Fatalf("lock leaked: %q, %v", nonce, err)
	}
	_, _ = l.Release(ctx, "t:withlock", nonce)
}

func TestWithLockContention(t *testing.T) {
	l := New(testClient(t), zap.NewNop())
	ctx := context.Background()

	nonce, err := l.Acquire(ctx, "t:contended", 10*time.Second)
	if err != nil || nonce == "" {
		t.Fatalf("acquire: %v", err)
	}
	defer func() { _, _ = l.Release(ctx, "t:contended", nonce) }()

	err = l.WithLock(ctx, "t:contended", time.Second, func(context.Context) error { return nil })
	if !errors.Is(err, synctverr.ErrLockAcquisitionFailed) {
		t.Fatalf("err = %v, want ErrLockAcquisitionFailed", err)
	}
}

func TestExtend(t *testing.T) {
	l := New(testClient(t), zap.NewNop())
	ctx := context.Background()

	g, err := l.NewGuard(ctx, "t:extend", 2*time.Second)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	ok, err := g.Extend(ctx, 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("extend: %v, %v", ok, err)
	}
	if _, err := g.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Extending a released guard is a no-op.
	ok, err = g.Extend(ctx, time.Second)
	if err != nil || ok {
		t.Fatalf("extend after release: %v, %v", ok, err)
	}
}
