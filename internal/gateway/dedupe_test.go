package gateway

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestMemoryGuardClaimsOncePerTTL(t *testing.T) {
	t.Parallel()

	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := NewMemoryGuard(10 * time.Minute)
	g.now = c.Now
	ctx := context.Background()

	if ok, _ := g.Claim(ctx, "i1", "u1"); !ok {
		t.Fatal("first claim rejected")
	}
	if ok, _ := g.Claim(ctx, "i1", "u1"); ok {
		t.Fatal("second claim accepted")
	}
	if ok, _ := g.Claim(ctx, "i2", "u1"); !ok {
		t.Fatal("same update id on another integration rejected")
	}
	c.Advance(10 * time.Minute)
	if ok, _ := g.Claim(ctx, "i1", "u1"); !ok {
		t.Fatal("claim after ttl rejected")
	}
}

func TestRedisGuard(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("skip integration test: TEST_REDIS_ADDR is not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skip integration test: redis ping failed: %v", err)
	}

	g := NewRedisGuard(rdb, time.Minute)
	integrationID := uuid.NewString()
	first, err := g.Claim(ctx, integrationID, "42")
	if err != nil || !first {
		t.Fatalf("first claim = %v, %v", first, err)
	}
	second, err := g.Claim(ctx, integrationID, "42")
	if err != nil || second {
		t.Fatalf("second claim = %v, %v", second, err)
	}
}
