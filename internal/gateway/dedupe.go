package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard remembers recently handled platform updates so a redelivered webhook
// is answered once.
type Guard interface {
	// Claim reports true the first time (integrationID, updateID) is seen
	// within the guard's TTL.
	Claim(ctx context.Context, integrationID, updateID string) (bool, error)
}

// MemoryGuard is a process-local Guard.
type MemoryGuard struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	seen   map[string]time.Time
	claims int
}

// NewMemoryGuard creates a MemoryGuard keeping entries for ttl.
func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	return &MemoryGuard{ttl: ttl, now: time.Now, seen: map[string]time.Time{}}
}

func (g *MemoryGuard) Claim(ctx context.Context, integrationID, updateID string) (bool, error) {
	key := integrationID + "/" + updateID
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.claims++
	if g.claims%256 == 0 {
		for k, at := range g.seen {
			if now.Sub(at) >= g.ttl {
				delete(g.seen, k)
			}
		}
	}
	if at, ok := g.seen[key]; ok && now.Sub(at) < g.ttl {
		return false, nil
	}
	g.seen[key] = now
	return true, nil
}

// RedisGuard shares claims across gateway replicas with SET NX.
type RedisGuard struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisGuard creates a RedisGuard on rdb.
func NewRedisGuard(rdb redis.UniversalClient, ttl time.Duration) *RedisGuard {
	return &RedisGuard{rdb: rdb, ttl: ttl, prefix: "gateway:update:"}
}

func (g *RedisGuard) Claim(ctx context.Context, integrationID, updateID string) (bool, error) {
	return g.rdb.SetNX(ctx, g.prefix+integrationID+":"+updateID, 1, g.ttl).Result()
}

// NopGuard claims every update.
type NopGuard struct{}

func (NopGuard) Claim(context.Context, string, string) (bool, error) { return true, nil }
