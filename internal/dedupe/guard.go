// Package dedupe remembers which conversation outcomes have already been
// processed so a redelivered webhook is a no-op.
package dedupe

import (
	"context"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/callbridge/pbx-bridge-go/internal/redis"
)

// Guard claims a conversation id for processing. Claim returns false when the
// id was already claimed within the TTL; Release gives a claim back after
// processing failed.
type Guard interface {
	Claim(ctx context.Context, conversationID string) (bool, error)
	Release(ctx context.Context, conversationID string) error
}

// MemoryGuard keeps claims in process memory.
type MemoryGuard struct {
	mu      sync.Mutex
	claimed map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	return &MemoryGuard{
		claimed: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (g *MemoryGuard) Claim(_ context.Context, conversationID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if expiresAt, ok := g.claimed[conversationID]; ok && now.Before(expiresAt) {
		return false, nil
	}
	g.claimed[conversationID] = now.Add(g.ttl)
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, conversationID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claimed, conversationID)
	return nil
}

// Sweep drops expired claims and returns how many were removed.
func (g *MemoryGuard) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	removed := 0
	for id, expiresAt := range g.claimed {
		if !now.Before(expiresAt) {
			delete(g.claimed, id)
			removed++
		}
	}
	return removed
}

func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.claimed)
}

// RedisGuard shares claims across bridge instances with SET NX EX.
type RedisGuard struct {
	client goredis.Cmdable
	ttl    time.Duration
}

func NewRedisGuard(client goredis.Cmdable, ttl time.Duration) *RedisGuard {
	return &RedisGuard{client: client, ttl: ttl}
}

func (g *RedisGuard) Claim(ctx context.Context, conversationID string) (bool, error) {
	return g.client.SetNX(ctx, redis.DeliveryKey(conversationID), 1, g.ttl).Result()
}

func (g *RedisGuard) Release(ctx context.Context, conversationID string) error {
	return g.client.Del(ctx, redis.DeliveryKey(conversationID)).Err()
}
