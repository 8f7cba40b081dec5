package a2a

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayCache remembers processed message ids for a bounded window.
type ReplayCache interface {
	// MarkSeen records the id and reports whether it was already
	// present.
	MarkSeen(ctx context.Context, messageID string) (bool, error)
}

// MemoryReplayCache is a mutex-guarded TTL map. Entries are pruned
// lazily on writes.
type MemoryReplayCache struct {
	ttl time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryReplayCache creates a cache whose entries live for ttl.
func NewMemoryReplayCache(ttl time.Duration) *MemoryReplayCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryReplayCache{
		ttl:  ttl,
		seen: make(map[string]time.Time),
	}
}

func (c *MemoryReplayCache) MarkSeen(_ context.Context, messageID string) (bool, error) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, ok := c.seen[messageID]; ok && now.Before(expiry) {
		return true, nil
	}

	for id, expiry := range c.seen {
		if now.After(expiry) {
			delete(c.seen, id)
		}
	}

	c.seen[messageID] = now.Add(c.ttl)
	return false, nil
}

// RedisReplayCache backs the replay window with Redis so restarts and
// horizontally scaled receivers share one dedup window.
type RedisReplayCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisReplayCache connects to the given Redis URL and verifies
// connectivity.
func NewRedisReplayCache(url string, ttl time.Duration) (*RedisReplayCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisReplayCache{client: client, ttl: ttl}, nil
}

func (c *RedisReplayCache) MarkSeen(ctx context.Context, messageID string) (bool, error) {
	set, err := c.client.SetNX(ctx, "a2a:msg:"+messageID, 1, c.ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

// Close releases the Redis connection.
func (c *RedisReplayCache) Close() error {
	return c.client.Close()
}
