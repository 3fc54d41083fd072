package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultTTL  = 10 * time.Minute
	defaultSize = 10000
	redisPrefix = "ragchat:dedup:"
)

// Deduper remembers keys for a while. FirstSeen reports whether key was
// unseen and marks it as seen.
type Deduper interface {
	FirstSeen(ctx context.Context, key string) (bool, error)
}

type lruDeduper struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, struct{}]
}

// NewLRU keeps the keys in process memory.
func NewLRU(size int, ttl time.Duration) Deduper {
	if size <= 0 {
		size = defaultSize
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &lruDeduper{cache: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func (d *lruDeduper) FirstSeen(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cache.Contains(key) {
		return false, nil
	}
	d.cache.Add(key, struct{}{})
	return true, nil
}

type redisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis shares the keys between replicas.
func NewRedis(client *redis.Client, ttl time.Duration) Deduper {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisDeduper{client: client, ttl: ttl}
}

func (d *redisDeduper) FirstSeen(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, redisPrefix+key, 1, d.ttl).Result()
}
