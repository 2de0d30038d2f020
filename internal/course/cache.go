package course

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const cachePrefix = "learning:"

// Cache is a Redis-backed response cache for course listings. A nil or
// disabled cache is a no-op, so Drive is simply hit on every request
// when Redis is not configured.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewCache connects to Redis. An empty addr disables caching.
func NewCache(addr, password string, ttl time.Duration) *Cache {
	if addr == "" {
		log.Printf("[course] Redis not configured, response caching disabled")
		return &Cache{}
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("[course] Redis unreachable at %s, response caching disabled: %v", addr, err)
		return &Cache{}
	}

	log.Printf("[course] Redis response cache connected (%s, ttl %s)", addr, ttl)
	return &Cache{rdb: rdb, ttl: ttl}
}

// Get loads a cached value into out. Returns false on miss or when
// caching is disabled.
func (c *Cache) Get(ctx context.Context, key string, out interface{}) (bool, error) {
	if c == nil || c.rdb == nil {
		return false, nil
	}
	data, err := c.rdb.Get(ctx, cachePrefix+key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("unmarshal cached value for %s: %w", key, err)
	}
	return true, nil
}

// Set stores a value with the cache TTL. Failures are logged, not
// propagated — a broken cache must never break a request.
func (c *Cache) Set(ctx context.Context, key string, val interface{}) {
	if c == nil || c.rdb == nil {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		log.Printf("[course] failed to marshal cache value for %s: %v", key, err)
		return
	}
	if err := c.rdb.Set(ctx, cachePrefix+key, data, c.ttl).Err(); err != nil {
		log.Printf("[course] cache write failed for %s: %v", key, err)
	}
}

// InvalidateUser deletes every cached listing for one user.
func (c *Cache) InvalidateUser(ctx context.Context, userID string) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	pattern := fmt.Sprintf("%scourses:%s:*", cachePrefix, userID)
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
