package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/princekumarofficial/uploads-service/internal/storage"
	"github.com/princekumarofficial/uploads-service/internal/types"
)

// Cache key patterns
const (
	ObjectKey     = "object:%s" // object:contentHash
	ObjectPattern = "object:*"
)

// Stored objects never change, so entries only leave the cache by TTL or an
// admin clear. Misses are not cached: the next commit may insert the hash.
const ObjectCacheDuration = 24 * time.Hour

// ObjectCache wraps an object index with Redis caching
type ObjectCache struct {
	index  storage.ObjectIndex
	redis  *redis.Client
	hits   atomic.Int64
	misses atomic.Int64
}

// NewObjectCache creates a new cache in front of index
func NewObjectCache(index storage.ObjectIndex, redisClient *redis.Client) *ObjectCache {
	return &ObjectCache{
		index: index,
		redis: redisClient,
	}
}

// Lookup returns the cached object or fetches it from the index
func (c *ObjectCache) Lookup(ctx context.Context, contentHash string) (*types.StoredObject, error) {
	key := fmt.Sprintf(ObjectKey, contentHash)

	// Try cache first
	cached, err := c.redis.Get(ctx, key).Result()
	if err == nil {
		var obj types.StoredObject
		if err := json.Unmarshal([]byte(cached), &obj); err == nil {
			c.hits.Add(1)
			return &obj, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		slog.Warn("Object cache unavailable, reading index", slog.String("error", err.Error()))
	}
	c.misses.Add(1)

	// Cache miss - fetch from index
	obj, err := c.index.Lookup(ctx, contentHash)
	if err != nil {
		return nil, err
	}

	c.store(ctx, *obj)
	return obj, nil
}

// InsertIfAbsent passes through to the index and caches whichever record won
func (c *ObjectCache) InsertIfAbsent(ctx context.Context, obj types.StoredObject) (types.StoredObject, bool, error) {
	stored, inserted, err := c.index.InsertIfAbsent(ctx, obj)
	if err != nil {
		return stored, inserted, err
	}

	c.store(ctx, stored)
	return stored, inserted, nil
}

func (c *ObjectCache) store(ctx context.Context, obj types.StoredObject) {
	data, _ := json.Marshal(obj)
	c.redis.Set(ctx, fmt.Sprintf(ObjectKey, obj.ContentHash), data, ObjectCacheDuration)
}

// Counters returns the number of cache hits and misses since start
func (c *ObjectCache) Counters() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Clear removes every cached object and returns the number of keys deleted
func (c *ObjectCache) Clear(ctx context.Context) (int64, error) {
	var deleted int64
	iter := c.redis.Scan(ctx, 0, ObjectPattern, 500).Iterator()
	batch := make([]string, 0, 500)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.redis.Del(ctx, batch...).Result()
		if err != nil {
			return err
		}
		deleted += n
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, err
	}
	if err := flush(); err != nil {
		return deleted, err
	}

	return deleted, nil
}

var _ storage.ObjectIndex = (*ObjectCache)(nil)
