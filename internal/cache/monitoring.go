package cache

import (
	"net/http"

	"github.com/princekumarofficial/uploads-service/internal/utils/response"
)

// CacheStats represents cache performance statistics
type CacheStats struct {
	RedisConnected bool     `json:"redis_connected"`
	Hits           int64    `json:"hits"`
	Misses         int64    `json:"misses"`
	HitRatio       float64  `json:"hit_ratio"`
	CachedObjects  int      `json:"cached_objects"`
	CacheKeys      []string `json:"cache_keys_sample"`
	KeyCount       int64    `json:"total_keys"`
}

// GetCacheStats returns cache performance statistics
func GetCacheStats(c *ObjectCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		stats := CacheStats{RedisConnected: true}

		stats.Hits, stats.Misses = c.Counters()
		if total := stats.Hits + stats.Misses; total > 0 {
			stats.HitRatio = float64(stats.Hits) / float64(total)
		}

		// Test Redis connection
		if _, err := c.redis.Ping(ctx).Result(); err != nil {
			stats.RedisConnected = false
			response.WriteJSON(w, http.StatusOK, response.RequestOK("Cache stats retrieved", stats))
			return
		}

		iter := c.redis.Scan(ctx, 0, ObjectPattern, 500).Iterator()
		for iter.Next(ctx) {
			stats.CachedObjects++
			if len(stats.CacheKeys) < 10 {
				stats.CacheKeys = append(stats.CacheKeys, iter.Val())
			}
		}

		// Get total key count
		dbSize := c.redis.DBSize(ctx)
		if dbSize.Err() == nil {
			stats.KeyCount = dbSize.Val()
		}

		response.WriteJSON(w, http.StatusOK, response.RequestOK("Cache stats retrieved", stats))
	}
}

// ClearCache endpoint for administrative purposes. Only object cache entries
// are removed; session state lives in the same Redis and is never touched.
func ClearCache(c *ObjectCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deleted, err := c.Clear(r.Context())
		if err != nil {
			response.WriteJSON(w, http.StatusInternalServerError, response.GeneralError(err))
			return
		}

		result := map[string]interface{}{
			"pattern":      ObjectPattern,
			"deleted_keys": deleted,
		}
		if deleted == 0 {
			response.WriteJSON(w, http.StatusOK, response.RequestOK("No cache keys to clear", result))
			return
		}
		response.WriteJSON(w, http.StatusOK, response.RequestOK("Cache cleared successfully", result))
	}
}
