package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type cachedClient struct {
	next        Client
	redisClient *redis.Client
	cacheTTL    time.Duration
}

// NewCachedClient decorates a catalog client with a Redis read-through
// cache. Cache misses and Redis failures fall through to the next client.
func NewCachedClient(next Client, redisClient *redis.Client, cacheTTL time.Duration) Client {
	return &cachedClient{
		next:        next,
		redisClient: redisClient,
		cacheTTL:    cacheTTL,
	}
}

func (c *cachedClient) GetBook(ctx context.Context, bookID int64) (*Listing, error) {
	key := fmt.Sprintf("catalog:book:%d", bookID)

	val, err := c.redisClient.Get(ctx, key).Result()
	if err == nil {
		var listing Listing
		if err := json.Unmarshal([]byte(val), &listing); err == nil {
			return &listing, nil
		}
	}

	listing, err := c.next.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(listing); err == nil {
		c.redisClient.Set(ctx, key, data, c.cacheTTL)
	}

	return listing, nil
}
