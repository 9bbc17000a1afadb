package redis

import (
	"context"
	"errors"
	"time"

	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

type Cache struct {
	Client *redis.Client
}

func New(addr, pass string, db int) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr, Password: pass, DB: db,
	})
	return &Cache{Client: rdb}
}

func visitorKey(visitor, dateKey string) string {
	return "stars:share:visitor:" + visitor + ":" + dateKey
}

// VisitorAwardedShare returns the shared id the visitor was last awarded for on dateKey.
func (c *Cache) VisitorAwardedShare(ctx context.Context, visitor, dateKey string) (string, error) {
	val, err := c.Client.Get(ctx, visitorKey(visitor, dateKey)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", domain.ErrCacheMiss
		}
		return "", err
	}
	return val, nil
}

// MarkVisitorAwarded remembers the award until the end of the local day.
func (c *Cache) MarkVisitorAwarded(ctx context.Context, visitor, dateKey, sharedID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.Client.Set(ctx, visitorKey(visitor, dateKey), sharedID, ttl).Err()
}

// AllowRequest: Simple Fixed Window Rate Limit
func (c *Cache) AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error) {
	key := "ratelimit:" + ip
	count, err := c.Client.Incr(ctx, key).Result()
	if err != nil {
		return true, nil // fail open
	}
	if count == 1 {
		_ = c.Client.Expire(ctx, key, window).Err()
	}
	return count <= int64(limit), nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.Client.Close()
}

var _ domain.CacheRepository = (*Cache)(nil)
