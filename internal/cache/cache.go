package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	SetTaskStatus(ctx context.Context, taskID uuid.UUID, status TaskStatus, ttl time.Duration) error
	GetTaskStatus(ctx context.Context, taskID uuid.UUID) (*TaskStatus, bool, error)
	DeleteTaskStatus(ctx context.Context, taskID uuid.UUID) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	// AcquireLock takes key for token if nobody holds it. The lock expires
	// after ttl unless released first.
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// ReleaseLock drops key only if token still holds it.
	ReleaseLock(ctx context.Context, key, token string) error
}

// TaskStatus is the short-lived view of a task that pollers read. OwnerID
// lets the poll endpoint check access without a database round trip.
type TaskStatus struct {
	OwnerID   uuid.UUID `json:"owner_id"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	UpdatedAt time.Time `json:"updated_at"`
}

// releaseScript deletes the key only when it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) SetTaskStatus(ctx context.Context, taskID uuid.UUID, status TaskStatus, ttl time.Duration) error {
	b, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, TaskStatusKey(taskID), b, ttl).Err()
}

func (c *RedisCache) GetTaskStatus(ctx context.Context, taskID uuid.UUID) (*TaskStatus, bool, error) {
	val, err := c.client.Get(ctx, TaskStatusKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var st TaskStatus
	if err := json.Unmarshal(val, &st); err != nil {
		return nil, false, err
	}
	return &st, true, nil
}

// DeleteTaskStatus drops the mirrored status so the next poll reads the
// database. Deleting a missing entry is not an error.
func (c *RedisCache) DeleteTaskStatus(ctx context.Context, taskID uuid.UUID) error {
	return c.client.Del(ctx, TaskStatusKey(taskID)).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisCache) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, token, ttl).Result()
}

func (c *RedisCache) ReleaseLock(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, c.client, []string{key}, token).Err()
}

// Compile-time check that RedisCache implements Cache.
var _ Cache = (*RedisCache)(nil)
