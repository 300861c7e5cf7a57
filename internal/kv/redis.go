package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// slidingWindow prunes entries at or beyond the window, rejects when the
// survivors reach the limit and otherwise records the new admission.
// ARGV: now_ms, window_ms, limit, member.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// RedisLimiter is a sliding window limiter over one sorted set per owner.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// NewRedisLimiter creates a limiter admitting limit events per window.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, window: window, prefix: "ratelimit:upload:"}
}

// Allow runs the check-and-insert as a single script so concurrent uploads cannot both pass.
func (l *RedisLimiter) Allow(ctx context.Context, ownerID string, now time.Time) (bool, error) {
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())
	res, err := slidingWindow.Run(ctx, l.client,
		[]string{l.prefix + ownerID},
		now.UnixMilli(), l.window.Milliseconds(), l.limit, member,
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit script failed: %w", err)
	}
	return res == 1, nil
}

// RedisTextCache stores extraction results as JSON strings with a TTL.
type RedisTextCache struct {
	client *redis.Client
	prefix string
}

// NewRedisTextCache binds the cache to a client.
func NewRedisTextCache(client *redis.Client) *RedisTextCache {
	return &RedisTextCache{client: client, prefix: "extracted:"}
}

func (c *RedisTextCache) Get(ctx context.Context, documentID string) (*models.ExtractedText, error) {
	raw, err := c.client.Get(ctx, c.prefix+documentID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached text: %w", err)
	}
	var text models.ExtractedText
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, fmt.Errorf("failed to decode cached text: %w", err)
	}
	return &text, nil
}

func (c *RedisTextCache) Set(ctx context.Context, text *models.ExtractedText, ttl time.Duration) error {
	raw, err := json.Marshal(text)
	if err != nil {
		return fmt.Errorf("failed to encode text for cache: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+text.DocumentID, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache text: %w", err)
	}
	return nil
}
