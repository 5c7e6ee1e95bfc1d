package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNotFound is returned when a key does not exist
var ErrNotFound = errors.New("key not found")

// takeScript reads a counter and deletes it in one step, so concurrent
// INCRBYFLOAT calls land either before the read or in a fresh key.
var takeScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v then
  redis.call("DEL", KEYS[1])
end
return v
`)

// rateLimitScript increments a window counter and sets its expiry in the
// same step.
var rateLimitScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if redis.call("TTL", KEYS[1]) < 0 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RateLimitWindow is the fixed window CheckRateLimit counts against
const RateLimitWindow = time.Minute

type Client struct {
	client *redis.Client
}

// New creates a new Redis client
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redis ping failed: %w", err)
	}

	return &Client{client: client}, nil
}

// NewFromClient wraps an already configured go-redis client
func NewFromClient(client *redis.Client) *Client {
	return &Client{client: client}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Ping checks liveness
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Set stores a value with TTL
func (c *Client) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// SetNX stores a value only if the key does not exist yet
func (c *Client) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

// Del removes keys
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// ScanPrefix returns every key starting with prefix
func (c *Client) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	match := escapeGlob(prefix) + "*"

	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := c.client.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Incr increments a counter
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

// IncrByFloat atomically adds delta to a float counter
func (c *Client) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	return c.client.IncrByFloat(ctx, key, delta).Result()
}

// TakeFloat atomically reads and deletes a float counter.
// A missing key reads as zero.
func (c *Client) TakeFloat(ctx context.Context, key string) (float64, error) {
	val, err := takeScript.Run(ctx, c.client, []string{key}).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if val == nil {
		return 0, nil
	}
	s, ok := val.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected counter value %T", val)
	}
	return strconv.ParseFloat(s, 64)
}

// CheckRateLimit counts a request against a fixed window. The window
// starts on the first hit; a counter found without a TTL gets one.
func (c *Client) CheckRateLimit(ctx context.Context, apiKeyID string, limit int) (bool, int, error) {
	key := fmt.Sprintf("ratelimit:%s", apiKeyID)

	count, err := rateLimitScript.Run(ctx, c.client, []string{key}, int(RateLimitWindow/time.Second)).Int64()
	if err != nil {
		return false, 0, err
	}

	if count > int64(limit) {
		return true, 0, nil
	}

	return false, limit - int(count), nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
