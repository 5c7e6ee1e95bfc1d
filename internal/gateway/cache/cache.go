package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mrmushfiq/llm0-gates/internal/shared/redis"
	"go.uber.org/zap"
)

// Cache is a best-effort TTL cache backed by Redis.
//
// Every backend failure is logged and reported as a miss or a no-op; a nil
// *Cache behaves as an always-empty cache, so callers must stay correct
// without it.
type Cache struct {
	redis *redis.Client
	log   *zap.Logger
}

// New creates a new cache instance. A nil client yields a disabled cache.
func New(redisClient *redis.Client, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{redis: redisClient, log: log.Named("cache")}
}

func (c *Cache) enabled() bool {
	return c != nil && c.redis != nil
}

// Get decodes the value stored at key into dest. It reports false on a miss,
// a backend failure or a value that cannot be decoded.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	if !c.enabled() {
		return false
	}

	val, err := c.redis.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.ErrNotFound) {
			c.log.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		c.log.Warn("cache value undecodable", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Set stores value as JSON with the given TTL
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if !c.enabled() {
		return
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.log.Warn("cache value unencodable", zap.String("key", key), zap.Error(err))
		return
	}

	if err := c.redis.Set(ctx, key, string(data), ttl); err != nil {
		c.log.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// SetIfAbsent stores value only when key is free. claimed is true when this
// call created the key; ok is false when the backend could not be asked.
func (c *Cache) SetIfAbsent(ctx context.Context, key string, value any, ttl time.Duration) (claimed bool, ok bool) {
	if !c.enabled() {
		return false, false
	}

	data, err := json.Marshal(value)
	if err != nil {
		return false, false
	}

	claimed, err = c.redis.SetNX(ctx, key, string(data), ttl)
	if err != nil {
		c.log.Warn("cache setnx failed", zap.String("key", key), zap.Error(err))
		return false, false
	}
	return claimed, true
}

// Delete removes keys
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if !c.enabled() {
		return
	}
	if err := c.redis.Del(ctx, keys...); err != nil {
		c.log.Warn("cache delete failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

// DeleteByPrefix removes every key in a scope, e.g. GatePrefix(tenant)
func (c *Cache) DeleteByPrefix(ctx context.Context, prefix string) {
	keys, ok := c.Keys(ctx, prefix)
	if !ok || len(keys) == 0 {
		return
	}
	c.Delete(ctx, keys...)
}

// Keys lists keys under prefix
func (c *Cache) Keys(ctx context.Context, prefix string) ([]string, bool) {
	if !c.enabled() {
		return nil, false
	}
	keys, err := c.redis.ScanPrefix(ctx, prefix)
	if err != nil {
		c.log.Warn("cache scan failed", zap.String("prefix", prefix), zap.Error(err))
		return nil, false
	}
	return keys, true
}

// IncrFloat atomically adds delta to the counter at key and returns the new value
func (c *Cache) IncrFloat(ctx context.Context, key string, delta float64) (float64, bool) {
	if !c.enabled() {
		return 0, false
	}
	v, err := c.redis.IncrByFloat(ctx, key, delta)
	if err != nil {
		c.log.Warn("cache incrbyfloat failed", zap.String("key", key), zap.Error(err))
		return 0, false
	}
	return v, true
}

// GetFloat reads a counter written by IncrFloat. A missing key is zero.
func (c *Cache) GetFloat(ctx context.Context, key string) (float64, bool) {
	if !c.enabled() {
		return 0, false
	}
	val, err := c.redis.Get(ctx, key)
	if errors.Is(err, redis.ErrNotFound) {
		return 0, true
	}
	if err != nil {
		c.log.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return 0, false
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		c.log.Warn("cache counter undecodable", zap.String("key", key), zap.Error(err))
		return 0, false
	}
	return f, true
}

// TakeFloat atomically reads and clears a counter
func (c *Cache) TakeFloat(ctx context.Context, key string) (float64, bool) {
	if !c.enabled() {
		return 0, false
	}
	v, err := c.redis.TakeFloat(ctx, key)
	if err != nil {
		c.log.Warn("cache take failed", zap.String("key", key), zap.Error(err))
		return 0, false
	}
	return v, true
}

// Incr atomically increments an integer counter
func (c *Cache) Incr(ctx context.Context, key string) (int64, bool) {
	if !c.enabled() {
		return 0, false
	}
	v, err := c.redis.Incr(ctx, key)
	if err != nil {
		c.log.Warn("cache incr failed", zap.String("key", key), zap.Error(err))
		return 0, false
	}
	return v, true
}

// Ping reports backend liveness
func (c *Cache) Ping(ctx context.Context) bool {
	if !c.enabled() {
		return false
	}
	return c.redis.Ping(ctx) == nil
}

// Key layout. Each entity gets its own namespace so a scope can be dropped
// with DeleteByPrefix.

func GateKey(tenantID, gateName string) string {
	return fmt.Sprintf("gate:%s:%s", tenantID, gateName)
}

// GatePrefix covers every cached gate of a tenant
func GatePrefix(tenantID string) string {
	return fmt.Sprintf("gate:%s:", tenantID)
}

func SpendKey(gateID string) string {
	return "spend:" + gateID
}

// SpendDeltaPrefix namespaces unflushed spend since the last reconciliation
const SpendDeltaPrefix = "spend-delta:"

func SpendDeltaKey(gateID string) string {
	return SpendDeltaPrefix + gateID
}

func AlertKey(gateID string, periodStart time.Time, threshold float64) string {
	return fmt.Sprintf("spend-alert:%s:%d:%g", gateID, periodStart.Unix(), threshold)
}

func RotationKey(gateID string) string {
	return "rr:" + gateID
}
