// Package toolcache caches tool outputs by exact key: the same tool called
// with the same parameters within the TTL replays the stored result. There
// is no semantic matching at this layer.
package toolcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quantra-labs/frontdoor/internal/metrics"
)

// keyPrefix namespaces tool cache keys in Redis.
const keyPrefix = "toolcache:"

// Per-tool-class retention. Quotes go stale in minutes; fundamentals are
// good for a day.
var classTTLs = map[string]time.Duration{
	"quote":        300 * time.Second,
	"news":         3600 * time.Second,
	"fundamentals": 86400 * time.Second,
	"docs":         3600 * time.Second,
}

// Cache is the exact-key tool result cache.
type Cache struct {
	client     *redis.Client
	defaultTTL time.Duration
	logger     *zap.Logger
}

// New builds the cache over a plain Redis client.
func New(client *redis.Client, defaultTTL time.Duration, logger *zap.Logger) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = 300 * time.Second
	}
	return &Cache{client: client, defaultTTL: defaultTTL, logger: logger}
}

// TTLFor returns the retention for a tool class, or the default for an
// unknown class.
func (c *Cache) TTLFor(class string) time.Duration {
	if ttl, ok := classTTLs[class]; ok {
		return ttl
	}
	return c.defaultTTL
}

// Key derives the cache key from the tool name and its canonicalized
// parameters. Canonicalization sorts object keys and normalizes numbers, so
// {"a":1,"b":2} and {"b":2.0,"a":1} collide as intended.
func Key(toolName string, params map[string]any) (string, error) {
	canonical, err := CanonicalJSON(params)
	if err != nil {
		return "", fmt.Errorf("canonicalize params for %s: %w", toolName, err)
	}
	h := sha256.Sum256([]byte(toolName + "|" + canonical))
	return hex.EncodeToString(h[:]), nil
}

// CanonicalJSON renders a value with sorted object keys and numbers
// normalized through a decode cycle.
func CanonicalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	// Round-trip through interface{} so ints and floats of equal value
	// render identically; map keys marshal in sorted order.
	var norm any
	if err := json.Unmarshal(raw, &norm); err != nil {
		return "", err
	}
	out, err := json.Marshal(norm)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Get returns the cached output for (tool, params), or ok=false on a miss.
// Redis failures are misses; the tool is the source of truth.
func (c *Cache) Get(ctx context.Context, toolName string, params map[string]any) ([]byte, bool) {
	start := time.Now()
	key, err := Key(toolName, params)
	if err != nil {
		return nil, false
	}
	val, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("Tool cache read failed", zap.String("tool", toolName), zap.Error(err))
		}
		metrics.RecordCacheCheck("tool", false, time.Since(start).Seconds(), 0)
		return nil, false
	}
	metrics.RecordCacheCheck("tool", true, time.Since(start).Seconds(), 0)
	return val, true
}

// Set stores the output under the class TTL. Failures are logged and
// dropped; caching is best effort.
func (c *Cache) Set(ctx context.Context, toolName, class string, params map[string]any, value []byte) {
	key, err := Key(toolName, params)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, keyPrefix+key, value, c.TTLFor(class)).Err(); err != nil {
		c.logger.Warn("Tool cache write failed", zap.String("tool", toolName), zap.Error(err))
	}
}
