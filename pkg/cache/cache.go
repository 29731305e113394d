// Package cache is a tenant-partitioned result and embedding cache on
// Redis. Keys are <prefix>:<tenant_id>:<sha256(payload)>. The cache is
// optional: a nil client and every backend failure degrade to a miss,
// a user request never fails because of caching.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tandemhealth/medrag/pkg/config"
	"github.com/tandemhealth/medrag/pkg/observability"
	"github.com/tandemhealth/medrag/pkg/tenant"
)

// Family identifies a cache key family with its prefix and TTL.
type Family struct {
	Prefix string
	TTL    time.Duration
}

var (
	VectorResults = Family{Prefix: "vs", TTL: 30 * time.Minute}
	GraphResults  = Family{Prefix: "gs", TTL: 2 * time.Hour}
	HybridResults = Family{Prefix: "hs", TTL: 45 * time.Minute}
	Embeddings    = Family{Prefix: "emb", TTL: 24 * time.Hour}
	Documents     = Family{Prefix: "doc", TTL: 6 * time.Hour}
)

// Cache wraps the Redis client. The zero-value-equivalent returned by
// Disabled() is safe to use everywhere and always misses.
type Cache struct {
	client    *redis.Client
	opTimeout time.Duration
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// New connects to Redis when a URL is configured. A connection failure
// logs a warning and returns a disabled cache, not an error.
func New(ctx context.Context, cfg *config.CacheConfig, metrics *observability.Metrics, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled() {
		logger.Info("cache disabled, no REDIS_URL configured")
		return &Cache{metrics: metrics, logger: logger}
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		logger.Warn("invalid REDIS_URL, running without cache",
			slog.String("error", err.Error()))
		return &Cache{metrics: metrics, logger: logger}
	}
	opts.DialTimeout = cfg.ConnectTimeout
	opts.ReadTimeout = cfg.OpTimeout
	opts.WriteTimeout = cfg.OpTimeout

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("cache unreachable, running without cache",
			slog.String("error", err.Error()))
		_ = client.Close()
		return &Cache{metrics: metrics, logger: logger}
	}

	return &Cache{client: client, opTimeout: cfg.OpTimeout, metrics: metrics, logger: logger}
}

// Disabled returns a cache that always misses (used by tests).
func Disabled(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{logger: logger}
}

// Enabled reports whether a backend is connected.
func (c *Cache) Enabled() bool { return c.client != nil }

// Key builds the cache key for a request payload. The payload is
// marshaled to JSON (Go maps marshal with sorted keys) and hashed, so
// equal requests share a key and keys stay bounded.
func Key(family Family, tenantID tenant.ID, payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize cache payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%s:%s:%s", family.Prefix, tenantID.String(), hex.EncodeToString(sum[:])), nil
}

// Get loads the value at key into dest. Returns false on miss, on a
// disabled cache, and on any backend error.
func (c *Cache) Get(ctx context.Context, family Family, key string, dest any) bool {
	if c.client == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		c.metrics.RecordCacheOp(ctx, family.Prefix, "miss")
		return false
	}
	if err != nil {
		c.metrics.RecordCacheOp(ctx, family.Prefix, "error")
		c.logger.Warn("cache get failed", slog.String("error", err.Error()))
		return false
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		c.metrics.RecordCacheOp(ctx, family.Prefix, "error")
		c.logger.Warn("cache value corrupt, treating as miss",
			slog.String("key", key))
		return false
	}

	c.metrics.RecordCacheOp(ctx, family.Prefix, "hit")
	return true
}

// Set stores value under key with the family TTL. Failures are logged
// and swallowed.
func (c *Cache) Set(ctx context.Context, family Family, key string, value any) {
	if c.client == nil {
		return
	}

	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache value not serializable", slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.client.Set(ctx, key, raw, family.TTL).Err(); err != nil {
		c.metrics.RecordCacheOp(ctx, family.Prefix, "error")
		c.logger.Warn("cache set failed", slog.String("error", err.Error()))
	}
}

// Delete removes a single key.
func (c *Cache) Delete(ctx context.Context, key string) {
	if c.client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("cache delete failed", slog.String("error", err.Error()))
	}
}

// ClearTenant removes every key whose tenant segment matches, across
// all families, using incremental SCAN so the backend is never blocked
// by one large keyspace walk.
func (c *Cache) ClearTenant(ctx context.Context, tenantID tenant.ID) int {
	if c.client == nil {
		return 0
	}

	pattern := fmt.Sprintf("*:%s:*", tenantID.String())
	deleted := 0

	var cursor uint64
	for {
		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
		keys, next, err := c.client.Scan(opCtx, cursor, pattern, 100).Result()
		if err != nil {
			cancel()
			c.logger.Warn("cache scan failed during tenant clear",
				slog.String("tenant_id", tenantID.String()),
				slog.String("error", err.Error()))
			return deleted
		}
		if len(keys) > 0 {
			if err := c.client.Del(opCtx, keys...).Err(); err != nil {
				cancel()
				c.logger.Warn("cache delete failed during tenant clear",
					slog.String("error", err.Error()))
				return deleted
			}
			deleted += len(keys)
		}
		cancel()

		cursor = next
		if cursor == 0 {
			break
		}
	}

	c.logger.Info("cleared tenant cache",
		slog.String("tenant_id", tenantID.String()),
		slog.Int("keys", deleted))
	return deleted
}

// Health exercises a write/read round trip with a short TTL.
func (c *Cache) Health(ctx context.Context) bool {
	if c.client == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	key := "health:probe"
	if err := c.client.Set(ctx, key, "ok", 10*time.Second).Err(); err != nil {
		return false
	}
	val, err := c.client.Get(ctx, key).Result()
	return err == nil && val == "ok"
}

// Close releases the client.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
