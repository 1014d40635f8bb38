package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultCachePrefix namespaces per-user permission sets.
	DefaultCachePrefix = "security:user:permissions"
	// DefaultVersionKey holds the global ACL version embedded in every cache key.
	DefaultVersionKey = "security:acl:version"
	// DefaultCacheTTL bounds how long a cached permission set is served.
	DefaultCacheTTL = 10 * time.Minute
)

// PermissionCache stores canonical permission sets in Redis under versioned keys.
type PermissionCache struct {
	client     *redis.Client
	prefix     string
	versionKey string
	ttl        time.Duration
}

// NewPermissionCache instantiates the cache helper. Empty prefix and zero ttl fall back to defaults.
func NewPermissionCache(client *redis.Client, prefix string, ttl time.Duration) *PermissionCache {
	if prefix == "" {
		prefix = DefaultCachePrefix
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &PermissionCache{client: client, prefix: prefix, versionKey: DefaultVersionKey, ttl: ttl}
}

// TTL returns the lifetime of cached entries.
func (c *PermissionCache) TTL() time.Duration {
	return c.ttl
}

// Version returns the global ACL version, 1 when the slot is absent.
func (c *PermissionCache) Version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, c.versionKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	if ver <= 0 {
		return 1, nil
	}
	return ver, nil
}

// Key composes "{prefix}:{userID}:v{version}" using the current version.
func (c *PermissionCache) Key(ctx context.Context, userID int64) (string, error) {
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d:v%d", c.prefix, userID, ver), nil
}

// Get loads the cached set for userID. ok is false on a miss.
func (c *PermissionCache) Get(ctx context.Context, userID int64) (perms []string, ok bool, err error) {
	key, err := c.Key(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return c.get(ctx, key)
}

func (c *PermissionCache) get(ctx context.Context, key string) ([]string, bool, error) {
	payload, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var perms []string
	if err := json.Unmarshal(payload, &perms); err != nil {
		return nil, false, fmt.Errorf("security: decode cached permissions: %w", err)
	}
	if perms == nil {
		perms = []string{}
	}
	return perms, true, nil
}

func (c *PermissionCache) put(ctx context.Context, key string, perms []string) error {
	if perms == nil {
		perms = []string{}
	}
	raw, err := json.Marshal(perms)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, c.ttl).Err()
}

// Put stores the canonical set for userID with the configured TTL.
func (c *PermissionCache) Put(ctx context.Context, userID int64, perms []string) error {
	key, err := c.Key(ctx, userID)
	if err != nil {
		return err
	}
	return c.put(ctx, key, perms)
}

// Forget deletes the entry for userID under the current version. Deleting an absent key is a no-op.
func (c *PermissionCache) Forget(ctx context.Context, userID int64) error {
	key, err := c.Key(ctx, userID)
	if err != nil {
		return err
	}
	return c.client.Del(ctx, key).Err()
}

// Bump increments the global version, orphaning every cached set at once.
func (c *PermissionCache) Bump(ctx context.Context) (int64, error) {
	pipe := c.client.TxPipeline()
	// An absent slot reads as 1, so seed it before incrementing.
	pipe.SetNX(ctx, c.versionKey, 1, 0)
	incr := pipe.Incr(ctx, c.versionKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
