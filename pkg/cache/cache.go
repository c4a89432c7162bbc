// Package cache wraps a Redis client with namespaced keys.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache works against a single node or a cluster.
type Cache struct {
	client redis.UniversalClient
}

// NewCache connects to addrs. A cluster client is used when cluster is set and more
// than one address is given.
func NewCache(addrs []string, password string, cluster bool) (*Cache, error) {
	if len(addrs) == 0 || addrs[0] == "" {
		return nil, errors.New("cache: at least one address required")
	}
	var rdb redis.UniversalClient
	if cluster && len(addrs) > 1 {
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    addrs,
			Password: password,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addrs[0],
			Password: password,
		})
	}
	return &Cache{client: rdb}, nil
}

// New wraps an existing client.
func New(client redis.UniversalClient) *Cache {
	return &Cache{client: client}
}

// Key joins a namespace and key the way every Cache method does.
func Key(namespace, key string) string {
	return namespace + ":" + key
}

// Get returns the string at key, or redis.Nil when absent.
func (c *Cache) Get(ctx context.Context, namespace, key string) (string, error) {
	return c.client.Get(ctx, Key(namespace, key)).Result()
}

// Set stores value with ttl.
func (c *Cache) Set(ctx context.Context, namespace, key string, value any, ttl time.Duration) error {
	return c.client.Set(ctx, Key(namespace, key), value, ttl).Err()
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, namespace, key string) error {
	return c.client.Del(ctx, Key(namespace, key)).Err()
}

// HashGetAll returns every field of the hash at key; an absent key yields an empty map.
func (c *Cache) HashGetAll(ctx context.Context, namespace, key string) (map[string]string, error) {
	return c.client.HGetAll(ctx, Key(namespace, key)).Result()
}

// RunScript evaluates script atomically against a single namespaced key.
func (c *Cache) RunScript(ctx context.Context, script *redis.Script, namespace, key string, args ...any) *redis.Cmd {
	return script.Run(ctx, c.client, []string{Key(namespace, key)}, args...)
}

// Ping checks connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the client.
func (c *Cache) Close() error {
	return c.client.Close()
}
