package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/goccy/go-json"

	"github.com/kjstillabower/weather-fanout-service/internal/models"
)

const keyPrefix = "weather:"

// MemcachedCache implements Cache using memcached.
type MemcachedCache struct {
	client *memcache.Client
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (c *MemcachedCache) key(k string) string {
	return keyPrefix + k
}

// Get implements Cache.Get. Returns false, nil on cache miss; false, err on error.
func (c *MemcachedCache) Get(ctx context.Context, key string) (models.Observation, bool, error) {
	if ctx.Err() != nil {
		return models.Observation{}, false, ctx.Err()
	}
	item, err := c.client.Get(c.key(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return models.Observation{}, false, nil
		}
		return models.Observation{}, false, err
	}
	var data models.Observation
	if err := json.Unmarshal(item.Value, &data); err != nil {
		return models.Observation{}, false, err
	}
	return data, true, nil
}

// Set implements Cache.Set.
func (c *MemcachedCache) Set(ctx context.Context, key string, value models.Observation, ttl time.Duration) error {
	item, err := c.item(ctx, key, value, ttl)
	if err != nil {
		return err
	}
	return c.client.Set(item)
}

// Add implements Cache.Add using memcached's add command.
func (c *MemcachedCache) Add(ctx context.Context, key string, value models.Observation, ttl time.Duration) (bool, error) {
	item, err := c.item(ctx, key, value, ttl)
	if err != nil {
		return false, err
	}
	if err := c.client.Add(item); err != nil {
		if errors.Is(err, memcache.ErrNotStored) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *MemcachedCache) item(ctx context.Context, key string, value models.Observation, ttl time.Duration) (*memcache.Item, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	expSec := int32(ttl.Seconds())
	const maxRelativeExp = 30 * 24 * 60 * 60 // 30 days
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = 3600 // fallback 1h if invalid
	}
	return &memcache.Item{
		Key:        c.key(key),
		Value:      raw,
		Expiration: expSec,
	}, nil
}

// Delete implements Cache.Delete. A miss is not an error.
func (c *MemcachedCache) Delete(ctx context.Context, key string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := c.client.Delete(c.key(key)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}
	return nil
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
