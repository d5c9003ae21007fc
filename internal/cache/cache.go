package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/kjstillabower/weather-fanout-service/internal/models"
)

// Cache holds weather snapshots (current conditions plus forecast) as single items,
// so a reader sees either the old or the new snapshot and never a mix.
type Cache interface {
	Get(ctx context.Context, key string) (models.Observation, bool, error)
	Set(ctx context.Context, key string, value models.Observation, ttl time.Duration) error
	// Add stores value only if key is absent (or expired). Returns false when an entry already exists.
	Add(ctx context.Context, key string, value models.Observation, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// SnapshotKey is the cache key for a location's weather snapshot.
func SnapshotKey(locationID int64) string {
	return "snapshot:" + strconv.FormatInt(locationID, 10)
}

// InMemoryCache implements Cache using an in-memory map with TTL-based expiration.
// Expired entries are removed on access. Safe for concurrent use.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[string]cacheEntry
	now  func() time.Time
}

// cacheEntry stores a cached snapshot with expiration timestamp.
type cacheEntry struct {
	value     models.Observation
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
		now:  time.Now,
	}
}

// Get retrieves the cached snapshot for the key if present and not expired.
// Returns (data, true, nil) on cache hit, (zero, false, nil) on miss or expiration.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.Observation, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return models.Observation{}, false, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.data, key)
		return models.Observation{}, false, nil
	}
	return cloneObservation(entry.value), true, nil
}

// Set stores the snapshot with the specified TTL duration.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.Observation, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = cacheEntry{
		value:     cloneObservation(value),
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

// Add implements Cache.Add.
func (c *InMemoryCache) Add(ctx context.Context, key string, value models.Observation, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.data[key]; ok && !c.now().After(entry.expiresAt) {
		return false, nil
	}
	c.data[key] = cacheEntry{
		value:     cloneObservation(value),
		expiresAt: c.now().Add(ttl),
	}
	return true, nil
}

// Delete removes the key. Missing keys are not an error.
func (c *InMemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// Len reports the number of entries, expired or not.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// cloneObservation copies the forecast slice so callers cannot mutate cached state.
func cloneObservation(o models.Observation) models.Observation {
	if o.Forecast != nil {
		o.Forecast = append([]models.DailyForecastEntry(nil), o.Forecast...)
	}
	return o
}
