//go:build integration
// +build integration

package testhelpers

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/kjstillabower/weather-fanout-service/internal/cache"
	"github.com/kjstillabower/weather-fanout-service/internal/store"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	PostgresDSN   string
	MySQLDSN      string
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}
	return IntegrationTestConfig{
		PostgresDSN:   os.Getenv("DATABASE_URL"),
		MySQLDSN:      os.Getenv("MYSQL_DSN"),
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: memcachedAddr,
	}
}

// DSNFor returns the DSN for driver or skips the test when it is not configured.
func (c IntegrationTestConfig) DSNFor(t *testing.T, driver string) string {
	t.Helper()
	switch driver {
	case store.DriverPostgres:
		if c.PostgresDSN == "" {
			t.Skip("DATABASE_URL not set, skipping postgres integration test")
		}
		return c.PostgresDSN
	case store.DriverMySQL:
		if c.MySQLDSN == "" {
			t.Skip("MYSQL_DSN not set, skipping mysql integration test")
		}
		return c.MySQLDSN
	}
	t.Fatalf("unknown driver %q", driver)
	return ""
}

// SetupSQLStore migrates and opens a SQL store, truncating all tables first.
// Returns the store and a cleanup function.
func SetupSQLStore(t *testing.T, cfg IntegrationTestConfig, driver string) (*store.SQLStore, func()) {
	t.Helper()
	dsn := cfg.DSNFor(t, driver)
	if err := store.Migrate(driver, dsn, nil); err != nil {
		t.Fatalf("Migrate(%s) error = %v", driver, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := store.OpenSQL(ctx, store.SQLConfig{Driver: driver, DSN: dsn, MaxOpenConns: 8}, nil)
	if err != nil {
		t.Fatalf("OpenSQL(%s) error = %v", driver, err)
	}
	truncate(t, s)
	return s, func() {
		truncate(t, s)
		_ = s.Close()
	}
}

func truncate(t *testing.T, s *store.SQLStore) {
	t.Helper()
	for _, table := range []string{"notifications", "daily_forecasts", "current_weather", "locations"} {
		if _, err := s.DB().Exec("DELETE FROM " + table); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
}

// SetupCache returns memcached when INTEGRATION_CACHE_BACKEND=memcached and reachable,
// otherwise an in-memory cache. Returns the cache and a cleanup function.
func SetupCache(t *testing.T, cfg IntegrationTestConfig) (cache.Cache, func()) {
	t.Helper()
	if cfg.CacheBackend == "memcached" {
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err == nil && mc.Ping() == nil {
			t.Logf("Using Memcached cache at %s", cfg.MemcachedAddr)
			return mc, func() { _ = mc.Close() }
		}
		t.Logf("Memcached not available, using in-memory cache")
	}
	return cache.NewInMemoryCache(), func() {}
}
