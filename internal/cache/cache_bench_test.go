package cache

import (
	"context"
	"testing"
	"time"
)

// BenchmarkInMemoryCache_Get_Hit benchmarks cache Get operation on cache hit.
func BenchmarkInMemoryCache_Get_Hit(b *testing.B) {
	cache := NewInMemoryCache()
	ctx := context.Background()
	_ = cache.Set(ctx, SnapshotKey(1), testSnapshot(15.5), 5*time.Minute)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = cache.Get(ctx, SnapshotKey(1))
	}
}

// BenchmarkInMemoryCache_Get_Miss benchmarks cache Get operation on cache miss.
func BenchmarkInMemoryCache_Get_Miss(b *testing.B) {
	cache := NewInMemoryCache()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = cache.Get(ctx, "nonexistent")
	}
}

// BenchmarkInMemoryCache_Concurrent benchmarks parallel readers on a shared key.
func BenchmarkInMemoryCache_Concurrent(b *testing.B) {
	cache := NewInMemoryCache()
	ctx := context.Background()
	_ = cache.Set(ctx, "k", testSnapshot(15.5), 5*time.Minute)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _, _ = cache.Get(ctx, "k")
		}
	})
}

// BenchmarkMemcachedCache_Set benchmarks snapshot encoding plus a memcached round trip.
// Skips when memcached is not reachable on localhost.
func BenchmarkMemcachedCache_Set(b *testing.B) {
	cache, _ := NewMemcachedCache("localhost:11211", 100*time.Millisecond, 2)
	defer cache.Close()
	if err := cache.Ping(); err != nil {
		b.Skipf("memcached not available: %v", err)
	}
	ctx := context.Background()
	snap := testSnapshot(15.5)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cache.Set(ctx, "bench", snap, time.Minute)
	}
}
