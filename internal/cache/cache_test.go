package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/weather-fanout-service/internal/models"
)

func testSnapshot(temp float64) models.Observation {
	return models.Observation{
		Current: models.CurrentConditions{Temperature: temp, Humidity: 40, FetchedAt: time.Now().UTC()},
		Forecast: []models.DailyForecastEntry{
			{Date: "2026-03-01", MaxTemp: 25, MinTemp: 14, ConditionCode: 2},
		},
	}
}

// TestInMemoryCache_GetSet verifies that Set stores values and Get retrieves
// them correctly with the expected data.
func TestInMemoryCache_GetSet(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()

	val := testSnapshot(12.5)
	if err := c.Set(ctx, SnapshotKey(1), val, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := c.Get(ctx, SnapshotKey(1))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if got.Current.Temperature != 12.5 || len(got.Forecast) != 1 {
		t.Errorf("Get() = %+v, want %+v", got, val)
	}
}

// TestInMemoryCache_Get_Miss verifies that Get returns ok=false when
// the requested key does not exist in cache.
func TestInMemoryCache_Get_Miss(t *testing.T) {
	c := NewInMemoryCache()

	_, ok, err := c.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() ok = true, want false for miss")
	}
}

// TestInMemoryCache_Get_Expired verifies that Get returns ok=false for expired
// entries and removes them from cache on access.
func TestInMemoryCache_Get_Expired(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if err := c.Set(ctx, "k", testSnapshot(1), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	now = now.Add(2 * time.Minute)

	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("Get() ok = true, want false for expired entry")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after expired access", c.Len())
	}
}

// TestInMemoryCache_Isolation verifies that mutating a returned forecast does not alter the cached copy.
func TestInMemoryCache_Isolation(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	_ = c.Set(ctx, "k", testSnapshot(1), time.Minute)

	got, _, _ := c.Get(ctx, "k")
	got.Forecast[0].MaxTemp = 99

	again, _, _ := c.Get(ctx, "k")
	if again.Forecast[0].MaxTemp != 25 {
		t.Errorf("cached MaxTemp = %v, want 25", again.Forecast[0].MaxTemp)
	}
}

// TestInMemoryCache_Add verifies that Add never overwrites a live entry but does replace an expired one.
func TestInMemoryCache_Add(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if ok, err := c.Add(ctx, "k", testSnapshot(1), time.Minute); err != nil || !ok {
		t.Fatalf("Add() on empty = (%v, %v), want (true, nil)", ok, err)
	}
	if ok, _ := c.Add(ctx, "k", testSnapshot(2), time.Minute); ok {
		t.Error("Add() on live entry = true, want false")
	}
	got, _, _ := c.Get(ctx, "k")
	if got.Current.Temperature != 1 {
		t.Errorf("Temperature = %v, want 1 (first writer kept)", got.Current.Temperature)
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := c.Add(ctx, "k", testSnapshot(3), time.Minute); !ok {
		t.Error("Add() on expired entry = false, want true")
	}
}

func TestInMemoryCache_Delete(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	_ = c.Set(ctx, "k", testSnapshot(1), time.Minute)

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := c.Delete(ctx, "missing"); err != nil {
		t.Errorf("Delete(missing) error = %v, want nil", err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("Get() after Delete ok = true, want false")
	}
}

// TestInMemoryCache_Concurrent verifies that parallel readers and writers do not race.
func TestInMemoryCache_Concurrent(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = c.Set(ctx, "k", testSnapshot(float64(j)), time.Minute)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _, _ = c.Get(ctx, "k")
			}
		}()
	}
	wg.Wait()
}

func TestSnapshotKey(t *testing.T) {
	if got := SnapshotKey(42); got != "snapshot:42" {
		t.Errorf("SnapshotKey(42) = %q, want snapshot:42", got)
	}
}
