//go:build integration
// +build integration

package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/weather-fanout-service/internal/models"
	"github.com/kjstillabower/weather-fanout-service/internal/store"
	"github.com/kjstillabower/weather-fanout-service/internal/testhelpers"
)

func window(maxTemp float64) []models.DailyForecastEntry {
	out := make([]models.DailyForecastEntry, models.ForecastDays)
	for i := range out {
		out[i] = models.DailyForecastEntry{Date: fmt.Sprintf("2026-03-%02d", i+1), MaxTemp: maxTemp, MinTemp: maxTemp - 10, ConditionCode: 2}
	}
	return out
}

func forEachDriver(t *testing.T, fn func(t *testing.T, s *store.SQLStore)) {
	cfg := testhelpers.GetIntegrationConfig(t)
	for _, driver := range []string{store.DriverPostgres, store.DriverMySQL} {
		t.Run(driver, func(t *testing.T) {
			s, cleanup := testhelpers.SetupSQLStore(t, cfg, driver)
			defer cleanup()
			fn(t, s)
		})
	}
}

// TestSQLStore_LocationLifecycle_Integration verifies upsert, track, untrack and listing against a real database.
func TestSQLStore_LocationLifecycle_Integration(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *store.SQLStore) {
		ctx := context.Background()
		loc, err := s.UpsertLocation(ctx, " Harare ", -17.83, 31.05, true)
		if err != nil {
			t.Fatalf("UpsertLocation() error = %v", err)
		}
		if loc.Name != "harare" || !loc.Tracked {
			t.Errorf("UpsertLocation() = %+v", loc)
		}
		again, _ := s.UpsertLocation(ctx, "harare", -17.8, 31.0, false)
		if again.ID != loc.ID || !again.Tracked || again.Latitude != -17.8 {
			t.Errorf("second UpsertLocation() = %+v", again)
		}

		tracked, err := s.ListTracked(ctx)
		if err != nil || len(tracked) != 1 {
			t.Fatalf("ListTracked() = (%v, %v), want one", tracked, err)
		}

		if _, err := s.SetTracked(ctx, "harare", false); err != nil {
			t.Fatalf("SetTracked() error = %v", err)
		}
		if _, err := s.SetTracked(ctx, "nowhere", false); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("SetTracked(nowhere) error = %v, want ErrNotFound", err)
		}
	})
}

// TestSQLStore_ReplaceWeather_Integration verifies the transactional replace and consistent reads.
func TestSQLStore_ReplaceWeather_Integration(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *store.SQLStore) {
		ctx := context.Background()
		loc, _ := s.UpsertLocation(ctx, "london", 51.5, -0.12, true)
		fetched := time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC)

		if err := s.ReplaceWeather(ctx, loc.ID, models.CurrentConditions{Temperature: 9, FetchedAt: fetched}, window(9)); err != nil {
			t.Fatalf("ReplaceWeather() error = %v", err)
		}
		if err := s.ReplaceWeather(ctx, loc.ID, models.CurrentConditions{Temperature: 10, FetchedAt: fetched.Add(time.Second)}, window(10)); err != nil {
			t.Fatalf("ReplaceWeather() error = %v", err)
		}

		current, forecast, err := s.GetWeather(ctx, loc.ID)
		if err != nil {
			t.Fatalf("GetWeather() error = %v", err)
		}
		if current.Temperature != 10 || !current.FetchedAt.Equal(fetched.Add(time.Second)) {
			t.Errorf("current = %+v", current)
		}
		if len(forecast) != models.ForecastDays || forecast[0].MaxTemp != 10 {
			t.Errorf("forecast = %+v", forecast)
		}
	})
}

// TestSQLStore_ReplaceWeather_Atomic_Integration verifies readers never see a mixed snapshot.
func TestSQLStore_ReplaceWeather_Atomic_Integration(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *store.SQLStore) {
		ctx := context.Background()
		loc, _ := s.UpsertLocation(ctx, "paris", 48.85, 2.35, false)
		_ = s.ReplaceWeather(ctx, loc.ID, models.CurrentConditions{Temperature: 0}, window(0))

		var wg sync.WaitGroup
		stop := make(chan struct{})
		mixed := make(chan string, 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				c, f, err := s.GetWeather(ctx, loc.ID)
				if err != nil {
					continue
				}
				if len(f) != models.ForecastDays {
					mixed <- fmt.Sprintf("forecast has %d entries", len(f))
					return
				}
				for _, e := range f {
					if e.MaxTemp != c.Temperature {
						mixed <- fmt.Sprintf("current %v with forecast %v", c.Temperature, e.MaxTemp)
						return
					}
				}
			}
		}()

		for i := 1; i <= 30; i++ {
			v := float64(i)
			if err := s.ReplaceWeather(ctx, loc.ID, models.CurrentConditions{Temperature: v}, window(v)); err != nil {
				t.Fatalf("ReplaceWeather() error = %v", err)
			}
		}
		close(stop)
		wg.Wait()
		select {
		case msg := <-mixed:
			t.Fatal(msg)
		default:
		}
	})
}

func TestSQLStore_Notifications_Integration(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *store.SQLStore) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			if _, err := s.AddNotification(ctx, "harare", fmt.Sprintf("msg %d", i)); err != nil {
				t.Fatalf("AddNotification() error = %v", err)
			}
		}
		got, err := s.ListNotifications(ctx, 2)
		if err != nil {
			t.Fatalf("ListNotifications() error = %v", err)
		}
		if len(got) != 2 || got[0].Message != "msg 2" {
			t.Errorf("ListNotifications() = %+v", got)
		}
	})
}
