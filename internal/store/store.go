// Package store persists locations, their latest conditions and forecast window,
// and notifications. Every backend replaces a location's weather atomically.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kjstillabower/weather-fanout-service/internal/models"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInvalidForecast rejects a replace whose forecast is not exactly models.ForecastDays long.
	ErrInvalidForecast = errors.New("invalid forecast window")
	// ErrInvalidLocation rejects an empty location name.
	ErrInvalidLocation = errors.New("invalid location")
)

// DefaultNotificationLimit is the page size used when ListNotifications is called with limit <= 0.
const DefaultNotificationLimit = 50

type Store interface {
	GetLocation(ctx context.Context, name string) (models.Location, error)
	// UpsertLocation always updates coordinates. Tracked is set when track is true and never cleared here.
	UpsertLocation(ctx context.Context, name string, lat, lon float64, track bool) (models.Location, error)
	SetTracked(ctx context.Context, name string, tracked bool) (models.Location, error)
	ListTracked(ctx context.Context) ([]models.Location, error)

	GetCurrent(ctx context.Context, locationID int64) (models.CurrentConditions, error)
	// GetForecast returns an empty slice when nothing is stored.
	GetForecast(ctx context.Context, locationID int64) ([]models.DailyForecastEntry, error)
	// GetWeather reads current conditions and forecast from one consistent snapshot.
	GetWeather(ctx context.Context, locationID int64) (models.CurrentConditions, []models.DailyForecastEntry, error)
	// ReplaceWeather upserts current conditions and replaces the whole forecast window in one transaction.
	ReplaceWeather(ctx context.Context, locationID int64, current models.CurrentConditions, forecast []models.DailyForecastEntry) error

	AddNotification(ctx context.Context, locationName, message string) (models.Notification, error)
	ListNotifications(ctx context.Context, limit int) ([]models.Notification, error)

	Ping(ctx context.Context) error
	Close() error
}

// IsFresh reports whether current was fetched less than window before now.
// Exactly window old counts as stale.
func IsFresh(current models.CurrentConditions, now time.Time, window time.Duration) bool {
	return now.Sub(current.FetchedAt) < window
}

func validateForecast(forecast []models.DailyForecastEntry) error {
	if len(forecast) != models.ForecastDays {
		return fmt.Errorf("%w: got %d entries, want %d", ErrInvalidForecast, len(forecast), models.ForecastDays)
	}
	return nil
}

func normalizeName(name string) (string, error) {
	n := models.NormalizeLocation(name)
	if n == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidLocation)
	}
	return n, nil
}

// timestamp truncates to microseconds, the finest resolution every backend stores.
func timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
