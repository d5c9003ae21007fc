package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-fanout-service/internal/cache"
	"github.com/kjstillabower/weather-fanout-service/internal/models"
	"github.com/kjstillabower/weather-fanout-service/internal/observability"
)

// CachedStore puts a read-through snapshot cache in front of GetWeather.
// ReplaceWeather writes the whole snapshot as one cache item after the
// backing transaction commits. Every other call goes straight to the backing store.
type CachedStore struct {
	Store
	cache  cache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedStore(backing Store, c cache.Cache, ttl time.Duration, logger *zap.Logger) *CachedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedStore{Store: backing, cache: c, ttl: ttl, logger: logger}
}

func (s *CachedStore) GetWeather(ctx context.Context, locationID int64) (models.CurrentConditions, []models.DailyForecastEntry, error) {
	key := cache.SnapshotKey(locationID)
	snap, ok, err := s.cache.Get(ctx, key)
	switch {
	case err != nil:
		observability.CacheLookupsTotal.WithLabelValues("error").Inc()
		s.logger.Warn("snapshot cache get failed", zap.Int64("location_id", locationID), zap.Error(err))
	case ok:
		observability.CacheLookupsTotal.WithLabelValues("hit").Inc()
		return snap.Current, snap.Forecast, nil
	default:
		observability.CacheLookupsTotal.WithLabelValues("miss").Inc()
	}

	current, forecast, err := s.Store.GetWeather(ctx, locationID)
	if err != nil {
		return models.CurrentConditions{}, nil, err
	}
	// Add, not Set: a concurrent ReplaceWeather that already cached a newer snapshot wins.
	if _, err := s.cache.Add(ctx, key, models.Observation{Current: current, Forecast: forecast}, s.ttl); err != nil {
		s.logger.Warn("snapshot cache fill failed", zap.Int64("location_id", locationID), zap.Error(err))
	}
	return current, forecast, nil
}

func (s *CachedStore) ReplaceWeather(ctx context.Context, locationID int64, current models.CurrentConditions, forecast []models.DailyForecastEntry) error {
	if err := s.Store.ReplaceWeather(ctx, locationID, current, forecast); err != nil {
		return err
	}
	key := cache.SnapshotKey(locationID)
	current.FetchedAt = timestamp(current.FetchedAt)
	if err := s.cache.Set(ctx, key, models.Observation{Current: current, Forecast: forecast}, s.ttl); err != nil {
		s.logger.Warn("snapshot cache set failed, invalidating", zap.Int64("location_id", locationID), zap.Error(err))
		if delErr := s.cache.Delete(ctx, key); delErr != nil {
			s.logger.Error("snapshot cache invalidate failed", zap.Int64("location_id", locationID), zap.Error(delErr))
		}
	}
	return nil
}

// GetCurrent is served from the snapshot so it agrees with GetWeather.
func (s *CachedStore) GetCurrent(ctx context.Context, locationID int64) (models.CurrentConditions, error) {
	current, _, err := s.GetWeather(ctx, locationID)
	return current, err
}

// Unwrap returns the backing store.
func (s *CachedStore) Unwrap() Store { return s.Store }
