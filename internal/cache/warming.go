package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/weather-fanout-service/internal/models"
)

// SnapshotReader is implemented by the backing store. Declared here to avoid an import cycle.
type SnapshotReader interface {
	ListTracked(ctx context.Context) ([]models.Location, error)
	GetWeather(ctx context.Context, locationID int64) (models.CurrentConditions, []models.DailyForecastEntry, error)
}

// Warmer preloads tracked locations' snapshots into the cache at startup so the
// first wave of subscribers and resolves does not all miss.
type Warmer struct {
	reader      SnapshotReader
	cache       Cache
	ttl         time.Duration
	concurrency int
	missing     error
	logger      *zap.Logger
}

// NewWarmer builds a Warmer. Errors matching missing (the store's not-found sentinel)
// mark locations that have never been refreshed and are skipped silently.
func NewWarmer(reader SnapshotReader, c Cache, ttl time.Duration, concurrency int, missing error, logger *zap.Logger) *Warmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Warmer{reader: reader, cache: c, ttl: ttl, concurrency: concurrency, missing: missing, logger: logger}
}

// Warm copies every tracked location's snapshot into the cache. Locations with no
// stored conditions yet are skipped. Returns the number warmed and an aggregated error.
func (w *Warmer) Warm(ctx context.Context) (int, error) {
	start := time.Now()
	locations, err := w.reader.ListTracked(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tracked: %w", err)
	}
	w.logger.Info("warming cache", zap.Int("locations", len(locations)))

	warmed := make([]bool, len(locations))
	errs := make([]error, len(locations))
	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for i, loc := range locations {
		g.Go(func() error {
			current, forecast, err := w.reader.GetWeather(ctx, loc.ID)
			if err != nil {
				if w.missing == nil || !errors.Is(err, w.missing) {
					errs[i] = fmt.Errorf("warm %s: %w", loc.Name, err)
				}
				return nil
			}
			snap := models.Observation{Current: current, Forecast: forecast}
			// Add, not Set: a snapshot already cached by a concurrent replace is newer.
			if _, err := w.cache.Add(ctx, SnapshotKey(loc.ID), snap, w.ttl); err != nil {
				errs[i] = fmt.Errorf("warm %s: %w", loc.Name, err)
				return nil
			}
			warmed[i] = true
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range warmed {
		if ok {
			n++
		}
	}
	joined := errors.Join(errs...)
	w.logger.Info("cache warming complete",
		zap.Int("locations", len(locations)),
		zap.Int("warmed", n),
		zap.Float64("duration_seconds", time.Since(start).Seconds()),
		zap.Error(joined),
	)
	return n, joined
}
