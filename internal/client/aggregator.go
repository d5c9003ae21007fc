package client

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/weather-fanout-service/internal/models"
)

// Reading is one source's view of current conditions.
type Reading struct {
	Temperature   float64
	WindSpeed     float64 // km/h
	Humidity      float64
	ConditionCode int
	HasCondition  bool
}

// PrimarySource supplies current conditions and the forecast. Its failure fails the fetch.
type PrimarySource interface {
	Name() string
	Observe(ctx context.Context, lat, lon float64) (Reading, []models.DailyForecastEntry, error)
}

// SecondarySource supplies current conditions only. Its failure is tolerated.
type SecondarySource interface {
	Name() string
	Current(ctx context.Context, lat, lon float64) (Reading, error)
}

// Aggregator queries both sources concurrently and averages current scalars
// across the ones that succeeded. The forecast always comes from the primary.
type Aggregator struct {
	primary   PrimarySource
	secondary SecondarySource
	logger    *zap.Logger
	now       func() time.Time
}

// NewAggregator builds the Fetcher. secondary may be nil.
func NewAggregator(primary PrimarySource, secondary SecondarySource, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		primary:   primary,
		secondary: secondary,
		logger:    logger,
		now:       time.Now,
	}
}

func (a *Aggregator) Fetch(ctx context.Context, lat, lon float64) (models.Observation, error) {
	var (
		g                     errgroup.Group
		primary, secondary    Reading
		forecast              []models.DailyForecastEntry
		primaryErr, secondErr error
	)

	// Both goroutines return nil so one source failing never cancels the other.
	g.Go(func() error {
		primary, forecast, primaryErr = a.primary.Observe(ctx, lat, lon)
		return nil
	})
	if a.secondary != nil {
		g.Go(func() error {
			secondary, secondErr = a.secondary.Current(ctx, lat, lon)
			return nil
		})
	}
	_ = g.Wait()

	if primaryErr != nil {
		return models.Observation{}, primaryErr
	}

	readings := []Reading{primary}
	if a.secondary != nil {
		if secondErr != nil {
			a.logger.Warn("secondary source failed, using primary only",
				zap.String("source", a.secondary.Name()),
				zap.Float64("lat", lat),
				zap.Float64("lon", lon),
				zap.Error(secondErr),
			)
		} else {
			readings = append(readings, secondary)
		}
	}

	current := average(readings)
	current.FetchedAt = a.now().UTC()
	return models.Observation{Current: current, Forecast: forecast}, nil
}

// average takes the arithmetic mean of each scalar; the condition code is the
// rounded mean over the readings that carry one.
func average(readings []Reading) models.CurrentConditions {
	var c models.CurrentConditions
	var codeSum float64
	var codes int
	for _, r := range readings {
		c.Temperature += r.Temperature
		c.WindSpeed += r.WindSpeed
		c.Humidity += r.Humidity
		if r.HasCondition {
			codeSum += float64(r.ConditionCode)
			codes++
		}
	}
	n := float64(len(readings))
	c.Temperature /= n
	c.WindSpeed /= n
	c.Humidity /= n
	if codes > 0 {
		c.ConditionCode = int(math.Round(codeSum / float64(codes)))
	}
	return c
}
