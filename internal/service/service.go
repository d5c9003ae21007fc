package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-fanout-service/internal/broadcast"
	"github.com/kjstillabower/weather-fanout-service/internal/client"
	"github.com/kjstillabower/weather-fanout-service/internal/models"
	"github.com/kjstillabower/weather-fanout-service/internal/observability"
	"github.com/kjstillabower/weather-fanout-service/internal/store"
	"github.com/kjstillabower/weather-fanout-service/internal/traffic"
)

const (
	sourceStore    = "store"
	sourceUpstream = "upstream"
)

// Notifier fans a location's new current conditions out to its subscribers.
type Notifier interface {
	Notify(ctx context.Context, location string, current models.CurrentConditions) broadcast.Result
}

type Config struct {
	// FreshnessWindow bounds the age of stored data served for non-tracked locations.
	FreshnessWindow time.Duration
	// CoalesceTimeout caps how long a caller waits on a shared refresh (0 = no cap).
	CoalesceTimeout time.Duration
	Now             func() time.Time
	Logger          *zap.Logger
}

// WeatherService decides per request whether to serve from the store or
// refetch, and owns the refresh path (fetch, replace, broadcast) shared with
// the poller. Writers are serialised per location.
type WeatherService struct {
	store     store.Store
	fetcher   client.Fetcher
	notifier  Notifier
	window    time.Duration
	now       func() time.Time
	locks     *keyedMutex
	coalescer *requestCoalescer
	logger    *zap.Logger
}

func NewWeatherService(st store.Store, fetcher client.Fetcher, notifier Notifier, cfg Config) *WeatherService {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = 15 * time.Minute
	}
	return &WeatherService{
		store:     st,
		fetcher:   fetcher,
		notifier:  notifier,
		window:    cfg.FreshnessWindow,
		now:       cfg.Now,
		locks:     newKeyedMutex(),
		coalescer: newRequestCoalescer(cfg.CoalesceTimeout),
		logger:    cfg.Logger,
	}
}

// loggerFromContext returns the request logger when present, else the service logger.
func (s *WeatherService) loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return s.logger
}

// Resolve returns a complete view of name's weather or an error, never a partial view.
// Tracked locations are served from the store regardless of age; the poller owns their freshness.
func (s *WeatherService) Resolve(ctx context.Context, name string, lat, lon float64) (models.WeatherView, error) {
	start := time.Now()
	key := models.NormalizeLocation(name)
	logger := s.loggerFromContext(ctx)
	if key == "" {
		return models.WeatherView{}, fmt.Errorf("%w: empty name", store.ErrInvalidLocation)
	}
	observability.RecordWeatherQuery(key)

	loc, err := s.store.GetLocation(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		loc, err = s.store.UpsertLocation(ctx, key, lat, lon, false)
	}
	if err != nil {
		observability.ResolveTotal.WithLabelValues("error").Inc()
		return models.WeatherView{}, err
	}

	current, forecast, err := s.store.GetWeather(ctx, loc.ID)
	switch {
	case err == nil && loc.Tracked:
		observability.ResolveTotal.WithLabelValues("tracked_hit").Inc()
		logger.Debug("weather served", zap.String("location", key), zap.String("source", sourceStore), zap.Bool("tracked", true), zap.Duration("duration", time.Since(start)))
		return view(loc, current, forecast, sourceStore), nil
	case err == nil && store.IsFresh(current, s.now(), s.window):
		observability.ResolveTotal.WithLabelValues("fresh_hit").Inc()
		logger.Debug("weather served", zap.String("location", key), zap.String("source", sourceStore), zap.Duration("duration", time.Since(start)))
		return view(loc, current, forecast, sourceStore), nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		observability.ResolveTotal.WithLabelValues("error").Inc()
		return models.WeatherView{}, err
	}

	logger.Debug("stored weather missing or stale, refreshing", zap.String("location", key), zap.Bool("tracked", loc.Tracked))
	v, shared, err := s.coalescer.Do(ctx, key, func(ctx context.Context) (models.WeatherView, error) {
		return s.refresh(ctx, loc, false)
	})
	if err != nil {
		observability.ResolveTotal.WithLabelValues("error").Inc()
		logger.Warn("resolve failed", zap.String("location", key), zap.Error(err))
		return models.WeatherView{}, err
	}
	outcome := "fetched"
	if v.Source == sourceStore {
		outcome = "fresh_hit"
	}
	observability.ResolveTotal.WithLabelValues(outcome).Inc()
	logger.Debug("weather served", zap.String("location", key), zap.String("source", v.Source), zap.Bool("coalesced", shared), zap.Duration("duration", time.Since(start)))
	return v, nil
}

// Refresh unconditionally fetches, replaces and broadcasts loc's weather. Used by the poller.
func (s *WeatherService) Refresh(ctx context.Context, loc models.Location) (models.WeatherView, error) {
	return s.refresh(ctx, loc, true)
}

// refresh runs under loc's writer lock. Unless force is set, stored data that became
// usable while waiting for the lock (present for tracked, fresh otherwise) is returned without a fetch.
func (s *WeatherService) refresh(ctx context.Context, loc models.Location, force bool) (models.WeatherView, error) {
	unlock := s.locks.Lock(loc.ID)
	defer unlock()

	prev, forecast, err := s.store.GetWeather(ctx, loc.ID)
	havePrev := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return models.WeatherView{}, err
	}
	if havePrev && !force && (loc.Tracked || store.IsFresh(prev, s.now(), s.window)) {
		return view(loc, prev, forecast, sourceStore), nil
	}

	obs, err := s.fetcher.Fetch(ctx, loc.Latitude, loc.Longitude)
	traffic.RecordRefresh(err)
	if err != nil {
		return models.WeatherView{}, fmt.Errorf("fetch weather for %s: %w", loc.Name, err)
	}

	obs.Current.FetchedAt = s.now().UTC().Truncate(time.Microsecond)
	if havePrev && !obs.Current.FetchedAt.After(prev.FetchedAt) {
		obs.Current.FetchedAt = prev.FetchedAt.Add(time.Microsecond)
	}

	if err := s.store.ReplaceWeather(ctx, loc.ID, obs.Current, obs.Forecast); err != nil {
		return models.WeatherView{}, fmt.Errorf("persist weather for %s: %w", loc.Name, err)
	}
	if s.notifier != nil {
		s.notifier.Notify(ctx, loc.Name, obs.Current)
	}
	return view(loc, obs.Current, obs.Forecast, sourceUpstream), nil
}

func view(loc models.Location, current models.CurrentConditions, forecast []models.DailyForecastEntry, source string) models.WeatherView {
	if forecast == nil {
		forecast = []models.DailyForecastEntry{}
	}
	return models.WeatherView{
		Location: loc.Name,
		Current:  current,
		Forecast: forecast,
		Tracked:  loc.Tracked,
		Source:   source,
	}
}

// Track creates or updates the location and marks it tracked.
func (s *WeatherService) Track(ctx context.Context, name string, lat, lon float64) (models.Location, error) {
	loc, err := s.store.UpsertLocation(ctx, name, lat, lon, true)
	if err != nil {
		return models.Location{}, err
	}
	s.loggerFromContext(ctx).Info("location tracked", zap.String("location", loc.Name))
	return loc, nil
}

// Untrack clears the tracked flag. Stored weather is kept and falls back to the freshness window.
func (s *WeatherService) Untrack(ctx context.Context, name string) (models.Location, error) {
	loc, err := s.store.SetTracked(ctx, name, false)
	if err != nil {
		return models.Location{}, err
	}
	s.loggerFromContext(ctx).Info("location untracked", zap.String("location", loc.Name))
	return loc, nil
}

func (s *WeatherService) Lookup(ctx context.Context, name string) (models.Location, error) {
	return s.store.GetLocation(ctx, name)
}

// TrackedWeather is a tracked location with whatever weather is stored for it.
// Current is nil until the first successful refresh.
type TrackedWeather struct {
	Location models.Location             `json:"location"`
	Current  *models.CurrentConditions   `json:"current"`
	Forecast []models.DailyForecastEntry `json:"forecast"`
}

// Tracked lists tracked locations with their stored weather. It never fetches.
func (s *WeatherService) Tracked(ctx context.Context) ([]TrackedWeather, error) {
	locs, err := s.store.ListTracked(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]TrackedWeather, 0, len(locs))
	for _, loc := range locs {
		tw := TrackedWeather{Location: loc, Forecast: []models.DailyForecastEntry{}}
		current, forecast, err := s.store.GetWeather(ctx, loc.ID)
		switch {
		case err == nil:
			tw.Current = &current
			tw.Forecast = forecast
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
		out = append(out, tw)
	}
	return out, nil
}

// TrackedLocations lists the locations the poller refreshes.
func (s *WeatherService) TrackedLocations(ctx context.Context) ([]models.Location, error) {
	return s.store.ListTracked(ctx)
}

func (s *WeatherService) AddNotification(ctx context.Context, location, message string) (models.Notification, error) {
	return s.store.AddNotification(ctx, location, message)
}

func (s *WeatherService) Notifications(ctx context.Context, limit int) ([]models.Notification, error) {
	return s.store.ListNotifications(ctx, limit)
}
