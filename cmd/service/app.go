package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-fanout-service/internal/broadcast"
	"github.com/kjstillabower/weather-fanout-service/internal/cache"
	"github.com/kjstillabower/weather-fanout-service/internal/client"
	"github.com/kjstillabower/weather-fanout-service/internal/config"
	"github.com/kjstillabower/weather-fanout-service/internal/observability"
	"github.com/kjstillabower/weather-fanout-service/internal/poller"
	"github.com/kjstillabower/weather-fanout-service/internal/registry"
	"github.com/kjstillabower/weather-fanout-service/internal/service"
	"github.com/kjstillabower/weather-fanout-service/internal/store"
)

const warmTimeout = 30 * time.Second

// app is the wired component graph shared by serve and poll.
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	store       store.Store
	memcached   *cache.MemcachedCache
	registry    *registry.Registry
	broadcaster *broadcast.Broadcaster
	service     *service.WeatherService
	poller      *poller.Poller
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	backing, err := store.Open(ctx, store.Config{
		Backend:         cfg.StoreBackend,
		DSN:             cfg.DatabaseDSN,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		AutoMigrate:     cfg.AutoMigrate,
	}, observability.Component(logger, "store"))
	if err != nil {
		return nil, err
	}
	a.store = backing

	var snapshots cache.Cache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			_ = backing.Close()
			return nil, err
		}
		a.memcached = mc
		snapshots = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	case "in_memory":
		snapshots = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	default:
		logger.Info("cache backend: none")
	}
	if snapshots != nil {
		a.store = store.NewCachedStore(backing, snapshots, cfg.CacheTTL, observability.Component(logger, "cache"))
		if cfg.WarmCache {
			warmCtx, cancel := context.WithTimeout(ctx, warmTimeout)
			warmed, err := cache.NewWarmer(backing, snapshots, cfg.CacheTTL, cfg.PollConcurrency, store.ErrNotFound, observability.Component(logger, "cache")).Warm(warmCtx)
			cancel()
			if err != nil {
				logger.Warn("cache warming failed", zap.Error(err), zap.Int("warmed", warmed))
			}
		}
	}

	breaker := client.BreakerSettings{
		MaxRequests:      cfg.BreakerMaxRequests,
		Interval:         cfg.BreakerInterval,
		Timeout:          cfg.BreakerTimeout,
		FailureThreshold: cfg.BreakerFailureThreshold,
	}
	upstreamLogger := observability.Component(logger, "upstream")
	primary := client.NewOpenMeteo(cfg.OpenMeteoURL, cfg.UpstreamTimeout, breaker, upstreamLogger)
	var fetcher *client.Aggregator
	if cfg.MetNorwayEnabled {
		secondary := client.NewMetNorway(cfg.MetNorwayURL, cfg.MetNorwayUserAgent, cfg.UpstreamTimeout, breaker, upstreamLogger)
		fetcher = client.NewAggregator(primary, secondary, upstreamLogger)
	} else {
		fetcher = client.NewAggregator(primary, nil, upstreamLogger)
	}

	a.registry = registry.New(observability.Component(logger, "registry"))
	observability.RegisterSubscriberGauge(a.registry.Count)
	observability.SetQueryLocations(cfg.MetricsLocations)
	a.broadcaster = broadcast.New(a.registry, observability.Component(logger, "broadcast"))

	a.service = service.NewWeatherService(a.store, fetcher, a.broadcaster, service.Config{
		FreshnessWindow: cfg.FreshnessWindow,
		CoalesceTimeout: cfg.CoalesceTimeout,
		Logger:          observability.Component(logger, "service"),
	})
	a.poller = poller.New(a.service, poller.Config{
		Interval:     cfg.PollInterval,
		Concurrency:  cfg.PollConcurrency,
		CycleTimeout: cfg.PollCycleTimeout,
	}, observability.Component(logger, "poller"))
	return a, nil
}

// close releases the store and cache connections.
func (a *app) close() error {
	var errs []error
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.memcached != nil {
		if err := a.memcached.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
