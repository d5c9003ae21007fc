// Package poller refreshes every tracked location on a fixed interval.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/weather-fanout-service/internal/client"
	"github.com/kjstillabower/weather-fanout-service/internal/models"
	"github.com/kjstillabower/weather-fanout-service/internal/observability"
)

// Refresher lists tracked locations and refreshes one of them (fetch, replace, broadcast).
type Refresher interface {
	TrackedLocations(ctx context.Context) ([]models.Location, error)
	Refresh(ctx context.Context, loc models.Location) (models.WeatherView, error)
}

type Config struct {
	Interval time.Duration
	// Concurrency bounds how many locations refresh at once within a cycle.
	Concurrency int
	// CycleTimeout bounds a whole cycle (0 = none). Each fetch carries its own timeout as well.
	CycleTimeout time.Duration
}

// CycleResult summarises one RunOnce call.
type CycleResult struct {
	Skipped   bool
	Locations int
	Refreshed int
	Failed    int
	Duration  time.Duration
}

// Poller runs a refresh cycle at Start and then every Interval. A trigger that
// arrives while a cycle is running is skipped, not queued.
type Poller struct {
	refresher Refresher
	cfg       Config
	scheduler *gocron.Scheduler
	running   atomic.Bool
	logger    *zap.Logger

	mu      sync.Mutex // guards stopped, cancel and cycles.Add
	stopped bool
	cycles  sync.WaitGroup
	cancel  context.CancelFunc
}

func New(r Refresher, cfg Config, logger *zap.Logger) *Poller {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		refresher: r,
		cfg:       cfg,
		scheduler: gocron.NewScheduler(time.UTC),
		logger:    logger,
	}
}

// Start runs the initial cycle in the background and schedules the rest. ctx bounds every cycle.
func (p *Poller) Start(ctx context.Context) error {
	if p.cfg.Interval <= 0 {
		return fmt.Errorf("poll interval must be > 0, got %v", p.cfg.Interval)
	}
	p.mu.Lock()
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	if _, err := p.scheduler.Every(p.cfg.Interval).WaitForSchedule().Do(func() {
		p.RunOnce(ctx)
	}); err != nil {
		p.cancel()
		return fmt.Errorf("schedule poll cycle: %w", err)
	}

	go p.RunOnce(ctx)
	p.scheduler.StartAsync()
	p.logger.Info("poller started", zap.Duration("interval", p.cfg.Interval), zap.Int("concurrency", p.cfg.Concurrency))
	return nil
}

// Stop cancels the running cycle, stops the schedule and waits for the cycle to return.
// No cycle starts after Stop returns.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	p.scheduler.Stop()
	if cancel != nil {
		cancel()
	}
	p.cycles.Wait()
	p.logger.Info("poller stopped")
}

// Running reports whether a cycle is in progress.
func (p *Poller) Running() bool {
	return p.running.Load()
}

// RunOnce runs one cycle unless another is in progress. After Stop, or once ctx
// is done, it returns a skipped result. One location's failure never affects the others.
func (p *Poller) RunOnce(ctx context.Context) CycleResult {
	if !p.enter(ctx) {
		observability.PollCyclesTotal.WithLabelValues("skipped").Inc()
		p.logger.Debug("poller stopped or context done, skipping trigger")
		return CycleResult{Skipped: true}
	}
	defer p.cycles.Done()

	if !p.running.CompareAndSwap(false, true) {
		observability.PollCyclesTotal.WithLabelValues("skipped").Inc()
		p.logger.Warn("poll cycle still running, skipping trigger")
		return CycleResult{Skipped: true}
	}
	defer p.running.Store(false)

	start := time.Now()
	if p.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.CycleTimeout)
		defer cancel()
	}

	locs, err := p.refresher.TrackedLocations(ctx)
	if err != nil {
		observability.PollCyclesTotal.WithLabelValues("error").Inc()
		p.logger.Error("poll cycle could not list tracked locations", zap.Error(err))
		return CycleResult{Duration: time.Since(start)}
	}

	var refreshed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, loc := range locs {
		g.Go(func() error {
			if _, err := p.refresher.Refresh(gctx, loc); err != nil {
				failed.Add(1)
				observability.PollLocationsTotal.WithLabelValues("failed").Inc()
				p.logger.Warn("location refresh failed",
					zap.String("location", loc.Name),
					zap.String("category", categorize(err)),
					zap.Error(err),
				)
				return nil
			}
			refreshed.Add(1)
			observability.PollLocationsTotal.WithLabelValues("refreshed").Inc()
			return nil
		})
	}
	_ = g.Wait()

	res := CycleResult{
		Locations: len(locs),
		Refreshed: int(refreshed.Load()),
		Failed:    int(failed.Load()),
		Duration:  time.Since(start),
	}
	observability.PollCyclesTotal.WithLabelValues("completed").Inc()
	observability.PollCycleDuration.Observe(res.Duration.Seconds())
	p.logger.Info("poll cycle completed",
		zap.Int("locations", res.Locations),
		zap.Int("refreshed", res.Refreshed),
		zap.Int("failed", res.Failed),
		zap.Duration("duration", res.Duration),
	)
	return res
}

// enter registers a cycle with Stop's wait group. It refuses once Stop has been called,
// so Add never races Wait.
func (p *Poller) enter(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || ctx.Err() != nil {
		return false
	}
	p.cycles.Add(1)
	return true
}

func categorize(err error) string {
	if errors.Is(err, client.ErrUpstreamUnavailable) || errors.Is(err, client.ErrUpstreamMalformed) {
		return string(client.CategorizeError(err))
	}
	return "store"
}
