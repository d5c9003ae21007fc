package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	httphandler "github.com/kjstillabower/weather-fanout-service/internal/http"
	"github.com/kjstillabower/weather-fanout-service/internal/lifecycle"
	"github.com/kjstillabower/weather-fanout-service/internal/observability"
	"github.com/kjstillabower/weather-fanout-service/internal/subscriber"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server with the background poller",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger, cfg, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup", zap.Error(err))
		return err
	}

	healthConfig := &httphandler.HealthConfig{
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		OverloadWindow:   cfg.OverloadWindow,
		OverloadDenials:  cfg.OverloadDenials,
		Version:          cfg.Version,
		StorePing:        a.store.Ping,
	}
	if a.memcached != nil {
		healthConfig.CachePing = a.memcached.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(a.service, a.broadcaster, a.registry, healthConfig, observability.Component(logger, "http"), httphandler.Options{
		LocationMinLength: cfg.LocationMinLength,
		LocationMaxLength: cfg.LocationMaxLength,
		Subscriber: subscriber.Options{
			SendBuffer: cfg.SubscriberSendBuffer,
			WriteWait:  cfg.SubscriberWriteWait,
			PingPeriod: cfg.SubscriberPingPeriod,
			ReadLimit:  subscriber.DefaultOptions().ReadLimit,
		},
	})
	router := httphandler.NewRouter(handler, logger, limiter, cfg.RequestTimeout)

	// WebSocket upgrades clear these deadlines on the hijacked connection.
	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	if err := a.poller.Start(context.WithoutCancel(ctx)); err != nil {
		_ = a.close()
		return err
	}

	lifecycle.MarkStarted(time.Now())
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("graceful shutdown triggered")
	case err := <-serveErr:
		logger.Error("server", zap.Error(err))
	}
	stop()

	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("closing subscribers", zap.Int("count", a.registry.Count()))
	a.registry.CloseAll()

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	a.poller.Stop()
	if err := a.close(); err != nil {
		logger.Error("close backends", zap.Error(err))
	}
	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
