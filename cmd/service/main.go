package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-fanout-service/internal/config"
	"github.com/kjstillabower/weather-fanout-service/internal/observability"
	"github.com/kjstillabower/weather-fanout-service/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envName string
	root := &cobra.Command{
		Use:   "weather-fanout",
		Short: "Weather freshness and subscriber fan-out service",
		Args:  cobra.NoArgs,
		// Running with no subcommand serves.
		RunE:         runServe,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if envName != "" {
				return os.Setenv("ENV_NAME", envName)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envName, "env", "", "config environment; loads config/<env>.yaml (overrides ENV_NAME)")
	root.AddCommand(newServeCmd(), newMigrateCmd(), newPollCmd())
	return root
}

// bootstrap builds the process logger and loads configuration.
func bootstrap() (*zap.Logger, *config.Config, error) {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return nil, nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		logger.Error("config", zap.Error(err))
		return nil, nil, err
	}
	return logger, cfg, nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the configured SQL store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, cfg, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runMigrate(cfg, logger)
		},
	}
}

func runMigrate(cfg *config.Config, logger *zap.Logger) error {
	switch cfg.StoreBackend {
	case store.DriverPostgres, store.DriverMySQL:
		return store.Migrate(cfg.StoreBackend, cfg.DatabaseDSN, observability.Component(logger, "store"))
	default:
		return fmt.Errorf("migrate requires a SQL store backend, got %q", cfg.StoreBackend)
	}
}

func newPollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Run a single refresh cycle over tracked locations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, cfg, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runPoll(cmd.Context(), cfg, logger)
		},
	}
}

func runPoll(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Error("close backends", zap.Error(err))
		}
	}()

	res := a.poller.RunOnce(ctx)
	logger.Info("poll complete",
		zap.Int("locations", res.Locations),
		zap.Int("refreshed", res.Refreshed),
		zap.Int("failed", res.Failed),
		zap.Duration("duration", res.Duration),
	)
	if res.Failed > 0 {
		return fmt.Errorf("%d of %d locations failed to refresh", res.Failed, res.Locations)
	}
	return nil
}
