package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const BackendMemory = "memory"

// Config selects and configures a backend.
type Config struct {
	Backend         string // memory, postgres, mysql
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// Open builds the configured backend. SQL backends are pinged and optionally migrated first.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case "", BackendMemory:
		logger.Info("using in-memory store")
		return NewMemoryStore(), nil
	case DriverPostgres, DriverMySQL:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("store backend %s requires a DSN", backend)
		}
		if cfg.AutoMigrate {
			if err := Migrate(backend, cfg.DSN, logger); err != nil {
				return nil, err
			}
		}
		return OpenSQL(ctx, SQLConfig{
			Driver:          backend,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
