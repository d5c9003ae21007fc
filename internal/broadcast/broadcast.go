// Package broadcast turns "data changed for location X" events into push
// messages for that location's subscribers.
package broadcast

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-fanout-service/internal/models"
	"github.com/kjstillabower/weather-fanout-service/internal/observability"
	"github.com/kjstillabower/weather-fanout-service/internal/registry"
)

// Result summarises one fan-out.
type Result struct {
	Location  string `json:"location"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
}

type Broadcaster struct {
	registry *registry.Registry
	logger   *zap.Logger
}

func New(reg *registry.Registry, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{registry: reg, logger: logger}
}

// Notify pushes current conditions for location to its subscribers.
func (b *Broadcaster) Notify(ctx context.Context, location string, current models.CurrentConditions) Result {
	res, err := b.Publish(ctx, models.NewUpdate(models.NormalizeLocation(location), current))
	if err != nil {
		b.logger.Error("broadcast encode failed", zap.String("location", location), zap.Error(err))
	}
	return res
}

// Publish sends an already-built update. Failed handles are closed; their
// connection's disconnect path removes them from the registry. Send failures
// never surface as an error.
func (b *Broadcaster) Publish(ctx context.Context, update models.Update) (Result, error) {
	key := models.NormalizeLocation(update.LocationName)
	update.LocationName = key
	res := Result{Location: key}

	payload, err := json.Marshal(update)
	if err != nil {
		return res, fmt.Errorf("encode update: %w", err)
	}

	delivered, failed := b.registry.Broadcast(key, payload)
	res.Delivered = delivered
	res.Failed = len(failed)

	observability.BroadcastsTotal.Inc()
	observability.BroadcastDeliveriesTotal.WithLabelValues("delivered").Add(float64(delivered))
	observability.BroadcastDeliveriesTotal.WithLabelValues("failed").Add(float64(len(failed)))

	for _, h := range failed {
		b.logger.Warn("closing subscriber after failed send",
			zap.String("location", key),
			zap.String("subscriber_id", h.ID()),
		)
		_ = h.Close()
	}

	logger := b.logger
	if id, ok := ctx.Value("correlation_id").(string); ok && id != "" {
		logger = logger.With(zap.String("correlation_id", id))
	}
	logger.Debug("broadcast sent", zap.String("location", key), zap.Int("delivered", delivered), zap.Int("failed", len(failed)))
	return res, nil
}
