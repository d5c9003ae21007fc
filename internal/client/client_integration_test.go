//go:build integration

package client

import (
	"context"
	"testing"
	"time"

	"github.com/kjstillabower/weather-fanout-service/internal/models"
)

// TestAggregator_LiveUpstreams hits the real Open-Meteo and MET Norway APIs.
// Run with: go test -tags=integration ./internal/client/...
func TestAggregator_LiveUpstreams(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	agg := NewAggregator(
		NewOpenMeteo("", 10*time.Second, BreakerSettings{}, nil),
		NewMetNorway("", "", 10*time.Second, BreakerSettings{}, nil),
		nil,
	)
	obs, err := agg.Fetch(ctx, -17.8292, 31.0522)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(obs.Forecast) != models.ForecastDays {
		t.Errorf("len(Forecast) = %d, want %d", len(obs.Forecast), models.ForecastDays)
	}
	if obs.Current.FetchedAt.IsZero() {
		t.Error("FetchedAt should be set")
	}
}
