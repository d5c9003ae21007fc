package client

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-fanout-service/internal/models"
)

type fakePrimary struct {
	reading  Reading
	forecast []models.DailyForecastEntry
	err      error
}

func (f *fakePrimary) Name() string { return "fake-primary" }

func (f *fakePrimary) Observe(ctx context.Context, lat, lon float64) (Reading, []models.DailyForecastEntry, error) {
	return f.reading, f.forecast, f.err
}

type fakeSecondary struct {
	reading Reading
	err     error
}

func (f *fakeSecondary) Name() string { return "fake-secondary" }

func (f *fakeSecondary) Current(ctx context.Context, lat, lon float64) (Reading, error) {
	return f.reading, f.err
}

func sevenDays() []models.DailyForecastEntry {
	out := make([]models.DailyForecastEntry, models.ForecastDays)
	for i := range out {
		out[i] = models.DailyForecastEntry{Date: fmt.Sprintf("2026-03-%02d", i+1), MaxTemp: 25, MinTemp: 14, ConditionCode: 1}
	}
	return out
}

func fixedNow() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

// TestAggregator_BothSucceed verifies that scalars are averaged, the condition code is the
// rounded mean, and the forecast comes from the primary only.
func TestAggregator_BothSucceed(t *testing.T) {
	primary := &fakePrimary{
		reading:  Reading{Temperature: 22, WindSpeed: 10, Humidity: 40, ConditionCode: 2, HasCondition: true},
		forecast: sevenDays(),
	}
	secondary := &fakeSecondary{reading: Reading{Temperature: 24, WindSpeed: 14, Humidity: 50, ConditionCode: 3, HasCondition: true}}

	agg := NewAggregator(primary, secondary, nil)
	agg.now = fixedNow
	obs, err := agg.Fetch(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	c := obs.Current
	if c.Temperature != 23 || c.WindSpeed != 12 || c.Humidity != 45 {
		t.Errorf("Current = %+v, want averages 23/12/45", c)
	}
	if c.ConditionCode != 3 { // round(2.5) = 3
		t.Errorf("ConditionCode = %d, want 3", c.ConditionCode)
	}
	if !c.FetchedAt.Equal(fixedNow()) {
		t.Errorf("FetchedAt = %v, want %v", c.FetchedAt, fixedNow())
	}
	if len(obs.Forecast) != models.ForecastDays {
		t.Errorf("len(Forecast) = %d, want %d", len(obs.Forecast), models.ForecastDays)
	}
}

func TestAggregator_PrimaryFails(t *testing.T) {
	primary := &fakePrimary{err: fmt.Errorf("%w: boom", ErrUpstreamUnavailable)}
	secondary := &fakeSecondary{reading: Reading{Temperature: 24}}

	_, err := NewAggregator(primary, secondary, nil).Fetch(context.Background(), 1, 2)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("Fetch() error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestAggregator_PrimaryMalformed(t *testing.T) {
	primary := &fakePrimary{err: fmt.Errorf("%w: daily missing", ErrUpstreamMalformed)}

	_, err := NewAggregator(primary, nil, nil).Fetch(context.Background(), 1, 2)
	if !errors.Is(err, ErrUpstreamMalformed) {
		t.Errorf("Fetch() error = %v, want ErrUpstreamMalformed", err)
	}
}

// TestAggregator_SecondaryFails verifies that the primary reading is used alone and the failure is logged.
func TestAggregator_SecondaryFails(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	primary := &fakePrimary{
		reading:  Reading{Temperature: 22, WindSpeed: 10, Humidity: 40, ConditionCode: 2, HasCondition: true},
		forecast: sevenDays(),
	}
	secondary := &fakeSecondary{err: fmt.Errorf("%w: 503", ErrUpstreamUnavailable)}

	obs, err := NewAggregator(primary, secondary, zap.New(core)).Fetch(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if obs.Current.Temperature != 22 || obs.Current.ConditionCode != 2 {
		t.Errorf("Current = %+v, want primary only", obs.Current)
	}
	if logs.FilterMessage("secondary source failed, using primary only").Len() != 1 {
		t.Error("expected a warning for the secondary failure")
	}
}

// TestAggregator_SecondaryWithoutCondition verifies that a secondary lacking a symbol
// contributes scalars but not the condition code.
func TestAggregator_SecondaryWithoutCondition(t *testing.T) {
	primary := &fakePrimary{
		reading:  Reading{Temperature: 20, WindSpeed: 10, Humidity: 60, ConditionCode: 61, HasCondition: true},
		forecast: sevenDays(),
	}
	secondary := &fakeSecondary{reading: Reading{Temperature: 22, WindSpeed: 12, Humidity: 70}}

	obs, err := NewAggregator(primary, secondary, nil).Fetch(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if obs.Current.ConditionCode != 61 {
		t.Errorf("ConditionCode = %d, want 61", obs.Current.ConditionCode)
	}
	if obs.Current.Temperature != 21 {
		t.Errorf("Temperature = %v, want 21", obs.Current.Temperature)
	}
}

func TestAggregator_NoSecondary(t *testing.T) {
	primary := &fakePrimary{reading: Reading{Temperature: 5, HasCondition: true, ConditionCode: 71}, forecast: sevenDays()}

	obs, err := NewAggregator(primary, nil, nil).Fetch(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if obs.Current.Temperature != 5 || obs.Current.ConditionCode != 71 {
		t.Errorf("Current = %+v", obs.Current)
	}
}
