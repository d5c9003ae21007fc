package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-fanout-service/internal/models"
)

const (
	DefaultOpenMeteoURL = "https://api.open-meteo.com/v1/forecast"
	openMeteoName       = "openmeteo"
)

// OpenMeteo is the primary source: current conditions plus the daily forecast.
type OpenMeteo struct {
	*source
}

func NewOpenMeteo(baseURL string, timeout time.Duration, bs BreakerSettings, logger *zap.Logger) *OpenMeteo {
	if baseURL == "" {
		baseURL = DefaultOpenMeteoURL
	}
	return &OpenMeteo{source: newSource(openMeteoName, baseURL, "", timeout, bs, logger)}
}

func (o *OpenMeteo) Name() string { return o.name }

type openMeteoResponse struct {
	Current *struct {
		Temperature *float64 `json:"temperature_2m"`
		Humidity    *float64 `json:"relative_humidity_2m"`
		WindSpeed   *float64 `json:"wind_speed_10m"`
		WeatherCode *float64 `json:"weather_code"`
	} `json:"current"`
	Daily *struct {
		Time        []string   `json:"time"`
		WeatherCode []*float64 `json:"weather_code"`
		MaxTemp     []*float64 `json:"temperature_2m_max"`
		MinTemp     []*float64 `json:"temperature_2m_min"`
	} `json:"daily"`
}

// Observe fetches current conditions and exactly models.ForecastDays daily entries.
func (o *OpenMeteo) Observe(ctx context.Context, lat, lon float64) (Reading, []models.DailyForecastEntry, error) {
	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(lon, 'f', -1, 64))
	params.Set("current", "temperature_2m,relative_humidity_2m,wind_speed_10m,weather_code")
	params.Set("daily", "weather_code,temperature_2m_max,temperature_2m_min")
	params.Set("forecast_days", strconv.Itoa(models.ForecastDays))
	params.Set("timezone", "auto")
	params.Set("wind_speed_unit", "kmh")

	var resp openMeteoResponse
	if err := o.getJSON(ctx, params, &resp); err != nil {
		return Reading{}, nil, err
	}

	reading, err := o.mapCurrent(resp)
	if err != nil {
		return Reading{}, nil, err
	}
	forecast, err := o.mapDaily(resp)
	if err != nil {
		return Reading{}, nil, err
	}
	return reading, forecast, nil
}

func (o *OpenMeteo) mapCurrent(resp openMeteoResponse) (Reading, error) {
	c := resp.Current
	if c == nil || c.Temperature == nil || c.Humidity == nil || c.WindSpeed == nil || c.WeatherCode == nil {
		return Reading{}, o.malformed("current block incomplete")
	}
	return Reading{
		Temperature:   *c.Temperature,
		WindSpeed:     *c.WindSpeed,
		Humidity:      *c.Humidity,
		ConditionCode: int(*c.WeatherCode),
		HasCondition:  true,
	}, nil
}

func (o *OpenMeteo) mapDaily(resp openMeteoResponse) ([]models.DailyForecastEntry, error) {
	d := resp.Daily
	if d == nil {
		return nil, o.malformed("daily block missing")
	}
	n := len(d.Time)
	if n != models.ForecastDays {
		return nil, o.malformed(fmt.Sprintf("daily window has %d days, want %d", n, models.ForecastDays))
	}
	if len(d.WeatherCode) != n || len(d.MaxTemp) != n || len(d.MinTemp) != n {
		return nil, o.malformed("daily arrays differ in length")
	}

	forecast := make([]models.DailyForecastEntry, 0, n)
	for i := 0; i < n; i++ {
		if d.WeatherCode[i] == nil || d.MaxTemp[i] == nil || d.MinTemp[i] == nil {
			return nil, o.malformed(fmt.Sprintf("daily entry %d incomplete", i))
		}
		if _, err := time.Parse("2006-01-02", d.Time[i]); err != nil {
			return nil, o.malformed(fmt.Sprintf("daily entry %d date %q", i, d.Time[i]))
		}
		forecast = append(forecast, models.DailyForecastEntry{
			Date:          d.Time[i],
			MaxTemp:       *d.MaxTemp[i],
			MinTemp:       *d.MinTemp[i],
			ConditionCode: int(*d.WeatherCode[i]),
		})
	}
	return forecast, nil
}
