package client

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMetNorwayURL       = "https://api.met.no/weatherapi/locationforecast/2.0/compact"
	DefaultMetNorwayUserAgent = "weather-fanout-service/1.0 github.com/kjstillabower/weather-fanout-service"
	metNorwayName             = "metno"

	msToKmh = 3.6
)

// MetNorway is the secondary source. It contributes current conditions only.
type MetNorway struct {
	*source
}

// NewMetNorway builds the MET Norway source. The API rejects requests without a User-Agent.
func NewMetNorway(baseURL, userAgent string, timeout time.Duration, bs BreakerSettings, logger *zap.Logger) *MetNorway {
	if baseURL == "" {
		baseURL = DefaultMetNorwayURL
	}
	if userAgent == "" {
		userAgent = DefaultMetNorwayUserAgent
	}
	return &MetNorway{source: newSource(metNorwayName, baseURL, userAgent, timeout, bs, logger)}
}

func (m *MetNorway) Name() string { return m.name }

type metNorwayResponse struct {
	Properties struct {
		Timeseries []struct {
			Time string `json:"time"`
			Data struct {
				Instant struct {
					Details struct {
						AirTemperature   *float64 `json:"air_temperature"`
						WindSpeed        *float64 `json:"wind_speed"`
						RelativeHumidity *float64 `json:"relative_humidity"`
					} `json:"details"`
				} `json:"instant"`
				Next1Hours *struct {
					Summary struct {
						SymbolCode string `json:"symbol_code"`
					} `json:"summary"`
				} `json:"next_1_hours"`
			} `json:"data"`
		} `json:"timeseries"`
	} `json:"properties"`
}

// Current returns the first timeseries entry. Wind speed is converted from m/s to km/h.
func (m *MetNorway) Current(ctx context.Context, lat, lon float64) (Reading, error) {
	params := url.Values{}
	// The API truncates anything past four decimals and caches on the rounded key.
	params.Set("lat", strconv.FormatFloat(lat, 'f', 4, 64))
	params.Set("lon", strconv.FormatFloat(lon, 'f', 4, 64))

	var resp metNorwayResponse
	if err := m.getJSON(ctx, params, &resp); err != nil {
		return Reading{}, err
	}
	if len(resp.Properties.Timeseries) == 0 {
		return Reading{}, m.malformed("empty timeseries")
	}

	entry := resp.Properties.Timeseries[0]
	d := entry.Data.Instant.Details
	if d.AirTemperature == nil || d.WindSpeed == nil || d.RelativeHumidity == nil {
		return Reading{}, m.malformed("instant details incomplete")
	}

	reading := Reading{
		Temperature: *d.AirTemperature,
		WindSpeed:   *d.WindSpeed * msToKmh,
		Humidity:    *d.RelativeHumidity,
	}
	if entry.Data.Next1Hours != nil {
		if code, ok := SymbolToWMO(entry.Data.Next1Hours.Summary.SymbolCode); ok {
			reading.ConditionCode = code
			reading.HasCondition = true
		}
	}
	return reading, nil
}

var symbolWMO = map[string]int{
	"clearsky":          0,
	"fair":              1,
	"partlycloudy":      2,
	"cloudy":            3,
	"fog":               45,
	"lightrain":         61,
	"rain":              63,
	"heavyrain":         65,
	"lightsleet":        66,
	"sleet":             67,
	"heavysleet":        67,
	"lightsnow":         71,
	"snow":              73,
	"heavysnow":         75,
	"lightrainshowers":  80,
	"rainshowers":       81,
	"heavyrainshowers":  82,
	"lightsleetshowers": 81,
	"sleetshowers":      81,
	"heavysleetshowers": 82,
	"lightsnowshowers":  85,
	"snowshowers":       85,
	"heavysnowshowers":  86,
}

// SymbolToWMO maps a MET Norway symbol_code (e.g. "partlycloudy_day") to a WMO weather code.
// Any thunder variant maps to 95.
func SymbolToWMO(symbol string) (int, bool) {
	s := strings.ToLower(strings.TrimSpace(symbol))
	if i := strings.IndexByte(s, '_'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return 0, false
	}
	if strings.Contains(s, "thunder") {
		return 95, true
	}
	code, ok := symbolWMO[s]
	return code, ok
}
