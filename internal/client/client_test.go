package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const openMeteoBody = `{
	"current": {"temperature_2m": 22.4, "relative_humidity_2m": 40, "wind_speed_10m": 12.0, "weather_code": 2},
	"daily": {
		"time": ["2026-03-01","2026-03-02","2026-03-03","2026-03-04","2026-03-05","2026-03-06","2026-03-07"],
		"weather_code": [2, 3, 61, 0, 1, 2, 95],
		"temperature_2m_max": [25, 26, 22, 27, 28, 26, 24],
		"temperature_2m_min": [14, 15, 13, 14, 16, 15, 14]
	}
}`

const metNorwayBody = `{
	"properties": {"timeseries": [{
		"time": "2026-03-01T12:00:00Z",
		"data": {
			"instant": {"details": {"air_temperature": 21.6, "wind_speed": 5.0, "relative_humidity": 50}},
			"next_1_hours": {"summary": {"symbol_code": "cloudy_day"}}
		}
	}]}
}`

func newTestServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestOpenMeteo_Observe_Success(t *testing.T) {
	var query string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(openMeteoBody))
	}))
	defer server.Close()

	om := NewOpenMeteo(server.URL, 2*time.Second, BreakerSettings{}, nil)
	reading, forecast, err := om.Observe(context.Background(), -17.83, 31.05)
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	for _, want := range []string{"latitude=-17.83", "longitude=31.05", "forecast_days=7", "timezone=auto", "wind_speed_unit=kmh"} {
		if !strings.Contains(query, want) {
			t.Errorf("query %q missing %q", query, want)
		}
	}
	if reading.Temperature != 22.4 || reading.Humidity != 40 || reading.WindSpeed != 12 || reading.ConditionCode != 2 {
		t.Errorf("reading = %+v", reading)
	}
	if len(forecast) != 7 {
		t.Fatalf("len(forecast) = %d, want 7", len(forecast))
	}
	if forecast[2].Date != "2026-03-03" || forecast[2].ConditionCode != 61 || forecast[2].MaxTemp != 22 || forecast[2].MinTemp != 13 {
		t.Errorf("forecast[2] = %+v", forecast[2])
	}
}

func TestOpenMeteo_Observe_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>`},
		{"missing current", `{"daily": {"time": [], "weather_code": [], "temperature_2m_max": [], "temperature_2m_min": []}}`},
		{"null temperature", strings.Replace(openMeteoBody, `"temperature_2m": 22.4`, `"temperature_2m": null`, 1)},
		{"short window", strings.Replace(openMeteoBody, `,"2026-03-07"]`, `]`, 1)},
		{"ragged arrays", strings.Replace(openMeteoBody, `[2, 3, 61, 0, 1, 2, 95]`, `[2, 3]`, 1)},
		{"null daily value", strings.Replace(openMeteoBody, `[14, 15, 13`, `[14, null, 13`, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(t, http.StatusOK, tt.body)
			om := NewOpenMeteo(server.URL, 2*time.Second, BreakerSettings{}, nil)
			_, _, err := om.Observe(context.Background(), 1, 2)
			if !errors.Is(err, ErrUpstreamMalformed) {
				t.Errorf("Observe() error = %v, want ErrUpstreamMalformed", err)
			}
		})
	}
}

func TestOpenMeteo_Observe_Unavailable(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"500 server error", http.StatusInternalServerError},
		{"503 unavailable", http.StatusServiceUnavailable},
		{"429 rate limited", http.StatusTooManyRequests},
		{"400 bad request", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(t, tt.status, `{}`)
			om := NewOpenMeteo(server.URL, 2*time.Second, BreakerSettings{}, nil)
			_, _, err := om.Observe(context.Background(), 1, 2)
			if !errors.Is(err, ErrUpstreamUnavailable) {
				t.Errorf("Observe() error = %v, want ErrUpstreamUnavailable", err)
			}
		})
	}
}

// TestOpenMeteo_Timeout verifies that a slow upstream is cut off by the fetch timeout.
func TestOpenMeteo_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	om := NewOpenMeteo(server.URL, 50*time.Millisecond, BreakerSettings{}, nil)
	start := time.Now()
	_, _, err := om.Observe(context.Background(), 1, 2)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("Observe() error = %v, want ErrUpstreamUnavailable", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Observe() took %v, want bounded by timeout", time.Since(start))
	}
	if got := CategorizeError(err); got != ErrorCategoryTimeout {
		t.Errorf("CategorizeError() = %q, want timeout", got)
	}
}

// TestSource_BreakerOpens verifies that consecutive failures trip the breaker and
// further calls are rejected without reaching the upstream.
func TestSource_BreakerOpens(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	bs := BreakerSettings{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, FailureThreshold: 2}
	om := NewOpenMeteo(server.URL, time.Second, bs, nil)

	for i := 0; i < 2; i++ {
		_, _, _ = om.Observe(context.Background(), 1, 2)
	}
	if om.BreakerState() != "open" {
		t.Fatalf("BreakerState() = %q, want open", om.BreakerState())
	}

	_, _, err := om.Observe(context.Background(), 1, 2)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("Observe() error = %v, want ErrUpstreamUnavailable", err)
	}
	if CategorizeError(err) != ErrorCategoryCircuitOpen {
		t.Errorf("CategorizeError() = %q, want circuit_open", CategorizeError(err))
	}
	if hits.Load() != 2 {
		t.Errorf("upstream hits = %d, want 2", hits.Load())
	}
}

// TestSource_CallerCancelDoesNotTrip verifies that requests abandoned by the caller,
// as during poller shutdown, leave the breaker closed.
func TestSource_CallerCancelDoesNotTrip(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-r.Context().Done()
	}))
	defer server.Close()

	bs := BreakerSettings{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, FailureThreshold: 2}
	om := NewOpenMeteo(server.URL, 5*time.Second, bs, nil)

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)
		_, _, err := om.Observe(ctx, 1, 2)
		if !errors.Is(err, ErrUpstreamUnavailable) {
			t.Errorf("Observe() error = %v, want ErrUpstreamUnavailable", err)
		}
		cancel()
	}
	if got := om.BreakerState(); got != "closed" {
		t.Errorf("BreakerState() = %q after caller cancellations, want closed", got)
	}

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	before := hits.Load()
	if _, _, err := om.Observe(canceled, 1, 2); !errors.Is(err, context.Canceled) {
		t.Errorf("Observe() with canceled context error = %v, want context.Canceled", err)
	}
	if hits.Load() != before {
		t.Error("Observe() with canceled context reached the upstream")
	}
}

func TestMetNorway_Current(t *testing.T) {
	var ua, query string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(metNorwayBody))
	}))
	defer server.Close()

	mn := NewMetNorway(server.URL, "", 2*time.Second, BreakerSettings{}, nil)
	reading, err := mn.Current(context.Background(), 51.50735, -0.12776)
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if ua != DefaultMetNorwayUserAgent {
		t.Errorf("User-Agent = %q, want default", ua)
	}
	if !strings.Contains(query, "lat=51.5074") || !strings.Contains(query, "lon=-0.1278") {
		t.Errorf("query = %q, want coordinates rounded to 4 decimals", query)
	}
	if reading.Temperature != 21.6 || reading.Humidity != 50 {
		t.Errorf("reading = %+v", reading)
	}
	if reading.WindSpeed != 18 {
		t.Errorf("WindSpeed = %v, want 18 km/h", reading.WindSpeed)
	}
	if !reading.HasCondition || reading.ConditionCode != 3 {
		t.Errorf("condition = %d (has=%v), want 3", reading.ConditionCode, reading.HasCondition)
	}
}

func TestMetNorway_Current_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty timeseries", `{"properties": {"timeseries": []}}`},
		{"missing details", `{"properties": {"timeseries": [{"data": {"instant": {"details": {}}}}]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(t, http.StatusOK, tt.body)
			mn := NewMetNorway(server.URL, "test-agent", 2*time.Second, BreakerSettings{}, nil)
			if _, err := mn.Current(context.Background(), 1, 2); !errors.Is(err, ErrUpstreamMalformed) {
				t.Errorf("Current() error = %v, want ErrUpstreamMalformed", err)
			}
		})
	}
}

func TestSymbolToWMO(t *testing.T) {
	tests := []struct {
		symbol string
		want   int
		ok     bool
	}{
		{"clearsky_day", 0, true},
		{"partlycloudy_night", 2, true},
		{"cloudy", 3, true},
		{"heavyrainshowers_polartwilight", 82, true},
		{"lightssnowshowersandthunder_day", 95, true},
		{"rainandthunder", 95, true},
		{"snow", 73, true},
		{"", 0, false},
		{"volcanicash", 0, false},
	}
	for _, tt := range tests {
		got, ok := SymbolToWMO(tt.symbol)
		if got != tt.want || ok != tt.ok {
			t.Errorf("SymbolToWMO(%q) = (%d, %v), want (%d, %v)", tt.symbol, got, ok, tt.want, tt.ok)
		}
	}
}

func TestExtractCorrelationID_ForwardedAsHeader(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Correlation-ID")
		_, _ = w.Write([]byte(openMeteoBody))
	}))
	defer server.Close()

	om := NewOpenMeteo(server.URL, time.Second, BreakerSettings{}, nil)
	ctx := context.WithValue(context.Background(), "correlation_id", "corr-123")
	if _, _, err := om.Observe(ctx, 1, 2); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if got != "corr-123" {
		t.Errorf("X-Correlation-ID = %q, want corr-123", got)
	}
}

func TestStatusLabel(t *testing.T) {
	tests := map[int]string{200: "success", 204: "success", 429: "rate_limited", 404: "client_error", 503: "server_error", 100: "error"}
	for code, want := range tests {
		if got := statusLabel(code); got != want {
			t.Errorf("statusLabel(%d) = %q, want %q", code, got, want)
		}
	}
}

func ExampleSymbolToWMO() {
	code, _ := SymbolToWMO("partlycloudy_day")
	fmt.Println(code)
	// Output: 2
}
