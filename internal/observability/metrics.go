package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight (WebSocket upgrades excluded once hijacked).
	HTTPRequestsInFlight prometheus.Gauge

	// Upstream weather API calls per source. Watch for: error vs success ratio per source.
	UpstreamCallsTotal *prometheus.CounterVec

	// Upstream latency. Watch for: p99 near the fetch timeout (poll cycles stretch).
	UpstreamDuration *prometheus.HistogramVec

	// Upstream failures by category (timeout, network, upstream_5xx, malformed, circuit_open).
	UpstreamErrorsTotal *prometheus.CounterVec

	// Circuit breaker transitions per source.
	BreakerTransitionsTotal *prometheus.CounterVec

	// Circuit breaker state per source: 0=closed, 1=half_open, 2=open.
	BreakerState *prometheus.GaugeVec

	// Poll cycles by result (completed, skipped). Skipped means a trigger overlapped a running cycle.
	PollCyclesTotal *prometheus.CounterVec

	// Poll cycle wall time. Watch for: approaching the poll interval.
	PollCycleDuration prometheus.Histogram

	// Per-location refresh outcomes inside poll cycles (refreshed, failed).
	PollLocationsTotal *prometheus.CounterVec

	// On-demand resolve outcomes (fresh_hit, tracked_hit, fetched, error).
	ResolveTotal *prometheus.CounterVec

	// Total weather lookups.
	WeatherQueriesTotal prometheus.Counter

	// Per-location query count (allow-list; others go to "other").
	WeatherQueriesByLocationTotal *prometheus.CounterVec

	// Broadcast calls (one per location update).
	BroadcastsTotal prometheus.Counter

	// Per-subscriber deliveries by result (delivered, failed).
	BroadcastDeliveriesTotal *prometheus.CounterVec

	// Store failures by operation.
	StoreErrorsTotal *prometheus.CounterVec

	// Snapshot cache lookups by result (hit, miss, error).
	CacheLookupsTotal *prometheus.CounterVec

	// Rate limit denials.
	RateLimitDeniedTotal prometheus.Counter

	// queryLocations is the allow-list for per-location query metrics.
	queryLocationsMu sync.RWMutex
	queryLocations   map[string]struct{}

	subscriberGaugeOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	UpstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamCallsTotal",
			Help: "Total number of upstream weather API calls",
		},
		[]string{"source", "status"},
	)
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstreamDurationSeconds",
			Help:    "Upstream weather API latency in seconds (per call)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"source", "status"},
	)
	UpstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamErrorsTotal",
			Help: "Upstream weather API failures by category",
		},
		[]string{"source", "category"},
	)
	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions per upstream source",
		},
		[]string{"source", "from", "to"},
	)
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state per upstream source (0=closed, 1=half_open, 2=open)",
		},
		[]string{"source"},
	)
	PollCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pollCyclesTotal",
			Help: "Background poll cycles by result",
		},
		[]string{"result"},
	)
	PollCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pollCycleDurationSeconds",
			Help:    "Background poll cycle duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
	PollLocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pollLocationsTotal",
			Help: "Tracked location refreshes inside poll cycles by outcome",
		},
		[]string{"outcome"},
	)
	ResolveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolveTotal",
			Help: "On-demand weather resolutions by outcome",
		},
		[]string{"outcome"},
	)
	WeatherQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherQueriesTotal",
			Help: "Total number of weather lookups",
		},
	)
	WeatherQueriesByLocationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherQueriesByLocationTotal",
			Help: "Weather queries by location (allow-list; others use location=other)",
		},
		[]string{"location"},
	)
	BroadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcastsTotal",
			Help: "Total number of location update broadcasts",
		},
	)
	BroadcastDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcastDeliveriesTotal",
			Help: "Per-subscriber broadcast deliveries by result",
		},
		[]string{"result"},
	)
	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeErrorsTotal",
			Help: "Freshness store failures by operation",
		},
		[]string{"op"},
	)
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheLookupsTotal",
			Help: "Weather snapshot cache lookups by result",
		},
		[]string{"result"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		UpstreamCallsTotal, UpstreamDuration, UpstreamErrorsTotal,
		BreakerTransitionsTotal, BreakerState,
		PollCyclesTotal, PollCycleDuration, PollLocationsTotal,
		ResolveTotal, WeatherQueriesTotal, WeatherQueriesByLocationTotal,
		BroadcastsTotal, BroadcastDeliveriesTotal,
		StoreErrorsTotal, CacheLookupsTotal,
		RateLimitDeniedTotal,
	)
}

// RegisterSubscriberGauge exposes the live subscriber count. Only the first call registers.
func RegisterSubscriberGauge(count func() int) {
	subscriberGaugeOnce.Do(func() {
		registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "subscribersConnected",
				Help: "Number of live WebSocket subscribers across all locations",
			},
			func() float64 { return float64(count()) },
		))
	})
}

// BreakerStateValue maps a breaker state name to the circuitBreakerState gauge value.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half-open", "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// RecordBreakerTransition records a breaker transition and updates the state gauge.
func RecordBreakerTransition(source, from, to string) {
	BreakerTransitionsTotal.WithLabelValues(source, from, to).Inc()
	BreakerState.WithLabelValues(source).Set(BreakerStateValue(to))
}

// SetQueryLocations sets the allow-list for location query metrics. Other locations increment "other".
func SetQueryLocations(locations []string) {
	queryLocationsMu.Lock()
	defer queryLocationsMu.Unlock()
	queryLocations = make(map[string]struct{}, len(locations))
	for _, loc := range locations {
		queryLocations[normalizeLocationForMetrics(loc)] = struct{}{}
	}
}

// RecordWeatherQuery records a weather query for the given location.
func RecordWeatherQuery(location string) {
	WeatherQueriesTotal.Inc()
	WeatherQueriesByLocationTotal.WithLabelValues(MetricLocationLabel(location)).Inc()
}

// MetricLocationLabel returns the location itself when allow-listed, otherwise "other".
func MetricLocationLabel(location string) string {
	loc := normalizeLocationForMetrics(location)
	queryLocationsMu.RLock()
	_, ok := queryLocations[loc] // nil map read is safe in Go
	queryLocationsMu.RUnlock()
	if ok {
		return loc
	}
	return "other"
}

func normalizeLocationForMetrics(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
