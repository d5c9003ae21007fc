package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/invopop/jsonschema"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-fanout-service/internal/broadcast"
	"github.com/kjstillabower/weather-fanout-service/internal/client"
	"github.com/kjstillabower/weather-fanout-service/internal/lifecycle"
	"github.com/kjstillabower/weather-fanout-service/internal/models"
	"github.com/kjstillabower/weather-fanout-service/internal/registry"
	"github.com/kjstillabower/weather-fanout-service/internal/service"
	"github.com/kjstillabower/weather-fanout-service/internal/store"
	"github.com/kjstillabower/weather-fanout-service/internal/subscriber"
	"github.com/kjstillabower/weather-fanout-service/internal/traffic"
	"github.com/kjstillabower/weather-fanout-service/internal/validation"
)

const serviceName = "weather-fanout-service"

// HealthConfig holds thresholds and dependency probes for the health handler.
type HealthConfig struct {
	// DegradedWindow and DegradedErrorPct: upstream refresh failure rate that reports degraded.
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// OverloadWindow and OverloadDenials: rate-limit denials within the window that report overloaded (0 = off).
	OverloadWindow  time.Duration
	OverloadDenials int
	Version         string
	// StorePing is required; a failing store makes the service unhealthy.
	StorePing func(ctx context.Context) error
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
}

// Options tunes request validation and subscriber connections.
type Options struct {
	LocationMinLength int
	LocationMaxLength int
	Subscriber        subscriber.Options
	// CheckOrigin overrides the upgrader's same-origin check. Nil accepts any origin.
	CheckOrigin func(r *http.Request) bool
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weatherService   *service.WeatherService
	broadcaster      *broadcast.Broadcaster
	registry         *registry.Registry
	healthConfig     *HealthConfig
	logger           *zap.Logger
	opts             Options
	validate         *validator.Validate
	upgrader         websocket.Upgrader
	schemaOnce       sync.Once
	schema           []byte
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	weatherService *service.WeatherService,
	broadcaster *broadcast.Broadcaster,
	reg *registry.Registry,
	healthConfig *HealthConfig,
	logger *zap.Logger,
	opts Options,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.LocationMaxLength <= 0 {
		opts.LocationMaxLength = 100
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		weatherService: weatherService,
		broadcaster:    broadcaster,
		registry:       reg,
		healthConfig:   healthConfig,
		logger:         logger,
		opts:           opts,
		validate:       validation.New(opts.LocationMinLength, opts.LocationMaxLength),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

type weatherQuery struct {
	Location string  `validate:"location"`
	Lat      float64 `validate:"latitude"`
	Lon      float64 `validate:"longitude"`
}

// GetWeather handles GET /weather?location=&lat=&lon=.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lon, lonErr := strconv.ParseFloat(q.Get("lon"), 64)
	if latErr != nil || lonErr != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "lat and lon are required numbers")
		return
	}
	req := weatherQuery{Location: q.Get("location"), Lat: lat, Lon: lon}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", validation.Message(err))
		return
	}

	view, err := h.weatherService.Resolve(r.Context(), req.Location, req.Lat, req.Lon)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type trackRequest struct {
	Location string  `json:"location" validate:"location"`
	Lat      float64 `json:"lat" validate:"latitude"`
	Lon      float64 `json:"lon" validate:"longitude"`
}

// TrackLocation handles POST /locations/track.
func (h *Handler) TrackLocation(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if !h.decode(w, r, &req) {
		return
	}
	loc, err := h.weatherService.Track(r.Context(), req.Location, req.Lat, req.Lon)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

// UntrackLocation handles DELETE /locations/{name}/track.
func (h *Handler) UntrackLocation(w http.ResponseWriter, r *http.Request) {
	loc, err := h.weatherService.Untrack(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

// GetLocation handles GET /locations/{name}.
func (h *Handler) GetLocation(w http.ResponseWriter, r *http.Request) {
	loc, err := h.weatherService.Lookup(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

// ListTracked handles GET /locations/tracked. Stored data only; never fetches.
func (h *Handler) ListTracked(w http.ResponseWriter, r *http.Request) {
	tracked, err := h.weatherService.Tracked(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"locations": tracked,
		"count":     len(tracked),
	})
}

type broadcastRequest struct {
	Location string         `json:"location" validate:"location"`
	Data     *broadcastData `json:"data" validate:"required"`
}

type broadcastData struct {
	Temperature   float64    `json:"temperature"`
	WindSpeed     float64    `json:"windSpeed" validate:"gte=0"`
	Humidity      float64    `json:"humidity" validate:"gte=0,lte=100"`
	ConditionCode int        `json:"conditionCode" validate:"gte=0"`
	UpdatedAt     *time.Time `json:"updatedAt"`
}

// PostBroadcast handles POST /broadcast: an externally produced update pushed to a location's subscribers.
func (h *Handler) PostBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if !h.decode(w, r, &req) {
		return
	}
	updatedAt := time.Now().UTC()
	if req.Data.UpdatedAt != nil {
		updatedAt = req.Data.UpdatedAt.UTC()
	}
	res, err := h.broadcaster.Publish(r.Context(), models.Update{
		Temperature:   req.Data.Temperature,
		WindSpeed:     req.Data.WindSpeed,
		Humidity:      req.Data.Humidity,
		ConditionCode: req.Data.ConditionCode,
		UpdatedAt:     updatedAt,
		LocationName:  req.Location,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"message":   "Broadcast sent to " + strconv.Itoa(res.Delivered) + " subscriber(s) for " + res.Location,
		"delivered": res.Delivered,
	})
}

// Subscribe handles GET /ws?location=. The connection is upgraded first so a
// missing or invalid location can be refused with close code 1008.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, h.logger)
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	location, err := validation.ValidateLocation(r.URL.Query().Get("location"), h.opts.LocationMinLength, h.opts.LocationMaxLength)
	if err != nil {
		logger.Debug("subscriber rejected", zap.Error(err))
		_ = subscriber.RejectPolicy(ws, err.Error(), h.opts.Subscriber.WriteWait)
		return
	}

	conn := subscriber.New(ws, location, h.opts.Subscriber, logger)
	conn.Run(r.Context(), h.registry)
}

// GetUpdateSchema handles GET /ws/schema: the JSON Schema of pushed messages.
func (h *Handler) GetUpdateSchema(w http.ResponseWriter, r *http.Request) {
	h.schemaOnce.Do(func() {
		reflector := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
		schema := reflector.Reflect(&models.Update{})
		schema.Version = ""
		schema.Title = "Weather update"
		h.schema, _ = json.Marshal(schema)
	})
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.schema)
}

type notificationRequest struct {
	Location string `json:"location" validate:"location"`
	Message  string `json:"message" validate:"required,max=500"`
}

// PostNotification handles POST /notifications.
func (h *Handler) PostNotification(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if !h.decode(w, r, &req) {
		return
	}
	n, err := h.weatherService.AddNotification(r.Context(), req.Location, req.Message)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

// ListNotifications handles GET /notifications?limit=. Newest first, 50 by default.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	list, err := h.weatherService.Notifications(r.Context(), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": list,
	})
}

// decode reads a JSON body into dst and validates it. On failure it writes a 400 and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", validation.Message(err))
		return false
	}
	return true
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	version := "dev"
	if h.healthConfig != nil && h.healthConfig.Version != "" {
		version = h.healthConfig.Version
	}
	resp := map[string]interface{}{
		"status":      result.status,
		"service":     serviceName,
		"version":     version,
		"checks":      result.checks,
		"subscribers": h.registry.Count(),
		"uptime":      lifecycle.Uptime().Truncate(time.Second).String(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > unhealthy (store) > overloaded > degraded (upstream failure rate) > healthy.
// Dependency checks are always filled in so the response shows every probe.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	checks := map[string]string{"store": "healthy", "upstream": "healthy"}
	var storeErr error
	if h.healthConfig != nil && h.healthConfig.StorePing != nil {
		storeErr = h.healthConfig.StorePing(ctx)
		if storeErr != nil {
			checks["store"] = "unhealthy"
		}
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	upstreamDegraded := false
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		failures, total := traffic.FailureRate(h.healthConfig.DegradedWindow)
		if total > 0 && float64(failures)*100/float64(total) >= float64(h.healthConfig.DegradedErrorPct) {
			upstreamDegraded = true
			checks["upstream"] = "unhealthy"
		}
	}

	switch {
	case lifecycle.IsShuttingDown():
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", checks}
	case storeErr != nil:
		return healthResult{"unhealthy", http.StatusServiceUnavailable, "store_unreachable", checks}
	case h.healthConfig != nil && h.healthConfig.OverloadDenials > 0 &&
		traffic.DenialCount(h.healthConfig.OverloadWindow) >= h.healthConfig.OverloadDenials:
		return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold", checks}
	case upstreamDegraded:
		// Stored data is still served, so degraded stays 200.
		return healthResult{"degraded", http.StatusOK, "upstream_error_rate", checks}
	}
	return healthResult{"healthy", http.StatusOK, "", checks}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID, _ := r.Context().Value("correlation_id").(string)
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeServiceError maps a service or store error onto a status and error code.
// The underlying error is logged at DEBUG, or WARN for unexpected failures.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := requestLogger(r, nil)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "Location not found")
	case errors.Is(err, store.ErrInvalidLocation):
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "location is required")
	case errors.Is(err, client.ErrUpstreamMalformed):
		writeError(w, r, http.StatusBadGateway, "UPSTREAM_MALFORMED", "Weather provider returned an invalid response")
	case errors.Is(err, client.ErrUpstreamUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather data")
	case errors.Is(err, store.ErrStoreUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Weather store unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "Request timed out")
	default:
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "Internal error")
		logger.Warn("unexpected handler error", zap.Error(err))
		return
	}
	logger.Debug("request failed", zap.Error(err))
}

func requestLogger(r *http.Request, fallback *zap.Logger) *zap.Logger {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return zap.NewNop()
}
