package http

import (
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-fanout-service/internal/observability"
)

// NewRouter mounts every route. The rate limit and request timeout apply to the
// request/response API only; /ws, /health and /metrics are exempt.
func NewRouter(h *Handler, logger *zap.Logger, limiter *rate.Limiter, requestTimeout time.Duration) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)

	router.HandleFunc("/health", h.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler()).Methods("GET")
	router.HandleFunc("/ws", h.Subscribe).Methods("GET")
	router.HandleFunc("/ws/schema", h.GetUpdateSchema).Methods("GET")

	api := router.NewRoute().Subrouter()
	api.Use(RateLimitMiddleware(limiter))
	if requestTimeout > 0 {
		api.Use(TimeoutMiddleware(requestTimeout))
	}
	api.HandleFunc("/weather", h.GetWeather).Methods("GET")
	api.HandleFunc("/broadcast", h.PostBroadcast).Methods("POST")
	api.HandleFunc("/locations/track", h.TrackLocation).Methods("POST")
	// Registered before /locations/{name} so "tracked" is not taken as a name.
	api.HandleFunc("/locations/tracked", h.ListTracked).Methods("GET")
	api.HandleFunc("/locations/{name}", h.GetLocation).Methods("GET")
	api.HandleFunc("/locations/{name}/track", h.UntrackLocation).Methods("DELETE")
	api.HandleFunc("/notifications", h.PostNotification).Methods("POST")
	api.HandleFunc("/notifications", h.ListNotifications).Methods("GET")
	return router
}
