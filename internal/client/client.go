package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-fanout-service/internal/models"
	"github.com/kjstillabower/weather-fanout-service/internal/observability"
)

// Fetcher retrieves current conditions and the 7-day forecast for a coordinate pair.
// Implementations never return partial results.
type Fetcher interface {
	Fetch(ctx context.Context, lat, lon float64) (models.Observation, error)
}

var (
	// ErrUpstreamUnavailable covers network failures, timeouts, non-2xx responses and open breakers.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamMalformed means the upstream answered but the body could not be decoded or lacked required fields.
	ErrUpstreamMalformed = errors.New("upstream response malformed")

	errCircuitOpen = errors.New("circuit breaker open")
	// errCallerDone marks a request abandoned because the caller's context ended.
	// The breaker counts it as neither a failure nor a trip signal.
	errCallerDone = errors.New("caller context done")
)

// statusError carries the HTTP status of a non-2xx upstream response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.code)
}

// BreakerSettings configures the per-source circuit breaker.
type BreakerSettings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// DefaultBreakerSettings trips after 5 consecutive failures and probes again after 30s.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// source is the shared HTTP plumbing for one upstream API: timeout, breaker, metrics.
type source struct {
	name      string
	baseURL   string
	userAgent string
	timeout   time.Duration
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker
	logger    *zap.Logger
}

func newSource(name, baseURL, userAgent string, timeout time.Duration, bs BreakerSettings, logger *zap.Logger) *source {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bs.FailureThreshold == 0 {
		bs = DefaultBreakerSettings()
	}
	threshold := bs.FailureThreshold
	s := &source{
		name:      name,
		baseURL:   baseURL,
		userAgent: userAgent,
		timeout:   timeout,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: bs.MaxRequests,
		Interval:    bs.Interval,
		Timeout:     bs.Timeout,
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errCallerDone)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.RecordBreakerTransition(name, from.String(), to.String())
			logger.Warn("upstream circuit breaker state change",
				zap.String("source", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return s
}

// getJSON performs a GET against the source and decodes the body into out.
// Transport failures and non-2xx statuses count against the breaker; decode failures
// and requests abandoned by the caller do not.
func (s *source) getJSON(ctx context.Context, params url.Values, out any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, s.name, err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	result, err := s.breaker.Execute(func() (interface{}, error) {
		body, err := s.do(reqCtx, params)
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", errCallerDone, err)
		}
		return body, err
	})
	duration := time.Since(start).Seconds()

	if err != nil {
		status := "error"
		var se *statusError
		switch {
		case errors.As(err, &se):
			status = statusLabel(se.code)
		case errors.Is(err, errCallerDone):
			status = "canceled"
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			status = "circuit_open"
			err = fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, s.name, errCircuitOpen)
		} else {
			err = fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, s.name, err)
		}
		s.record(status, duration, err)
		return err
	}

	body, _ := result.([]byte)
	if err := json.Unmarshal(body, out); err != nil {
		err = fmt.Errorf("%w: %s: parse response: %v", ErrUpstreamMalformed, s.name, err)
		s.record("malformed", duration, err)
		return err
	}
	s.record("success", duration, nil)
	return nil
}

func (s *source) do(ctx context.Context, params url.Values) ([]byte, error) {
	req, err := s.buildRequest(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &statusError{code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}

func (s *source) buildRequest(ctx context.Context, params url.Values) (*http.Request, error) {
	baseURL, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}
	return req, nil
}

func (s *source) record(status string, duration float64, err error) {
	observability.UpstreamCallsTotal.WithLabelValues(s.name, status).Inc()
	observability.UpstreamDuration.WithLabelValues(s.name, status).Observe(duration)
	if err != nil {
		observability.UpstreamErrorsTotal.WithLabelValues(s.name, string(CategorizeError(err))).Inc()
	}
}

// malformed reports a response that decoded but failed schema checks.
// The call itself was already counted as a success by getJSON.
func (s *source) malformed(detail string) error {
	err := fmt.Errorf("%w: %s: %s", ErrUpstreamMalformed, s.name, detail)
	observability.UpstreamErrorsTotal.WithLabelValues(s.name, string(ErrorCategoryMalformed)).Inc()
	return err
}

// BreakerState reports the source's breaker state name (closed, half-open, open).
func (s *source) BreakerState() string {
	return s.breaker.State().String()
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
