package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string
	Version    string

	PollInterval     time.Duration
	PollConcurrency  int
	PollCycleTimeout time.Duration
	FreshnessWindow  time.Duration
	CoalesceTimeout  time.Duration

	OpenMeteoURL       string
	MetNorwayEnabled   bool
	MetNorwayURL       string
	MetNorwayUserAgent string
	UpstreamTimeout    time.Duration

	BreakerMaxRequests      uint32
	BreakerInterval         time.Duration
	BreakerTimeout          time.Duration
	BreakerFailureThreshold uint32

	StoreBackend      string // "memory", "postgres" or "mysql"
	DatabaseDSN       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	AutoMigrate       bool

	CacheBackend          string // "none", "in_memory" or "memcached"
	CacheTTL              time.Duration
	WarmCache             bool
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RequestTimeout    time.Duration
	RateLimitRPS      int
	RateLimitBurst    int
	LocationMinLength int
	LocationMaxLength int

	SubscriberSendBuffer int
	SubscriberWriteWait  time.Duration
	SubscriberPingPeriod time.Duration

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	DegradedWindow   time.Duration
	DegradedErrorPct int
	OverloadWindow   time.Duration
	OverloadDenials  int

	MetricsLocations []string
}

type fileConfig struct {
	Server struct {
		Port    string `yaml:"port"`
		Version string `yaml:"version"`
	} `yaml:"server"`

	Poller struct {
		IntervalMS   int    `yaml:"interval_ms"`
		Concurrency  int    `yaml:"concurrency"`
		CycleTimeout string `yaml:"cycle_timeout"`
	} `yaml:"poller"`

	Freshness struct {
		WindowMinutes   int    `yaml:"window_minutes"`
		CoalesceTimeout string `yaml:"coalesce_timeout"`
	} `yaml:"freshness"`

	Upstream struct {
		Timeout   string `yaml:"timeout"`
		OpenMeteo struct {
			URL string `yaml:"url"`
		} `yaml:"openmeteo"`
		MetNorway struct {
			Enabled   *bool  `yaml:"enabled"`
			URL       string `yaml:"url"`
			UserAgent string `yaml:"user_agent"`
		} `yaml:"metno"`
		Breaker struct {
			MaxRequests      uint32 `yaml:"max_requests"`
			Interval         string `yaml:"interval"`
			Timeout          string `yaml:"timeout"`
			FailureThreshold uint32 `yaml:"failure_threshold"`
		} `yaml:"breaker"`
	} `yaml:"upstream"`

	Store struct {
		Backend         string `yaml:"backend"`
		MaxOpenConns    int    `yaml:"max_open_conns"`
		MaxIdleConns    int    `yaml:"max_idle_conns"`
		ConnMaxLifetime string `yaml:"conn_max_lifetime"`
		AutoMigrate     *bool  `yaml:"auto_migrate"`
	} `yaml:"store"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Warm      *bool  `yaml:"warm"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Request struct {
		Timeout           string `yaml:"timeout"`
		LocationMinLength int    `yaml:"location_min_length"`
		LocationMaxLength int    `yaml:"location_max_length"`
	} `yaml:"request"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Subscribers struct {
		SendBuffer int    `yaml:"send_buffer"`
		WriteWait  string `yaml:"write_wait"`
		PingPeriod string `yaml:"ping_period"`
	} `yaml:"subscribers"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
		OverloadWindow   string `yaml:"overload_window"`
		OverloadDenials  int    `yaml:"overload_denials"`
	} `yaml:"lifecycle"`

	Metrics struct {
		Locations []string `yaml:"locations"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	DatabaseDSN string `yaml:"database_dsn"`
}

// Load reads .env (if present), then config/{ENV_NAME}.yaml (default dev, optional) and
// config/secrets.yaml relative to the working directory. Environment variables override the files.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFrom(cwd)
}

// LoadFrom is Load rooted at dir.
func LoadFrom(dir string) (*Config, error) {
	// Existing environment wins over .env.
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	var fc fileConfig
	configPath := filepath.Join(dir, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "8080")
	cfg.Version = firstNonEmpty(os.Getenv("SERVICE_VERSION"), fc.Server.Version, "dev")

	intervalMS, err := envInt("POLL_INTERVAL_MS", fc.Poller.IntervalMS)
	if err != nil {
		return nil, err
	}
	cfg.PollInterval = 15 * time.Minute
	if intervalMS > 0 {
		cfg.PollInterval = time.Duration(intervalMS) * time.Millisecond
	}
	cfg.PollConcurrency = positiveOr(fc.Poller.Concurrency, 4)
	cfg.PollCycleTimeout = parseDurationOrZero(fc.Poller.CycleTimeout, 0)

	windowMinutes, err := envInt("FRESHNESS_WINDOW_MINUTES", fc.Freshness.WindowMinutes)
	if err != nil {
		return nil, err
	}
	cfg.FreshnessWindow = 15 * time.Minute
	if windowMinutes > 0 {
		cfg.FreshnessWindow = time.Duration(windowMinutes) * time.Minute
	}
	cfg.CoalesceTimeout = parseDurationOrZero(fc.Freshness.CoalesceTimeout, 0)

	cfg.UpstreamTimeout = parseDurationOrZero(fc.Upstream.Timeout, 10*time.Second)
	cfg.OpenMeteoURL = strings.TrimSpace(fc.Upstream.OpenMeteo.URL)
	cfg.MetNorwayEnabled = true
	if fc.Upstream.MetNorway.Enabled != nil {
		cfg.MetNorwayEnabled = *fc.Upstream.MetNorway.Enabled
	}
	cfg.MetNorwayURL = strings.TrimSpace(fc.Upstream.MetNorway.URL)
	cfg.MetNorwayUserAgent = firstNonEmpty(os.Getenv("METNO_USER_AGENT"), fc.Upstream.MetNorway.UserAgent)
	cfg.BreakerMaxRequests = fc.Upstream.Breaker.MaxRequests
	if cfg.BreakerMaxRequests == 0 {
		cfg.BreakerMaxRequests = 1
	}
	cfg.BreakerInterval = parseDuration(fc.Upstream.Breaker.Interval, time.Minute)
	cfg.BreakerTimeout = parseDuration(fc.Upstream.Breaker.Timeout, 30*time.Second)
	cfg.BreakerFailureThreshold = fc.Upstream.Breaker.FailureThreshold
	if cfg.BreakerFailureThreshold == 0 {
		cfg.BreakerFailureThreshold = 5
	}

	cfg.StoreBackend = strings.ToLower(firstNonEmpty(os.Getenv("STORE_BACKEND"), fc.Store.Backend, "memory"))
	cfg.DatabaseDSN = os.Getenv("DATABASE_URL")
	if cfg.DatabaseDSN == "" {
		dsn, err := readSecretDSN(dir)
		if err != nil {
			return nil, err
		}
		cfg.DatabaseDSN = dsn
	}
	cfg.DBMaxOpenConns = positiveOr(fc.Store.MaxOpenConns, 10)
	cfg.DBMaxIdleConns = positiveOr(fc.Store.MaxIdleConns, 5)
	cfg.DBConnMaxLifetime = parseDuration(fc.Store.ConnMaxLifetime, 30*time.Minute)
	cfg.AutoMigrate = true
	if fc.Store.AutoMigrate != nil {
		cfg.AutoMigrate = *fc.Store.AutoMigrate
	}

	cfg.CacheBackend = strings.ToLower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, "none"))
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, time.Hour)
	cfg.WarmCache = true
	if fc.Cache.Warm != nil {
		cfg.WarmCache = *fc.Cache.Warm
	}
	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = positiveOr(fc.Cache.Memcached.MaxIdleConns, 2)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 15*time.Second)
	cfg.LocationMinLength = positiveOr(fc.Request.LocationMinLength, 1)
	cfg.LocationMaxLength = positiveOr(fc.Request.LocationMaxLength, 100)
	cfg.RateLimitRPS = positiveOr(fc.Reliability.RateLimitRPS, 100)
	cfg.RateLimitBurst = positiveOr(fc.Reliability.RateLimitBurst, 250)

	cfg.SubscriberSendBuffer = positiveOr(fc.Subscribers.SendBuffer, 16)
	cfg.SubscriberWriteWait = parseDuration(fc.Subscribers.WriteWait, 10*time.Second)
	cfg.SubscriberPingPeriod = parseDuration(fc.Subscribers.PingPeriod, 30*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 5*time.Minute)
	cfg.DegradedErrorPct = positiveOr(fc.Lifecycle.DegradedErrorPct, 50)
	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, time.Minute)
	cfg.OverloadDenials = fc.Lifecycle.OverloadDenials
	cfg.MetricsLocations = fc.Metrics.Locations

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readSecretDSN(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "config", "secrets.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	return strings.TrimSpace(sec.DatabaseDSN), nil
}

// envInt returns the integer in env var name, or fileVal when the variable is unset.
func envInt(name string, fileVal int) (int, error) {
	s := strings.TrimSpace(os.Getenv(name))
	if s == "" {
		return fileVal, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", name, s)
	}
	return n, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
// Raises RequestTimeout above UpstreamTimeout so a resolve can outlive its fetch.
func validate(cfg *Config) error {
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poller.interval_ms must be positive")
	}
	if cfg.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.UpstreamTimeout {
		cfg.RequestTimeout = cfg.UpstreamTimeout + time.Second
	}
	if cfg.LocationMinLength > cfg.LocationMaxLength {
		return fmt.Errorf("request.location_min_length (%d) exceeds location_max_length (%d)", cfg.LocationMinLength, cfg.LocationMaxLength)
	}
	switch cfg.StoreBackend {
	case "memory":
	case "postgres", "mysql":
		if cfg.DatabaseDSN == "" {
			return fmt.Errorf("store.backend %s requires DATABASE_URL (env or config/secrets.yaml database_dsn)", cfg.StoreBackend)
		}
	default:
		return fmt.Errorf("store.backend must be memory, postgres or mysql, got %q", cfg.StoreBackend)
	}
	switch cfg.CacheBackend {
	case "none", "in_memory", "memcached":
	default:
		return fmt.Errorf("cache.backend must be none, in_memory or memcached, got %q", cfg.CacheBackend)
	}
	return nil
}
