package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"demand-forecast/internal/forecast"
	"demand-forecast/pkg/database"
	"demand-forecast/pkg/logging"
	"demand-forecast/pkg/tsa"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Logging   LoggingConfig
	Forecast  ForecastConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// ForecastTimeout bounds one whole forecast batch
	ForecastTimeout time.Duration
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	MonitorInterval time.Duration
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level string
}

// ForecastConfig holds the model settings of the forecast engine
type ForecastConfig struct {
	MinObservations int
	GapPolicy       string
	MaxSpanDays     int
	ShortWeight     float64
	SeasonalWeight  float64
	SeasonalPeriod  int
	MaxIterations   int
	MaxEvaluations  int
}

// CacheConfig holds forecast result cache settings
type CacheConfig struct {
	Enabled bool
	Size    int
	TTL     time.Duration
}

// RateLimitConfig holds the per-process limit on forecast requests
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
}

// LoadConfig reads configuration from the environment. Variables in a .env
// file in the working directory are loaded first when the file exists;
// variables already set in the environment take precedence.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	return FromEnv(os.Getenv)
}

// FromEnv builds the configuration from a variable lookup function
func FromEnv(getenv func(string) string) (*Config, error) {
	e := &envReader{getenv: getenv}

	cfg := &Config{
		Server: ServerConfig{
			Host:            e.str("SERVER_HOST", "0.0.0.0"),
			Port:            e.integer("SERVER_PORT", 8080),
			ReadTimeout:     e.duration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    e.duration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			IdleTimeout:     e.duration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: e.duration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			ForecastTimeout: e.duration("FORECAST_TIMEOUT", 100*time.Second),
		},
		Database: DatabaseConfig{
			Driver:          e.str("DB_DRIVER", "postgres"),
			Host:            e.str("DB_HOST", "localhost"),
			Port:            e.integer("DB_PORT", 5432),
			User:            e.str("DB_USER", "postgres"),
			Password:        e.str("DB_PASSWORD", ""),
			Database:        e.str("DB_NAME", "demand_forecast"),
			SSLMode:         e.str("DB_SSLMODE", "disable"),
			MaxOpenConns:    e.integer("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    e.integer("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: e.duration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: e.duration("DB_CONN_MAX_IDLE_TIME", time.Minute),
			MonitorInterval: e.duration("DB_MONITOR_INTERVAL", 10*time.Second),
		},
		Logging: LoggingConfig{
			Level: strings.ToLower(e.str("LOG_LEVEL", "info")),
		},
		Forecast: ForecastConfig{
			MinObservations: e.integer("FORECAST_MIN_OBSERVATIONS", 2),
			GapPolicy:       strings.ToLower(e.str("FORECAST_GAP_POLICY", "missing")),
			MaxSpanDays:     e.integer("FORECAST_MAX_SPAN_DAYS", 20000),
			ShortWeight:     e.number("FORECAST_SHORT_WEIGHT", 0.7),
			SeasonalWeight:  e.number("FORECAST_SEASONAL_WEIGHT", 0.3),
			SeasonalPeriod:  e.integer("FORECAST_SEASONAL_PERIOD", 12),
			MaxIterations:   e.integer("FORECAST_MAX_ITERATIONS", 400),
			MaxEvaluations:  e.integer("FORECAST_MAX_EVALUATIONS", 800),
		},
		Cache: CacheConfig{
			Enabled: e.boolean("CACHE_ENABLED", true),
			Size:    e.integer("CACHE_SIZE", 1024),
			TTL:     e.duration("CACHE_TTL", 10*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:           e.boolean("RATE_LIMIT_ENABLED", true),
			RequestsPerSecond: e.number("RATE_LIMIT_RPS", 5),
			Burst:             e.integer("RATE_LIMIT_BURST", 10),
		},
	}

	if len(e.errs) > 0 {
		return nil, errors.Join(e.errs...)
	}

	return cfg, nil
}

// Validate checks the configuration for values the services cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port %d", c.Server.Port))
	}
	if c.Server.ForecastTimeout <= 0 {
		errs = append(errs, fmt.Errorf("forecast timeout must be positive, got %s", c.Server.ForecastTimeout))
	}

	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", c.Database.Driver))
	}
	if c.Database.Driver == "postgres" && (c.Database.Port <= 0 || c.Database.Port > 65535) {
		errs = append(errs, fmt.Errorf("invalid database port %d", c.Database.Port))
	}
	if c.Database.Database == "" {
		errs = append(errs, errors.New("database name is required"))
	}
	if c.Database.MaxOpenConns < 1 {
		errs = append(errs, fmt.Errorf("max open connections must be at least 1, got %d", c.Database.MaxOpenConns))
	}
	if c.Database.MaxIdleConns < 0 || c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		errs = append(errs, fmt.Errorf("max idle connections must be between 0 and %d, got %d", c.Database.MaxOpenConns, c.Database.MaxIdleConns))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "fatal":
	default:
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Logging.Level))
	}

	if _, err := c.EngineConfig(); err != nil {
		errs = append(errs, err)
	}

	if c.Cache.Enabled && c.Cache.Size < 1 {
		errs = append(errs, fmt.Errorf("cache size must be at least 1, got %d", c.Cache.Size))
	}

	if c.RateLimit.Enabled {
		if math.IsNaN(c.RateLimit.RequestsPerSecond) || c.RateLimit.RequestsPerSecond <= 0 {
			errs = append(errs, fmt.Errorf("rate limit must be positive, got %v", c.RateLimit.RequestsPerSecond))
		}
		if c.RateLimit.Burst < 1 {
			errs = append(errs, fmt.Errorf("rate limit burst must be at least 1, got %d", c.RateLimit.Burst))
		}
	}

	return errors.Join(errs...)
}

// DatabaseConfig returns the connection settings for database.Open
func (c *Config) DatabaseConfig() *database.Config {
	return &database.Config{
		Driver:          c.Database.Driver,
		Host:            c.Database.Host,
		Port:            c.Database.Port,
		User:            c.Database.User,
		Password:        c.Database.Password,
		Database:        c.Database.Database,
		SSLMode:         c.Database.SSLMode,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
		ConnMaxIdleTime: c.Database.ConnMaxIdleTime,
		MonitorInterval: c.Database.MonitorInterval,
	}
}

// LogLevel returns the configured logger level
func (c *Config) LogLevel() logging.LogLevel {
	return logging.ParseLevel(c.Logging.Level)
}

// EngineConfig converts the forecast settings into a validated engine configuration
func (c *Config) EngineConfig() (forecast.EngineConfig, error) {
	engine := forecast.DefaultEngineConfig()

	policy, err := forecast.ParseGapPolicy(c.Forecast.GapPolicy)
	if err != nil {
		return engine, err
	}

	engine.MinObservations = c.Forecast.MinObservations
	engine.GapPolicy = policy
	engine.MaxSpanDays = c.Forecast.MaxSpanDays
	engine.ShortWeight = c.Forecast.ShortWeight
	engine.SeasonalWeight = c.Forecast.SeasonalWeight
	engine.SeasonalOrder = tsa.SeasonalOrder{
		P:      engine.SeasonalOrder.P,
		D:      engine.SeasonalOrder.D,
		Q:      engine.SeasonalOrder.Q,
		Period: c.Forecast.SeasonalPeriod,
	}
	engine.Fit.MaxIterations = c.Forecast.MaxIterations
	engine.Fit.MaxEvaluations = c.Forecast.MaxEvaluations

	if c.Forecast.SeasonalPeriod < 2 {
		return engine, fmt.Errorf("seasonal period must be at least 2, got %d", c.Forecast.SeasonalPeriod)
	}
	if c.Forecast.MaxIterations < 1 || c.Forecast.MaxEvaluations < 1 {
		return engine, fmt.Errorf("optimizer limits must be positive, got %d iterations and %d evaluations",
			c.Forecast.MaxIterations, c.Forecast.MaxEvaluations)
	}
	if err := engine.Validate(); err != nil {
		return engine, err
	}

	return engine, nil
}

// envReader collects parse errors so every malformed variable is reported at once
type envReader struct {
	getenv func(string) string
	errs   []error
}

func (e *envReader) str(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *envReader) integer(key string, def int) int {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (e *envReader) number(key string, def float64) float64 {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return def
	}
	return f
}

func (e *envReader) boolean(key string, def bool) bool {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}
