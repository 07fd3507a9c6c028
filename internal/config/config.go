package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/station-forecast-service/internal/locations"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort     string        `validate:"required,numeric"`
	RequestTimeout time.Duration `validate:"gt=0"`

	Timezone       string `validate:"required"`
	DefaultHorizon int    `validate:"min=1"`
	MaxHorizon     int    `validate:"gtefield=DefaultHorizon"`

	Locations []locations.Location `validate:"min=1"`

	RecordsBackend    string `validate:"oneof=csv sqlite"`
	RecordsCSVPath    string
	RecordsSQLitePath string

	PredictorBackend string `validate:"oneof=artifact remote"`
	ArtifactDir      string
	PredictorURL     string
	PredictorAPIKey  string
	PredictorTimeout time.Duration `validate:"gt=0"`
	WarmPredictors   bool

	RetryAttempts  int           `validate:"min=1"`
	RetryBaseDelay time.Duration `validate:"gt=0"`
	RetryMaxDelay  time.Duration `validate:"gtefield=RetryBaseDelay"`

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int           `validate:"min=1"`
	CircuitBreakerSuccessThreshold int           `validate:"min=1"`
	CircuitBreakerTimeout          time.Duration `validate:"gt=0"`

	CacheTTL              time.Duration `validate:"gt=0"`
	CacheBackend          string        `validate:"oneof=in_memory memcached"`
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	CoalesceEnabled       bool
	CoalesceTimeout       time.Duration

	WarmCache    bool
	WarmSchedule string
	WarmTimeout  time.Duration

	AlertsEnabled bool
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaTimeout  time.Duration

	RateLimitRPS   int `validate:"min=0"`
	RateLimitBurst int `validate:"min=0"`

	LocationMinLength int `validate:"min=1"`
	LocationMaxLength int `validate:"gtefield=LocationMinLength"`

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	OverloadWindow       time.Duration
	OverloadThresholdPct int `validate:"min=0,max=100"`
	DegradedWindow       time.Duration
	DegradedErrorPct     int `validate:"min=0,max=100"`

	TrackedLocations []string
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Forecast struct {
		Timezone       string `yaml:"timezone"`
		DefaultHorizon int    `yaml:"default_horizon"`
		MaxHorizon     int    `yaml:"max_horizon"`
	} `yaml:"forecast"`

	Locations []struct {
		ID       string `yaml:"id"`
		Artifact string `yaml:"artifact"`
	} `yaml:"locations"`

	Records struct {
		Backend    string `yaml:"backend"`
		CSVPath    string `yaml:"csv_path"`
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"records"`

	Predictor struct {
		Backend     string `yaml:"backend"`
		ArtifactDir string `yaml:"artifact_dir"`
		URL         string `yaml:"url"`
		Timeout     string `yaml:"timeout"`
		WarmOnStart bool   `yaml:"warm_on_start"`
	} `yaml:"predictor"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Coalesce struct {
			Enabled bool   `yaml:"enabled"`
			Timeout string `yaml:"timeout"`
		} `yaml:"coalesce"`
		Warm struct {
			Enabled  bool   `yaml:"enabled"`
			Schedule string `yaml:"schedule"`
			Timeout  string `yaml:"timeout"`
		} `yaml:"warm"`
	} `yaml:"cache"`

	Alerts struct {
		Enabled bool `yaml:"enabled"`
		Kafka   struct {
			Brokers []string `yaml:"brokers"`
			Topic   string   `yaml:"topic"`
			Timeout string   `yaml:"timeout"`
		} `yaml:"kafka"`
	} `yaml:"alerts"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CircuitBreaker   struct {
			Enabled          bool   `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Validation struct {
		LocationMinLength int `yaml:"location_min_length"`
		LocationMaxLength int `yaml:"location_max_length"`
	} `yaml:"validation"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`

	Metrics struct {
		TrackedLocations []string `yaml:"tracked_locations"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	PredictorAPIKey string `yaml:"predictor_api_key"`
}

var validate = validator.New()

// Load reads .env (optional), then config/{ENV_NAME}.yaml (default dev) and
// config/secrets.yaml. Env vars override file values. Call from project root.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = envOr("SERVER_PORT", fc.Server.Port)
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)

	cfg.Timezone = envOr("FORECAST_TIMEZONE", fc.Forecast.Timezone)
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	cfg.DefaultHorizon = fc.Forecast.DefaultHorizon
	if cfg.DefaultHorizon <= 0 {
		cfg.DefaultHorizon = 7
	}
	cfg.MaxHorizon = fc.Forecast.MaxHorizon
	if cfg.MaxHorizon <= 0 {
		cfg.MaxHorizon = 14
	}

	if len(fc.Locations) == 0 {
		cfg.Locations = append([]locations.Location(nil), locations.Defaults...)
	} else {
		for _, l := range fc.Locations {
			cfg.Locations = append(cfg.Locations, locations.Location{ID: l.ID, Artifact: l.Artifact})
		}
	}

	cfg.RecordsBackend = lower(envOr("RECORDS_BACKEND", fc.Records.Backend))
	if cfg.RecordsBackend == "" {
		cfg.RecordsBackend = "csv"
	}
	cfg.RecordsCSVPath = envOr("RECORDS_CSV_PATH", fc.Records.CSVPath)
	if cfg.RecordsCSVPath == "" {
		cfg.RecordsCSVPath = "data/weather.csv"
	}
	cfg.RecordsSQLitePath = envOr("RECORDS_SQLITE_PATH", fc.Records.SQLitePath)
	if cfg.RecordsSQLitePath == "" {
		cfg.RecordsSQLitePath = "data/records.db"
	}

	cfg.PredictorBackend = lower(envOr("PREDICTOR_BACKEND", fc.Predictor.Backend))
	if cfg.PredictorBackend == "" {
		cfg.PredictorBackend = "artifact"
	}
	cfg.ArtifactDir = strings.TrimSpace(fc.Predictor.ArtifactDir)
	if cfg.ArtifactDir == "" {
		cfg.ArtifactDir = "."
	}
	cfg.PredictorURL = envOr("PREDICTOR_URL", fc.Predictor.URL)
	cfg.PredictorTimeout = parseDuration(fc.Predictor.Timeout, 2*time.Second)
	cfg.WarmPredictors = fc.Predictor.WarmOnStart

	cfg.PredictorAPIKey = os.Getenv("PREDICTOR_API_KEY")
	if cfg.PredictorAPIKey == "" {
		key, err := loadAPIKeyFromSecrets(cwd)
		if err != nil {
			return nil, err
		}
		cfg.PredictorAPIKey = key
	}

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}
	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = cb.Enabled
	cfg.CircuitBreakerFailureThreshold = cb.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = cb.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 30*time.Second)

	cfg.CacheTTL = parseDuration(fc.Cache.TTL, time.Hour)
	cfg.CacheBackend = lower(envOr("CACHE_BACKEND", fc.Cache.Backend))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.MemcachedAddrs = envOr("MEMCACHED_ADDRS", fc.Cache.Memcached.Addrs)
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.CoalesceEnabled = fc.Cache.Coalesce.Enabled
	cfg.CoalesceTimeout = parseDuration(fc.Cache.Coalesce.Timeout, 10*time.Second)
	cfg.WarmCache = fc.Cache.Warm.Enabled
	cfg.WarmSchedule = strings.TrimSpace(fc.Cache.Warm.Schedule)
	if cfg.WarmSchedule == "" {
		cfg.WarmSchedule = "5 0 * * *"
	}
	cfg.WarmTimeout = parseDuration(fc.Cache.Warm.Timeout, 30*time.Second)

	cfg.AlertsEnabled = fc.Alerts.Enabled
	cfg.KafkaBrokers = fc.Alerts.Kafka.Brokers
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.KafkaBrokers = strings.Split(v, ",")
	}
	cfg.KafkaTopic = envOr("KAFKA_TOPIC", fc.Alerts.Kafka.Topic)
	if cfg.KafkaTopic == "" {
		cfg.KafkaTopic = "forecast-alerts"
	}
	cfg.KafkaTimeout = parseDuration(fc.Alerts.Kafka.Timeout, 5*time.Second)

	cfg.LocationMinLength = fc.Validation.LocationMinLength
	if cfg.LocationMinLength <= 0 {
		cfg.LocationMinLength = 1
	}
	cfg.LocationMaxLength = fc.Validation.LocationMaxLength
	if cfg.LocationMaxLength <= 0 {
		cfg.LocationMaxLength = 100
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Lifecycle.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}

	cfg.TrackedLocations = fc.Metrics.TrackedLocations
	if len(cfg.TrackedLocations) == 0 {
		for _, l := range cfg.Locations {
			cfg.TrackedLocations = append(cfg.TrackedLocations, l.ID)
		}
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// TimeLocation returns the forecast timezone. Valid after Load.
func (c *Config) TimeLocation() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func loadAPIKeyFromSecrets(cwd string) (string, error) {
	secretsPath := filepath.Join(cwd, "config", "secrets.yaml")
	data, err := os.ReadFile(secretsPath)
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
	return sec.PredictorAPIKey, nil
}

func envOr(key, fileVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(fileVal)
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// validateConfig runs struct tag validation, then the cross-field checks the
// tags cannot express. RequestTimeout is raised above PredictorTimeout when needed.
func validateConfig(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("forecast.timezone %q: %w", cfg.Timezone, err)
	}
	if _, err := locations.NewTable(cfg.Locations); err != nil {
		return fmt.Errorf("invalid locations: %w", err)
	}
	switch cfg.RecordsBackend {
	case "csv":
		if cfg.RecordsCSVPath == "" {
			return fmt.Errorf("records.csv_path is required for csv backend")
		}
	case "sqlite":
		if cfg.RecordsSQLitePath == "" {
			return fmt.Errorf("records.sqlite_path is required for sqlite backend")
		}
	}
	if cfg.PredictorBackend == "remote" && cfg.PredictorURL == "" {
		return fmt.Errorf("PREDICTOR_URL required for remote predictor backend (set env or predictor.url)")
	}
	if cfg.AlertsEnabled && len(cfg.KafkaBrokers) == 0 {
		return fmt.Errorf("alerts.kafka.brokers required when alerts are enabled")
	}
	if cfg.RequestTimeout <= cfg.PredictorTimeout {
		cfg.RequestTimeout = cfg.PredictorTimeout + time.Second
	}
	return nil
}
