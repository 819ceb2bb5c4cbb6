// Package config loads the gateway configuration from a YAML file with
// environment overrides for deployment-sensitive values.
package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/sensorgate/errors"
)

// Config is the root configuration.
type Config struct {
	NATS      NATSConfig      `yaml:"nats"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Attack    AttackConfig    `yaml:"attack"`
	Security  SecurityConfig  `yaml:"security"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// NATSConfig controls the broker connection and stream wiring.
type NATSConfig struct {
	URL         string `yaml:"url"`
	StreamName  string `yaml:"stream_name"`
	DurableName string `yaml:"durable_name"`
	Subject     string `yaml:"subject"`
	ClientName  string `yaml:"client_name"`
}

// RedisConfig controls the shared counter store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RateLimitConfig controls sliding-window admission.
type RateLimitConfig struct {
	MaxRequests int64         `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// AttackConfig controls the anomaly detectors.
type AttackConfig struct {
	MaxLoginAttempts    int64         `yaml:"max_login_attempts"`
	LoginWindow         time.Duration `yaml:"login_window"`
	SuspiciousCountries []string      `yaml:"suspicious_countries"`
	MaxRequestPatterns  int64         `yaml:"max_request_patterns"`
	GeoIPPath           string        `yaml:"geoip_path"`
}

// SecurityConfig controls security event indexing and alerting.
type SecurityConfig struct {
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	WebhookURL    string              `yaml:"webhook_url"`
}

// ElasticsearchConfig controls the security event index.
type ElasticsearchConfig struct {
	Addresses []string `yaml:"addresses"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
}

// WebSocketConfig controls the delivery transport.
type WebSocketConfig struct {
	Port         int           `yaml:"port"`
	Path         string        `yaml:"path"`
	PingInterval time.Duration `yaml:"ping_interval"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// PipelineConfig controls producer behavior.
type PipelineConfig struct {
	MaxBatchSize int `yaml:"max_batch_size"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration defaults applied before file and
// environment values.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:         "nats://localhost:4222",
			StreamName:  "READINGS",
			DurableName: "sensorgate-broadcast",
			Subject:     "readings.>",
			ClientName:  "sensorgate",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		RateLimit: RateLimitConfig{
			MaxRequests: 100,
			Window:      time.Minute,
		},
		Attack: AttackConfig{
			MaxLoginAttempts:   5,
			LoginWindow:        time.Hour,
			MaxRequestPatterns: 100,
		},
		WebSocket: WebSocketConfig{
			Port:         8081,
			Path:         "/ws",
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Pipeline: PipelineConfig{
			MaxBatchSize: 500,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path, merges it over the defaults and applies
// environment overrides. An empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "parse config file")
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides deployment-sensitive values from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("SENSORGATE_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("SENSORGATE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("SENSORGATE_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("SENSORGATE_ES_ADDRESSES"); v != "" {
		c.Security.Elasticsearch.Addresses = strings.Split(v, ",")
	}
	if v := os.Getenv("SENSORGATE_ES_USERNAME"); v != "" {
		c.Security.Elasticsearch.Username = v
	}
	if v := os.Getenv("SENSORGATE_ES_PASSWORD"); v != "" {
		c.Security.Elasticsearch.Password = v
	}
	if v := os.Getenv("SENSORGATE_WEBHOOK_URL"); v != "" {
		c.Security.WebhookURL = v
	}
	if v := os.Getenv("SENSORGATE_GEOIP_PATH"); v != "" {
		c.Attack.GeoIPPath = v
	}
	if v := os.Getenv("SENSORGATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "nats.url is required")
	}
	if c.NATS.StreamName == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "nats.stream_name is required")
	}
	if c.Redis.Addr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "redis.addr is required")
	}
	if c.RateLimit.MaxRequests <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"rate_limit.max_requests must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"rate_limit.window must be positive")
	}
	if c.Attack.MaxLoginAttempts <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"attack.max_login_attempts must be positive")
	}
	if c.Attack.LoginWindow <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"attack.login_window must be positive")
	}
	if c.WebSocket.Port < 1024 || c.WebSocket.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"websocket.port out of range 1024-65535")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1024 || c.Metrics.Port > 65535) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"metrics.port out of range 1024-65535")
	}
	if c.Pipeline.MaxBatchSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"pipeline.max_batch_size must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"logging.level must be one of debug, info, warn, error")
	}
	return nil
}
