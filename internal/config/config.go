// Package config loads and validates application configuration from a YAML
// file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig             `yaml:"server"`
	Auth          AuthConfig               `yaml:"auth"`
	Pipelines     PipelinesConfig          `yaml:"pipelines"`
	Status        StatusStoreConfig        `yaml:"status"`
	Idempotency   IdempotencyConfig        `yaml:"idempotency"`
	Artifacts     ArtifactStoreConfig      `yaml:"artifacts"`
	Services      map[string]ServiceConfig `yaml:"services"`
	Monitor       MonitorConfig            `yaml:"monitor"`
	Observability ObservabilityConfig      `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig describes bearer-token authentication for the ops API.
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
	SecretEnv string `yaml:"secret_env"`
}

// PipelinesConfig describes where pipeline definition YAML files live.
type PipelinesConfig struct {
	Directories []string `yaml:"directories"`
}

// StatusStoreConfig describes workflow status persistence settings.
type StatusStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MinIdleConns    int           `yaml:"min_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Retention       time.Duration `yaml:"retention"`
}

// IdempotencyConfig describes the idempotency guard settings.
type IdempotencyConfig struct {
	// StaleAfter is how long an instance may sit in processing without a
	// status mutation before a new trigger is allowed to take over.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// ArtifactStoreConfig describes the object store holding source documents and
// stage outputs.
type ArtifactStoreConfig struct {
	Driver        string `yaml:"driver"`
	Endpoint      string `yaml:"endpoint"`
	Bucket        string `yaml:"bucket"`
	AccessKeyEnv  string `yaml:"access_key_env"`
	SecretKeyEnv  string `yaml:"secret_key_env"`
	UseSSL        bool   `yaml:"use_ssl"`
	URLExpiryDays int    `yaml:"url_expiry_days"`
}

// ServiceConfig describes one backend stage service (extraction, matching,
// exception management).
type ServiceConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	AuthTokenEnv   string               `yaml:"auth_token_env"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig describes retry settings for transient backend failures.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// CircuitBreakerConfig describes circuit breaker settings per service.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// MonitorConfig describes the SLA monitor settings.
type MonitorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	ScanInterval time.Duration `yaml:"scan_interval"`
	// DedupeTTL bounds how long a breach stays suppressed after an
	// escalation was emitted for it.
	DedupeTTL   time.Duration     `yaml:"dedupe_ttl"`
	DedupeStore DedupeStoreConfig `yaml:"dedupe_store"`
}

// DedupeStoreConfig describes escalation dedupe persistence settings.
type DedupeStoreConfig struct {
	Driver  string `yaml:"driver"`
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Pipelines: PipelinesConfig{
			Directories: []string{"/pipelines"},
		},
		Status: StatusStoreConfig{
			Driver:          "memory",
			MaxOpenConns:    25,
			MinIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			Retention:       30 * 24 * time.Hour,
		},
		Idempotency: IdempotencyConfig{
			StaleAfter: 15 * time.Minute,
		},
		Artifacts: ArtifactStoreConfig{
			Driver:        "minio",
			Bucket:        "confirmations",
			URLExpiryDays: 7,
		},
		Monitor: MonitorConfig{
			Enabled:      true,
			ScanInterval: 60 * time.Second,
			DedupeTTL:    6 * time.Hour,
			DedupeStore:  DedupeStoreConfig{Driver: "memory"},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if len(c.Pipelines.Directories) == 0 {
		errs = append(errs, "pipelines.directories is required")
	}
	switch c.Status.Driver {
	case "memory", "postgres", "":
	default:
		errs = append(errs, fmt.Sprintf("status.driver %q is not supported", c.Status.Driver))
	}
	if c.Idempotency.StaleAfter <= 0 {
		errs = append(errs, "idempotency.stale_after must be positive")
	}
	if c.Auth.Enabled && c.Auth.SecretEnv == "" {
		errs = append(errs, "auth.secret_env is required when auth is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads CONFIRMD_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONFIRMD_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CONFIRMD_STATUS_DRIVER"); v != "" {
		cfg.Status.Driver = v
	}
	if v := os.Getenv("CONFIRMD_ARTIFACTS_ENDPOINT"); v != "" {
		cfg.Artifacts.Endpoint = v
	}
	if v := os.Getenv("CONFIRMD_ARTIFACTS_BUCKET"); v != "" {
		cfg.Artifacts.Bucket = v
	}
	if v := os.Getenv("CONFIRMD_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
