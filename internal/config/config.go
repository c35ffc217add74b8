// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	Lock          LockConfig          `yaml:"lock"`
	Engine        EngineConfig        `yaml:"engine"`
	Submission    SubmissionConfig    `yaml:"submission"`
	Reconcile     ReconcileConfig     `yaml:"reconcile"`
	Directory     DirectoryConfig     `yaml:"directory"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes the operational HTTP server (health, readiness and
// metrics only).
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig describes persistence settings shared by all stores.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// LockConfig describes the per-entity lock backend.
type LockConfig struct {
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	Prefix  string        `yaml:"prefix"`
	TTL     time.Duration `yaml:"ttl"`
}

// EngineConfig describes workflow engine behaviour.
type EngineConfig struct {
	FinanceRole        string `yaml:"finance_role"`
	RequireFinanceStep bool   `yaml:"require_finance_step"`
	RetryAttempts      int    `yaml:"retry_attempts"`
}

// SubmissionConfig describes submission group behaviour.
type SubmissionConfig struct {
	Aggregation string `yaml:"aggregation"`
}

// ReconcileConfig describes the draft reconciler's apply settings.
type ReconcileConfig struct {
	Workers        int                  `yaml:"workers"`
	ReleaseTimeout time.Duration        `yaml:"release_timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings for remote
// collections.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
}

// DirectoryConfig describes the approver role directory.
type DirectoryConfig struct {
	PolicyFile      string        `yaml:"policy_file"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Cache           CacheConfig   `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// DefinitionsConfig describes where to find seed definition YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
	SeedOnStart bool     `yaml:"seed_on_start"`
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

// Store and lock drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Aggregation modes for submission groups.
const (
	AggregationMaxPriority = "max_priority"
	AggregationUnanimous   = "unanimous"
)

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver:          DriverMemory,
			DSNEnv:          "APPROVALS_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		Lock: LockConfig{
			Driver:  DriverMemory,
			AddrEnv: "APPROVALS_REDIS_ADDR",
			Prefix:  "approvals:lock:",
			TTL:     30 * time.Second,
		},
		Engine: EngineConfig{
			FinanceRole:   "FINANCE",
			RetryAttempts: 3,
		},
		Submission: SubmissionConfig{
			Aggregation: AggregationMaxPriority,
		},
		Reconcile: ReconcileConfig{
			Workers:        8,
			ReleaseTimeout: 10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 1,
				Interval:         60 * time.Second,
				Timeout:          30 * time.Second,
			},
		},
		Directory: DirectoryConfig{
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
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
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (memory, postgres)", c.Store.Driver))
	}
	switch c.Lock.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Lock.AddrEnv == "" {
			errs = append(errs, "lock.addr_env is required for the redis driver")
		}
		if c.Lock.TTL <= 0 {
			errs = append(errs, "lock.ttl must be positive for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("lock.driver %q is not supported (memory, redis)", c.Lock.Driver))
	}
	if c.Engine.FinanceRole == "" {
		errs = append(errs, "engine.finance_role is required")
	}
	if c.Engine.RetryAttempts < 1 {
		errs = append(errs, "engine.retry_attempts must be at least 1")
	}
	switch c.Submission.Aggregation {
	case AggregationMaxPriority, AggregationUnanimous:
	default:
		errs = append(errs, fmt.Sprintf("submission.aggregation %q is not supported (max_priority, unanimous)", c.Submission.Aggregation))
	}
	if c.Reconcile.Workers < 1 {
		errs = append(errs, "reconcile.workers must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads APPROVALS_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("APPROVALS_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("APPROVALS_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("APPROVALS_LOCK_DRIVER"); v != "" {
		cfg.Lock.Driver = v
	}
	if v := os.Getenv("APPROVALS_ENGINE_FINANCE_ROLE"); v != "" {
		cfg.Engine.FinanceRole = v
	}
	if v := os.Getenv("APPROVALS_SUBMISSION_AGGREGATION"); v != "" {
		cfg.Submission.Aggregation = v
	}
	if v := os.Getenv("APPROVALS_DIRECTORY_POLICY_FILE"); v != "" {
		cfg.Directory.PolicyFile = v
	}
	if v := os.Getenv("APPROVALS_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
