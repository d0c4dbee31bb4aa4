// Package config loads and validates application configuration from YAML files
// and environment variables.
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
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Topology      TopologyConfig      `yaml:"topology"`
	Directory     DirectoryConfig     `yaml:"directory"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Timeline      TimelineConfig      `yaml:"timeline"`
	Monitor       MonitorConfig       `yaml:"monitor"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// StorageConfig describes case/task/timeline persistence settings.
type StorageConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig describes the embedded SQLite store.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig describes the Postgres store. The DSN is read from the
// environment variable named by DSNEnv so credentials stay out of config
// files.
type PostgresConfig struct {
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// TopologyConfig describes the static role topology a case's task graph is
// instantiated from.
type TopologyConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	Roles          []RoleConfig  `yaml:"roles"`
}

// RoleConfig declares one worker role. Declaration order is the dispatch
// tie-break for tasks becoming eligible from the same completion event.
type RoleConfig struct {
	Name      string        `yaml:"name"`
	DependsOn []string      `yaml:"depends_on"`
	Timeout   time.Duration `yaml:"timeout"`
	Critical  bool          `yaml:"critical"`
}

// DirectoryConfig seeds role endpoint registrations at startup. Workers may
// also register through the API.
type DirectoryConfig struct {
	Endpoints map[string]string `yaml:"endpoints"`
}

// DispatchConfig describes task delivery, retry, and timeout sweep settings.
type DispatchConfig struct {
	RetryCeiling  int                 `yaml:"retry_ceiling"`
	Backoff       BackoffConfig       `yaml:"backoff"`
	SweepInterval time.Duration       `yaml:"sweep_interval"`
	HTTP          HTTPTransportConfig `yaml:"http"`
}

// BackoffConfig describes the exponential backoff between retry attempts.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

// HTTPTransportConfig describes the HTTP worker transport.
type HTTPTransportConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	CallbackURL    string               `yaml:"callback_url"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings per worker endpoint.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// IdempotencyConfig describes the terminal-case resubmission cache.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings. The
// Redis address is read from the environment variable named by AddrEnv.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// TimelineConfig describes timeline fan-out settings.
type TimelineConfig struct {
	SubscriberBuffer int        `yaml:"subscriber_buffer"`
	NATS             NATSConfig `yaml:"nats"`
}

// NATSConfig describes the optional NATS mirror of the timeline stream.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MonitorConfig describes the passive health/analytics monitor.
type MonitorConfig struct {
	LatencyWindow        int           `yaml:"latency_window"`
	MinSamples           int           `yaml:"min_samples"`
	FailureRateThreshold float64       `yaml:"failure_rate_threshold"`
	P95LatencyThreshold  time.Duration `yaml:"p95_latency_threshold"`
	AlertBuffer          int           `yaml:"alert_buffer"`
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

// Defaults returns a Config with sensible default values, including the
// standard six-role discharge-planning topology.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Correlation-Id", "Last-Event-ID"},
				MaxAge:         86400,
			},
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path: "caseflow.db",
			},
			Postgres: PostgresConfig{
				DSNEnv:          "CASEFLOW_POSTGRES_DSN",
				MaxConns:        25,
				MinConns:        2,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Topology: TopologyConfig{
			DefaultTimeout: 60 * time.Second,
			Roles: []RoleConfig{
				{Name: "pharmacy"},
				{Name: "eligibility"},
				{Name: "resource", DependsOn: []string{"shelter"}},
				{Name: "shelter", Critical: true},
				{Name: "transport", DependsOn: []string{"shelter"}},
				{Name: "reviewer"},
			},
		},
		Dispatch: DispatchConfig{
			RetryCeiling:  2,
			SweepInterval: 2 * time.Second,
			Backoff: BackoffConfig{
				Initial:    200 * time.Millisecond,
				Max:        5 * time.Second,
				Multiplier: 2,
			},
			HTTP: HTTPTransportConfig{
				Timeout: 10 * time.Second,
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					SuccessThreshold: 2,
					Timeout:          30 * time.Second,
				},
			},
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "CASEFLOW_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Timeline: TimelineConfig{
			SubscriberBuffer: 64,
			NATS: NATSConfig{
				SubjectPrefix: "caseflow.timeline",
			},
		},
		Monitor: MonitorConfig{
			LatencyWindow:        256,
			MinSamples:           10,
			FailureRateThreshold: 0.5,
			P95LatencyThreshold:  30 * time.Second,
			AlertBuffer:          100,
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
// and validates required fields. An empty path loads defaults plus
// environment overrides only.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
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
	switch c.Storage.Driver {
	case "memory", "postgres":
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, "storage.sqlite.path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q is not one of memory, sqlite, postgres", c.Storage.Driver))
	}
	if c.Dispatch.RetryCeiling < 0 {
		errs = append(errs, "dispatch.retry_ceiling must not be negative")
	}
	if c.Dispatch.SweepInterval <= 0 {
		errs = append(errs, "dispatch.sweep_interval must be positive")
	}
	if c.Dispatch.Backoff.Initial <= 0 {
		errs = append(errs, "dispatch.backoff.initial must be positive")
	}
	if len(c.Topology.Roles) == 0 {
		errs = append(errs, "topology.roles must declare at least one role")
	}
	for _, r := range c.Topology.Roles {
		if r.Name == "" {
			errs = append(errs, "topology.roles entries must have a name")
			break
		}
	}
	switch c.Idempotency.Store.Driver {
	case "", "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("idempotency.store.driver %q is not one of memory, redis", c.Idempotency.Store.Driver))
	}
	if c.Timeline.NATS.Enabled && c.Timeline.NATS.URL == "" {
		errs = append(errs, "timeline.nats.url is required when the NATS mirror is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads CASEFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CASEFLOW_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CASEFLOW_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("CASEFLOW_STORAGE_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLite.Path = v
	}
	if v := os.Getenv("CASEFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("CASEFLOW_TIMELINE_NATS_URL"); v != "" {
		cfg.Timeline.NATS.URL = v
	}
	if v := os.Getenv("CASEFLOW_DISPATCH_CALLBACK_URL"); v != "" {
		cfg.Dispatch.HTTP.CallbackURL = v
	}
}
