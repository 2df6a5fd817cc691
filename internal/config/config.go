// Package config loads halo's static configuration: defaults, then a YAML
// file, then HALO_* environment overrides. Configuration is read once at
// construction; nothing reloads it at runtime.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oriys/halo/internal/freshness"
	"github.com/oriys/halo/internal/observability"
)

// FreshnessConfig holds staleness budgets and retry tuning
type FreshnessConfig struct {
	Rules        []freshness.Rule `yaml:"rules"`
	DefaultStale time.Duration    `yaml:"default_stale"`
	MaxRetries   int              `yaml:"max_retries"`
	RetryBase    time.Duration    `yaml:"retry_base"`
	RetryMax     time.Duration    `yaml:"retry_max"`
}

// Policy compiles the section into a freshness policy.
func (f FreshnessConfig) Policy() (*freshness.Policy, error) {
	return freshness.New(freshness.Config{
		Rules:        f.Rules,
		DefaultStale: f.DefaultStale,
		MaxRetries:   f.MaxRetries,
		RetryBase:    f.RetryBase,
		RetryMax:     f.RetryMax,
	})
}

// PersistenceConfig holds snapshot settings
type PersistenceConfig struct {
	AllowedRoots []string      `yaml:"allowed_roots"`
	Debounce     time.Duration `yaml:"debounce"`
	MaxAge       time.Duration `yaml:"max_age"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig selects and configures the durable store
type StorageConfig struct {
	Backend   string        `yaml:"backend"` // memory, redis, badger, tiered
	KeyPrefix string        `yaml:"key_prefix"`
	Redis     RedisConfig   `yaml:"redis"`
	BadgerDir string        `yaml:"badger_dir"`
	L1TTL     time.Duration `yaml:"l1_ttl"`
}

// ConnectivityConfig holds reconciler and probe settings
type ConnectivityConfig struct {
	ProbeURL      string        `yaml:"probe_url"`
	GRPCTarget    string        `yaml:"grpc_target"`
	GRPCService   string        `yaml:"grpc_service"`
	Interval      time.Duration `yaml:"interval"`
	Timeout       time.Duration `yaml:"timeout"`
	ReprobeDelay  time.Duration `yaml:"reprobe_delay"`
	InitialOnline bool          `yaml:"initial_online"`
}

// LifecycleConfig holds binder settings
type LifecycleConfig struct {
	RefreshConcurrency int    `yaml:"refresh_concurrency"`
	Identity           string `yaml:"identity"`
	InvalidationPubSub bool   `yaml:"invalidation_pubsub"`
}

// RemoteConfig holds the transport adapter settings
type RemoteConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Format string `yaml:"format"` // text, json
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled   bool      `yaml:"enabled"`
	Namespace string    `yaml:"namespace"`
	Buckets   []float64 `yaml:"buckets"`
}

// DaemonConfig holds daemon-specific settings
type DaemonConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Freshness    FreshnessConfig      `yaml:"freshness"`
	Persistence  PersistenceConfig    `yaml:"persistence"`
	Storage      StorageConfig        `yaml:"storage"`
	Connectivity ConnectivityConfig   `yaml:"connectivity"`
	Lifecycle    LifecycleConfig      `yaml:"lifecycle"`
	Remote       RemoteConfig         `yaml:"remote"`
	Logging      LoggingConfig        `yaml:"logging"`
	Metrics      MetricsConfig        `yaml:"metrics"`
	Tracing      observability.Config `yaml:"tracing"`
	Daemon       DaemonConfig         `yaml:"daemon"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Freshness: FreshnessConfig{
			MaxRetries: freshness.DefaultMaxRetries,
			RetryBase:  freshness.DefaultRetryBaseDelay,
			RetryMax:   freshness.DefaultRetryMaxDelay,
		},
		Persistence: PersistenceConfig{
			Debounce: time.Second,
			MaxAge:   24 * time.Hour,
		},
		Storage: StorageConfig{
			Backend:   "memory",
			KeyPrefix: "halo:",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
			BadgerDir: "/var/lib/halo/badger",
			L1TTL:     time.Minute,
		},
		Connectivity: ConnectivityConfig{
			Interval:      5 * time.Second,
			Timeout:       3 * time.Second,
			ReprobeDelay:  2 * time.Second,
			InitialOnline: true,
		},
		Lifecycle: LifecycleConfig{
			RefreshConcurrency: 4,
		},
		Remote: RemoteConfig{
			Timeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "halo",
		},
		Tracing: observability.Config{
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "halo",
			SampleRate:  1.0,
		},
		Daemon: DaemonConfig{
			HTTPAddr: "127.0.0.1:7070",
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("HALO_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("HALO_REDIS_ADDR"); v != "" {
		cfg.Storage.Redis.Addr = v
	}
	if v := os.Getenv("HALO_REDIS_PASSWORD"); v != "" {
		cfg.Storage.Redis.Password = v
	}
	if v := os.Getenv("HALO_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Storage.Redis.DB = n
		}
	}
	if v := os.Getenv("HALO_BADGER_DIR"); v != "" {
		cfg.Storage.BadgerDir = v
	}
	if v := os.Getenv("HALO_PROBE_URL"); v != "" {
		cfg.Connectivity.ProbeURL = v
	}
	if v := os.Getenv("HALO_GRPC_TARGET"); v != "" {
		cfg.Connectivity.GRPCTarget = v
	}
	if v := os.Getenv("HALO_PROBE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Connectivity.Interval = d
		}
	}
	if v := os.Getenv("HALO_REMOTE_BASE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("HALO_ALLOWED_ROOTS"); v != "" {
		cfg.Persistence.AllowedRoots = splitList(v)
	}
	if v := os.Getenv("HALO_IDENTITY"); v != "" {
		cfg.Lifecycle.Identity = v
	}
	if v := os.Getenv("HALO_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("HALO_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HALO_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("HALO_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
	if v := os.Getenv("HALO_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("HALO_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("HALO_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
}

// Validate rejects configurations that cannot be wired.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Freshness.Policy(); err != nil {
		errs = append(errs, err)
	}
	switch c.Storage.Backend {
	case "memory":
	case "redis", "tiered":
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("storage.redis.addr is required for backend %q", c.Storage.Backend))
		}
	case "badger":
		if c.Storage.BadgerDir == "" {
			errs = append(errs, errors.New("storage.badger_dir is required for backend badger"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	if c.Persistence.Debounce < 0 || c.Persistence.MaxAge < 0 {
		errs = append(errs, errors.New("persistence durations must not be negative"))
	}
	if c.Connectivity.Interval <= 0 || c.Connectivity.Timeout <= 0 || c.Connectivity.ReprobeDelay <= 0 {
		errs = append(errs, errors.New("connectivity interval, timeout and reprobe_delay must be positive"))
	}
	if c.Connectivity.ProbeURL != "" && c.Connectivity.GRPCTarget != "" {
		errs = append(errs, errors.New("set only one of connectivity.probe_url and connectivity.grpc_target"))
	}
	if c.Lifecycle.RefreshConcurrency < 1 {
		errs = append(errs, errors.New("lifecycle.refresh_concurrency must be at least 1"))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown logging format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
