package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/anstrom/scanqueue/internal/auth"
	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/idempotency"
	"github.com/anstrom/scanqueue/internal/logging"
	"github.com/anstrom/scanqueue/internal/orchestrator"
	"github.com/anstrom/scanqueue/internal/queue"
	"github.com/anstrom/scanqueue/internal/scanner"
	"github.com/anstrom/scanqueue/internal/store"
	"github.com/anstrom/scanqueue/internal/sweeper"
	"github.com/anstrom/scanqueue/internal/task"
	"github.com/anstrom/scanqueue/internal/workers"
)

// Backend names shared by the store, queue and idempotency sections.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config represents the complete daemon configuration
type Config struct {
	// Daemon configuration
	Daemon DaemonConfig `yaml:"daemon" json:"daemon"`

	// API configuration
	API APIConfig `yaml:"api" json:"api"`

	// Task store
	Store StoreConfig `yaml:"store" json:"store"`

	// Task queue and dead-letter queue
	Queue QueueConfig `yaml:"queue" json:"queue"`

	Idempotency IdempotencyConfig `yaml:"idempotency" json:"idempotency"`

	// Worker dispatcher
	Workers workers.Config `yaml:"workers" json:"workers"`

	// Scanner instances grouped into pools
	Scanners ScannersConfig `yaml:"scanners" json:"scanners"`

	// Submission and result defaults
	Orchestrator orchestrator.Config `yaml:"orchestrator" json:"orchestrator"`

	// Maintenance jobs
	Sweeper sweeper.Config `yaml:"sweeper" json:"sweeper"`

	// Logging configuration
	Logging logging.Config `yaml:"logging" json:"logging"`

	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// DaemonConfig holds daemon-specific settings
type DaemonConfig struct {
	// PID file location, empty to skip
	PIDFile string `yaml:"pid_file" json:"pid_file"`

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// APIConfig holds API server settings
type APIConfig struct {
	// Enable API server
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Listen address
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`

	// Listen port
	Port int `yaml:"port" json:"port"`

	// Enable TLS
	TLS TLSConfig `yaml:"tls" json:"tls"`

	// Accepted API keys, none to disable authentication
	APIKeys []auth.Key `yaml:"api_keys" json:"api_keys"`

	// CORS settings
	CORS CORSConfig `yaml:"cors" json:"cors"`

	// Per-client rate limiting
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Request timeout
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// Maximum request size
	MaxRequestSize int64 `yaml:"max_request_size" json:"max_request_size"`

	// Interval between status frames on watch connections
	WatchInterval time.Duration `yaml:"watch_interval" json:"watch_interval"`
}

// TLSConfig holds TLS settings
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
}

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	// Enable rate limiting
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Requests per second per client
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`

	// Burst size
	BurstSize int `yaml:"burst_size" json:"burst_size"`
}

// StoreConfig selects and configures the task store.
type StoreConfig struct {
	Backend     string               `yaml:"backend" json:"backend"`
	Postgres    store.PostgresConfig `yaml:"postgres" json:"postgres"`
	AutoMigrate bool                 `yaml:"auto_migrate" json:"auto_migrate"`
}

// QueueConfig selects and configures the task queue.
type QueueConfig struct {
	Backend string            `yaml:"backend" json:"backend"`
	Redis   queue.RedisConfig `yaml:"redis" json:"redis"`
}

// IdempotencyConfig configures idempotency key retention. The redis
// backend shares the queue's Redis connection settings.
type IdempotencyConfig struct {
	Backend   string        `yaml:"backend" json:"backend"`
	Retention time.Duration `yaml:"retention" json:"retention"`
	KeyPrefix string        `yaml:"key_prefix" json:"key_prefix"`
}

// ScannersConfig lists the scanner instances.
type ScannersConfig struct {
	HealthTimeout time.Duration   `yaml:"health_timeout" json:"health_timeout"`
	Instances     []ScannerConfig `yaml:"instances" json:"instances"`
}

// ScannerConfig describes one scanner instance and how to reach it.
type ScannerConfig struct {
	ID        string   `yaml:"id" json:"id"`
	Pool      string   `yaml:"pool" json:"pool"`
	Type      string   `yaml:"type" json:"type"`
	Capacity  int      `yaml:"capacity" json:"capacity"`
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	ScanTypes []string `yaml:"scan_types" json:"scan_types"`

	scanner.HTTPConfig `yaml:",inline"`
}

// Instance converts the entry into a registry instance.
func (s ScannerConfig) Instance() (scanner.Instance, error) {
	inst := scanner.Instance{
		ID:          s.ID,
		Pool:        s.Pool,
		ScannerType: s.Type,
		URL:         s.URL,
		Capacity:    s.Capacity,
		Enabled:     s.Enabled,
	}
	for _, raw := range s.ScanTypes {
		st, err := task.ParseScanType(raw)
		if err != nil {
			return scanner.Instance{}, errors.ErrConfigInvalid("scanners.instances."+s.ID+".scan_types", raw)
		}
		inst.ScanTypes = append(inst.ScanTypes, st)
	}
	return inst, nil
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	Path           string        `yaml:"path" json:"path"`
	UpdateInterval time.Duration `yaml:"update_interval" json:"update_interval"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			ShutdownTimeout: 30 * time.Second,
		},
		API: APIConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1",
			Port:       8080,
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key", idempotency.HeaderName},
			},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 20,
				BurstSize:         40,
			},
			RequestTimeout: 30 * time.Second,
			MaxRequestSize: 1024 * 1024, // 1MB
			WatchInterval:  2 * time.Second,
		},
		Store: StoreConfig{
			Backend:     BackendMemory,
			Postgres:    store.DefaultPostgresConfig(),
			AutoMigrate: true,
		},
		Queue: QueueConfig{
			Backend: BackendMemory,
			Redis: queue.RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "scanqueue",
			},
		},
		Idempotency: IdempotencyConfig{
			Backend:   BackendMemory,
			Retention: idempotency.DefaultRetention,
			KeyPrefix: "scanqueue:idem",
		},
		Workers: workers.DefaultConfig(),
		Scanners: ScannersConfig{
			HealthTimeout: 10 * time.Second,
		},
		Orchestrator: orchestrator.DefaultConfig(),
		Sweeper:      sweeper.DefaultConfig(),
		Logging:      logging.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled:        true,
			Path:           "/metrics",
			UpdateInterval: 15 * time.Second,
		},
	}
}

// Load loads configuration from a file. Environment references such as
// ${SCANNER_SECRET} are expanded before parsing. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file: "+err.Error(), err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	// JSON is a subset of YAML, so one decoder serves both.
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml", ".json":
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, errors.WrapConfigError(errors.CodeConfiguration,
				fmt.Sprintf("failed to parse %s config: %v", strings.TrimPrefix(ext, "."), err), err)
		}
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, errors.WrapConfigError(errors.CodeConfiguration,
				fmt.Sprintf("failed to parse config (assumed YAML): %v", err), err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.validateBackends(); err != nil {
		return err
	}

	if c.Workers.Size <= 0 {
		return errors.ErrConfigInvalid("workers.size", c.Workers.Size)
	}
	if c.Workers.MaxDuration <= 0 {
		return errors.ErrConfigInvalid("workers.max_duration", c.Workers.MaxDuration)
	}
	if c.Workers.PollInterval <= 0 || c.Workers.MaxPollInterval < c.Workers.PollInterval {
		return fmt.Errorf("workers.max_poll_interval must be at least workers.poll_interval")
	}

	if err := c.validateScanners(); err != nil {
		return err
	}

	if c.Orchestrator.MaxPageSize < 0 || c.Orchestrator.DefaultPageSize < 0 {
		return errors.ErrConfigInvalid("orchestrator.max_page_size", c.Orchestrator.MaxPageSize)
	}
	if c.Sweeper.StaleAfter > 0 && c.Sweeper.StaleAfter <= c.Workers.MaxDuration {
		return fmt.Errorf("sweeper.stale_after (%s) must exceed workers.max_duration (%s)",
			c.Sweeper.StaleAfter, c.Workers.MaxDuration)
	}

	if c.API.Enabled {
		if c.API.Port <= 0 || c.API.Port > 65535 {
			return fmt.Errorf("API port must be between 1 and 65535")
		}
		if c.API.ListenAddr == "" {
			return errors.ErrConfigMissing("api.listen_addr")
		}
		if c.API.RateLimit.Enabled && (c.API.RateLimit.RequestsPerSecond <= 0 || c.API.RateLimit.BurstSize <= 0) {
			return fmt.Errorf("API rate limit requires positive requests_per_second and burst_size")
		}
		if _, err := auth.NewKeyring(c.API.APIKeys); err != nil {
			return err
		}
	}
	if c.API.TLS.Enabled {
		if c.API.TLS.CertFile == "" {
			return errors.ErrConfigMissing("api.tls.cert_file")
		}
		if c.API.TLS.KeyFile == "" {
			return errors.ErrConfigMissing("api.tls.key_file")
		}
	}

	validLogLevels := map[logging.LogLevel]bool{
		logging.LevelDebug: true,
		logging.LevelInfo:  true,
		logging.LevelWarn:  true,
		logging.LevelError: true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != logging.FormatText && c.Logging.Format != logging.FormatJSON {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

func (c *Config) validateBackends() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.Postgres.Host == "" {
			return errors.ErrConfigMissing("store.postgres.host")
		}
		if c.Store.Postgres.Database == "" {
			return errors.ErrConfigMissing("store.postgres.database")
		}
		if c.Store.Postgres.Username == "" {
			return errors.ErrConfigMissing("store.postgres.username")
		}
	default:
		return errors.ErrConfigInvalid("store.backend", c.Store.Backend)
	}

	switch c.Queue.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Queue.Redis.Addr == "" {
			return errors.ErrConfigMissing("queue.redis.addr")
		}
	default:
		return errors.ErrConfigInvalid("queue.backend", c.Queue.Backend)
	}

	switch c.Idempotency.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Queue.Redis.Addr == "" {
			return errors.ErrConfigMissing("queue.redis.addr")
		}
	default:
		return errors.ErrConfigInvalid("idempotency.backend", c.Idempotency.Backend)
	}
	if c.Idempotency.Retention <= 0 {
		return errors.ErrConfigInvalid("idempotency.retention", c.Idempotency.Retention)
	}
	return nil
}

func (c *Config) validateScanners() error {
	seen := make(map[string]bool, len(c.Scanners.Instances))
	for i, s := range c.Scanners.Instances {
		if s.ID == "" {
			return errors.ErrConfigMissing(fmt.Sprintf("scanners.instances[%d].id", i))
		}
		if seen[s.ID] {
			return errors.ErrConfigInvalid("scanners.instances.id", s.ID)
		}
		seen[s.ID] = true
		if s.Pool == "" {
			return errors.ErrConfigMissing("scanners.instances." + s.ID + ".pool")
		}
		if s.URL == "" {
			return errors.ErrConfigMissing("scanners.instances." + s.ID + ".url")
		}
		if s.AccessKey == "" && s.Username == "" {
			return errors.ErrConfigMissing("scanners.instances." + s.ID + ".access_key")
		}
		if s.Capacity < 0 {
			return errors.ErrConfigInvalid("scanners.instances."+s.ID+".capacity", s.Capacity)
		}
		if _, err := s.Instance(); err != nil {
			return err
		}
	}
	return nil
}

// GetAPIAddress returns the full API address
func (c *Config) GetAPIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.ListenAddr, c.API.Port)
}

// IsAPIEnabled returns true if API server is enabled
func (c *Config) IsAPIEnabled() bool {
	return c.API.Enabled
}
