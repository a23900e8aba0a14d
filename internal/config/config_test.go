package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/anstrom/scanqueue/internal/auth"
	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/task"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr bool
	}{
		{
			name: "valid yaml config",
			file: "config.yaml",
			content: `
api:
  port: 9090
queue:
  backend: redis
  redis:
    addr: redis:6379
workers:
  size: 8
  max_duration: 2h
scanners:
  instances:
    - id: nessus-1
      pool: default
      type: nessus
      capacity: 3
      enabled: true
      url: https://nessus-1:8834
      access_key: ak
      secret_key: sk
      scan_types: [untrusted, trusted]
`,
		},
		{
			name: "valid json config",
			file: "config.json",
			content: `{
				"store": {"backend": "memory"},
				"workers": {"size": 2}
			}`,
		},
		{
			name: "invalid yaml syntax",
			file: "config.yaml",
			content: `
api:
  port: invalid
`,
			wantErr: true,
		},
		{
			name:    "invalid json syntax",
			file:    "config.json",
			content: `{"api": {"port": "x"},}`,
			wantErr: true,
		},
		{
			name:    "unsupported extension parsed as yaml",
			file:    "config.txt",
			content: `config data`,
			wantErr: true,
		},
		{
			name: "fails validation",
			file: "config.yaml",
			content: `
store:
  backend: cassandra
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.file, tt.content)
			_, err := Load(path)
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadParseErrorIsConfigError(t *testing.T) {
	path := writeConfig(t, "config.yaml", "api:\n  port: [unterminated\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected a parse error")
	}
	if !errors.IsCode(err, errors.CodeConfiguration) {
		t.Errorf("expected CONFIGURATION code, got %s (%v)", errors.GetCode(err), err)
	}
	if !strings.Contains(err.Error(), "failed to parse yaml config") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Backend != BackendMemory {
		t.Errorf("expected default store backend, got %q", cfg.Store.Backend)
	}
}

func TestLoadParsesSections(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
workers:
  size: 8
  poll_interval: 2s
  max_poll_interval: 30s
  max_duration: 2h
sweeper:
  stale_after: 3h
  reclaim_schedule: "@every 5m"
idempotency:
  retention: 24h
scanners:
  health_timeout: 5s
  instances:
    - id: nessus-1
      pool: internal
      type: nessus
      capacity: 3
      enabled: true
      url: https://nessus-1:8834
      username: admin
      password: secret
      timeout: 45s
      scan_types: [privileged]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Workers.Size != 8 || cfg.Workers.PollInterval != 2*time.Second {
		t.Errorf("workers not parsed: %+v", cfg.Workers)
	}
	if cfg.Workers.ShutdownTimeout != 30*time.Second {
		t.Errorf("unset workers field lost its default: %v", cfg.Workers.ShutdownTimeout)
	}
	if cfg.Sweeper.StaleAfter != 3*time.Hour || cfg.Sweeper.ReclaimSchedule != "@every 5m" {
		t.Errorf("sweeper not parsed: %+v", cfg.Sweeper)
	}
	if cfg.Idempotency.Retention != 24*time.Hour {
		t.Errorf("retention = %v", cfg.Idempotency.Retention)
	}

	if len(cfg.Scanners.Instances) != 1 {
		t.Fatalf("expected 1 scanner, got %d", len(cfg.Scanners.Instances))
	}
	sc := cfg.Scanners.Instances[0]
	if sc.URL != "https://nessus-1:8834" || sc.Username != "admin" || sc.Timeout != 45*time.Second {
		t.Errorf("inline HTTP settings not parsed: %+v", sc.HTTPConfig)
	}
	inst, err := sc.Instance()
	if err != nil {
		t.Fatalf("Instance() error = %v", err)
	}
	if inst.Pool != "internal" || inst.Capacity != 3 || len(inst.ScanTypes) != 1 || inst.ScanTypes[0] != task.ScanTypePrivileged {
		t.Errorf("unexpected instance %+v", inst)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("SCANQUEUE_TEST_SECRET", "from-env")
	path := writeConfig(t, "config.yaml", `
scanners:
  instances:
    - id: s1
      pool: default
      enabled: true
      url: https://s1:8834
      access_key: ak
      secret_key: ${SCANQUEUE_TEST_SECRET}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Scanners.Instances[0].SecretKey; got != "from-env" {
		t.Errorf("secret_key = %q, want from-env", got)
	}
}

func TestValidate(t *testing.T) {
	scanner := func() ScannerConfig {
		s := ScannerConfig{ID: "s1", Pool: "default", Enabled: true}
		s.URL = "https://s1:8834"
		s.AccessKey = "ak"
		return s
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown store backend", func(c *Config) { c.Store.Backend = "sqlite" }, "store.backend"},
		{"postgres without host", func(c *Config) {
			c.Store.Backend = BackendPostgres
			c.Store.Postgres.Host = ""
		}, "store.postgres.host"},
		{"redis queue without addr", func(c *Config) {
			c.Queue.Backend = BackendRedis
			c.Queue.Redis.Addr = ""
		}, "queue.redis.addr"},
		{"zero retention", func(c *Config) { c.Idempotency.Retention = 0 }, "idempotency.retention"},
		{"no workers", func(c *Config) { c.Workers.Size = 0 }, "workers.size"},
		{"poll interval above max", func(c *Config) {
			c.Workers.PollInterval = time.Hour
		}, "max_poll_interval"},
		{"stale window shorter than max duration", func(c *Config) {
			c.Sweeper.StaleAfter = time.Hour
		}, "stale_after"},
		{"valid scanner", func(c *Config) {
			c.Scanners.Instances = []ScannerConfig{scanner()}
		}, ""},
		{"duplicate scanner id", func(c *Config) {
			c.Scanners.Instances = []ScannerConfig{scanner(), scanner()}
		}, "scanners.instances.id"},
		{"scanner without credentials", func(c *Config) {
			s := scanner()
			s.AccessKey = ""
			c.Scanners.Instances = []ScannerConfig{s}
		}, "access_key"},
		{"scanner with unknown scan type", func(c *Config) {
			s := scanner()
			s.ScanTypes = []string{"stealth"}
			c.Scanners.Instances = []ScannerConfig{s}
		}, "scan_types"},
		{"bad port", func(c *Config) { c.API.Port = 70000 }, "port"},
		{"tls without cert", func(c *Config) { c.API.TLS.Enabled = true }, "cert_file"},
		{"api key without secret", func(c *Config) {
			c.API.APIKeys = []auth.Key{{Name: "ci"}}
		}, "api.api_keys[0].key"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			msg := err.Error()
			if !strings.Contains(msg, tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to mention %q", msg, tt.wantErr)
			}
		})
	}
}

func TestValidateReturnsConfigErrors(t *testing.T) {
	cfg := Default()
	cfg.Queue.Backend = "kafka"
	err := cfg.Validate()
	if !errors.IsValidation(err) {
		t.Errorf("expected a validation config error, got %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Workers.Size = 12
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Workers.Size != 12 {
		t.Errorf("workers.size = %d, want 12", loaded.Workers.Size)
	}
}

func TestGetAPIAddress(t *testing.T) {
	cfg := Default()
	if got := cfg.GetAPIAddress(); got != "127.0.0.1:8080" {
		t.Errorf("GetAPIAddress() = %q", got)
	}
	if !cfg.IsAPIEnabled() {
		t.Error("API should be enabled by default")
	}
}
