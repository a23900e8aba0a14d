// Package daemon provides the long-running scanqueue service. It builds
// the task store, queue, idempotency store and scanner registry from
// configuration, runs the dispatcher, sweeper and API server, and shuts
// them down in order on SIGINT or SIGTERM.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anstrom/scanqueue/internal/api"
	"github.com/anstrom/scanqueue/internal/config"
	"github.com/anstrom/scanqueue/internal/idempotency"
	"github.com/anstrom/scanqueue/internal/logging"
	"github.com/anstrom/scanqueue/internal/metrics"
	"github.com/anstrom/scanqueue/internal/orchestrator"
	"github.com/anstrom/scanqueue/internal/queue"
	"github.com/anstrom/scanqueue/internal/scanner"
	"github.com/anstrom/scanqueue/internal/store"
	"github.com/anstrom/scanqueue/internal/sweeper"
	"github.com/anstrom/scanqueue/internal/workers"
)

// File permission constants.
const (
	DefaultDirPermissions  = 0o750
	DefaultFilePermissions = 0o600
)

// Daemon represents the main daemon process.
type Daemon struct {
	config  *config.Config
	version string
	pidFile string
	logger  *slog.Logger

	metrics    metrics.MetricsRegistry
	prometheus *metrics.PrometheusMetrics

	store     store.Store
	queue     queue.Queue
	idemRedis *redis.Client
	idem      *idempotency.Manager
	purger    sweeper.Purger
	registry  *scanner.Registry
	service   *orchestrator.Service
	pool      *workers.Pool
	sweeper   *sweeper.Sweeper
	apiServer *api.Server

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started chan struct{}
	mu      sync.RWMutex
}

// New creates a new daemon instance.
func New(cfg *config.Config, version string) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		config:  cfg,
		version: version,
		pidFile: cfg.Daemon.PIDFile,
		logger:  logging.Default().WithComponent("daemon").Logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: make(chan struct{}),
	}
}

// Start validates the configuration, builds every component and blocks
// until the daemon is stopped.
func (d *Daemon) Start() error {
	if err := d.config.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := d.initLogging(); err != nil {
		return err
	}
	d.logger.Info("Starting scanqueue daemon", "version", d.version, "pid", os.Getpid())

	if err := d.createPIDFile(); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}
	d.setupSignalHandlers()

	if err := d.init(); err != nil {
		d.cancel()
		d.cleanup()
		return err
	}
	return d.run()
}

// Stop cancels the daemon and waits for its shutdown sequence.
func (d *Daemon) Stop() error {
	d.logger.Info("Stopping daemon")
	d.cancel()

	timeout := d.config.Daemon.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-d.done:
		d.logger.Info("Daemon stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("daemon shutdown timed out after %s", timeout)
	}
}

// Started is closed once every component is running.
func (d *Daemon) Started() <-chan struct{} {
	return d.started
}

func (d *Daemon) initLogging() error {
	logger, err := logging.New(d.config.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.SetDefault(logger)
	d.logger = logger.WithComponent("daemon").Logger
	return nil
}

// init builds the components bottom-up. Anything already built is
// released by cleanup when a later step fails.
func (d *Daemon) init() error {
	d.initMetrics()

	steps := []struct {
		name string
		fn   func() error
	}{
		{"task store", d.initStore},
		{"task queue", d.initQueue},
		{"idempotency store", d.initIdempotency},
		{"scanner registry", d.initScanners},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	logger := logging.Default().Logger
	d.service = orchestrator.New(d.config.Orchestrator, d.store, d.queue, d.idem, d.registry, d.metrics, logger)
	d.pool = workers.New(d.config.Workers, d.store, d.queue, d.registry, d.metrics, logger)

	d.sweeper = sweeper.New(d.config.Sweeper, d.store, d.queue, d.registry, d.purger, d.metrics, logger)

	if err := d.initAPIServer(); err != nil {
		return fmt.Errorf("failed to initialize API server: %w", err)
	}
	return nil
}

func (d *Daemon) initMetrics() {
	if !d.config.Metrics.Enabled {
		d.metrics = metrics.NewRegistry()
		metrics.SetDefault(d.metrics)
		return
	}
	d.prometheus = metrics.NewPrometheusMetrics()
	d.metrics = d.prometheus
	metrics.SetDefault(d.metrics)
}

func (d *Daemon) initStore() error {
	logger := logging.Default().Logger
	switch d.config.Store.Backend {
	case config.BackendPostgres:
		db, err := store.Connect(d.ctx, d.config.Store.Postgres)
		if err != nil {
			return err
		}
		if d.config.Store.AutoMigrate {
			if err := store.NewMigrator(db, logger).Up(d.ctx); err != nil {
				_ = db.Close()
				return err
			}
		}
		d.store = store.NewPostgres(db, logger)
		d.logger.Info("Task store ready", "backend", "postgres", "host", d.config.Store.Postgres.Host)
	default:
		d.store = store.NewMemory(logger)
		d.logger.Info("Task store ready", "backend", "memory")
	}
	return nil
}

func (d *Daemon) initQueue() error {
	logger := logging.Default().Logger
	switch d.config.Queue.Backend {
	case config.BackendRedis:
		q, err := queue.NewRedisFromConfig(d.ctx, d.config.Queue.Redis, logger)
		if err != nil {
			return err
		}
		d.queue = q
		d.logger.Info("Task queue ready", "backend", "redis", "addr", d.config.Queue.Redis.Addr)
	default:
		d.queue = queue.NewMemory(logger)
		d.logger.Info("Task queue ready", "backend", "memory")
	}
	return nil
}

// initIdempotency reuses the queue's Redis client when both live in Redis.
// Only the memory backend needs the sweeper's purge job; Redis keys expire
// on their own.
func (d *Daemon) initIdempotency() error {
	cfg := d.config.Idempotency
	var backend idempotency.Backend
	switch cfg.Backend {
	case config.BackendRedis:
		var client redis.UniversalClient
		if rq, ok := d.queue.(*queue.Redis); ok {
			client = rq.Client()
		} else {
			c, err := queue.NewRedisClient(d.ctx, d.config.Queue.Redis)
			if err != nil {
				return err
			}
			d.idemRedis = c
			client = c
		}
		backend = idempotency.NewRedisBackend(client, cfg.KeyPrefix)
	default:
		mem := idempotency.NewMemoryBackend()
		d.purger = mem
		backend = mem
	}
	d.idem = idempotency.NewManager(backend, cfg.Retention, logging.Default().Logger)
	d.logger.Info("Idempotency store ready", "backend", cfg.Backend, "retention", cfg.Retention)
	return nil
}

func (d *Daemon) initScanners() error {
	logger := logging.Default().Logger
	d.registry = scanner.NewRegistry(d.config.Scanners.HealthTimeout, logger)
	for _, sc := range d.config.Scanners.Instances {
		inst, err := sc.Instance()
		if err != nil {
			return err
		}
		engine, err := scanner.NewHTTPEngine(sc.HTTPConfig, logger)
		if err != nil {
			return fmt.Errorf("scanner %s: %w", sc.ID, err)
		}
		if err := d.registry.Register(inst, engine); err != nil {
			return err
		}
	}
	if len(d.config.Scanners.Instances) == 0 {
		d.logger.Warn("No scanner instances configured, submissions will be rejected")
	}
	return nil
}

func (d *Daemon) initAPIServer() error {
	if !d.config.IsAPIEnabled() {
		d.logger.Info("API server disabled")
		return nil
	}

	opts := api.Options{
		Metrics: d.metrics,
		Version: d.version,
		Logger:  logging.Default().Logger,
	}
	if d.prometheus != nil {
		opts.MetricsHandler = d.prometheus.Handler()
		opts.MetricsPath = d.config.Metrics.Path
	}
	server, err := api.New(d.config.API, d.service, opts)
	if err != nil {
		return err
	}
	d.apiServer = server
	return nil
}

// run starts the background components and waits for shutdown.
func (d *Daemon) run() error {
	d.pool.Start(d.ctx)
	if err := d.sweeper.Start(); err != nil {
		d.cancel()
		d.shutdown()
		return fmt.Errorf("failed to start sweeper: %w", err)
	}
	if d.prometheus != nil {
		interval := d.config.Metrics.UpdateInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		go d.prometheus.StartPeriodicUpdates(d.ctx, interval)
	}

	apiErr := make(chan error, 1)
	if d.apiServer != nil {
		go func() {
			apiErr <- d.apiServer.Start(d.ctx)
		}()
	}

	d.logger.Info("Daemon started",
		"workers", d.config.Workers.Size,
		"scanners", len(d.config.Scanners.Instances),
		"api", d.config.API.Enabled)
	close(d.started)

	var runErr error
	select {
	case <-d.ctx.Done():
		d.logger.Info("Shutdown signal received")
		if d.apiServer != nil {
			if err := <-apiErr; err != nil {
				d.logger.Error("API server shutdown failed", "error", err)
			}
		}
	case err := <-apiErr:
		if err != nil {
			d.logger.Error("API server failed", "error", err)
			runErr = err
		}
		d.cancel()
	}

	d.shutdown()
	return runErr
}

// shutdown stops the components in reverse start order and releases
// storage last, so in-flight workers can still record their transitions.
func (d *Daemon) shutdown() {
	if err := d.pool.Shutdown(); err != nil {
		d.logger.Warn("Dispatcher shutdown incomplete", "error", err)
	}
	d.sweeper.Stop()
	d.cleanup()
	close(d.done)
}

// cleanup releases storage connections and the PID file.
func (d *Daemon) cleanup() {
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			d.logger.Error("Error closing task queue", "error", err)
		}
	}
	if d.idemRedis != nil {
		if err := d.idemRedis.Close(); err != nil {
			d.logger.Error("Error closing idempotency client", "error", err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Error("Error closing task store", "error", err)
		}
	}

	if d.pidFile != "" {
		if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("Error removing PID file", "error", err)
		} else {
			d.logger.Debug("Removed PID file", "path", d.pidFile)
		}
	}
	d.logger.Info("Cleanup completed")
}

// createPIDFile creates the PID file.
func (d *Daemon) createPIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	dir := filepath.Dir(d.pidFile)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	if err := d.checkExistingPID(); err != nil {
		return err
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)), DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	d.logger.Info("Created PID file", "path", d.pidFile, "pid", pid)
	return nil
}

// checkExistingPID fails if the PID file names a live process and
// removes it otherwise.
func (d *Daemon) checkExistingPID() error {
	data, err := os.ReadFile(d.pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read existing PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err == nil && pid != os.Getpid() && isProcessRunning(pid) {
		return fmt.Errorf("daemon already running with PID %d", pid)
	}

	_ = os.Remove(d.pidFile)
	return nil
}

func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// setupSignalHandlers cancels the daemon on SIGINT/SIGTERM and dumps its
// status on SIGUSR1.
func (d *Daemon) setupSignalHandlers() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)

	go func() {
		defer signal.Stop(sigChan)
		for {
			select {
			case <-d.ctx.Done():
				return
			case sig := <-sigChan:
				d.logger.Info("Received signal", "signal", sig.String())
				switch sig {
				case syscall.SIGTERM, syscall.SIGINT:
					d.logger.Info("Initiating graceful shutdown")
					d.cancel()
					return
				case syscall.SIGUSR1:
					d.dumpStatus()
				}
			}
		}
	}()
}

// Status is a point-in-time snapshot of the daemon.
type Status struct {
	PID           int    `json:"pid"`
	Version       string `json:"version"`
	Goroutines    int    `json:"goroutines"`
	AllocKB       uint64 `json:"alloc_kb"`
	ActiveWorkers int64  `json:"active_workers"`
	QueueDepth    int64  `json:"queue_depth"`
	DLQSize       int64  `json:"dlq_size"`
	PoolsHealthy  bool   `json:"pools_healthy"`
	WatchClients  int    `json:"watch_clients"`
	APIAddress    string `json:"api_address,omitempty"`
}

// Status collects the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	st := Status{
		PID:        os.Getpid(),
		Version:    d.version,
		Goroutines: runtime.NumGoroutine(),
		AllocKB:    m.Alloc / 1024,
	}
	if d.pool != nil {
		st.ActiveWorkers = d.pool.Active()
	}
	if d.service != nil {
		if qs, err := d.service.QueueStats(ctx); err == nil {
			st.QueueDepth = qs.Depth
			st.DLQSize = qs.DLQSize
		}
		st.PoolsHealthy = d.service.PoolHealth().Healthy
	}
	if d.apiServer != nil {
		st.WatchClients = d.apiServer.WatchClients()
		st.APIAddress = d.apiServer.GetAddress()
	}
	return st
}

func (d *Daemon) dumpStatus() {
	ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
	defer cancel()
	st := d.Status(ctx)
	d.logger.Info("Daemon status",
		"pid", st.PID,
		"goroutines", st.Goroutines,
		"alloc_kb", st.AllocKB,
		"active_workers", st.ActiveWorkers,
		"queue_depth", st.QueueDepth,
		"dlq_size", st.DLQSize,
		"pools_healthy", st.PoolsHealthy,
		"watch_clients", st.WatchClients)
}

// GetPID returns the daemon's PID.
func (d *Daemon) GetPID() int {
	return os.Getpid()
}

// IsRunning reports whether the daemon has not been stopped.
func (d *Daemon) IsRunning() bool {
	select {
	case <-d.ctx.Done():
		return false
	default:
		return true
	}
}

// GetContext returns the daemon's context.
func (d *Daemon) GetContext() context.Context {
	return d.ctx
}

// GetConfig returns the daemon configuration.
func (d *Daemon) GetConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// Service returns the orchestrator once initialized.
func (d *Daemon) Service() *orchestrator.Service {
	return d.service
}

// APIAddress returns the address the API server is bound to.
func (d *Daemon) APIAddress() string {
	if d.apiServer == nil {
		return ""
	}
	return d.apiServer.GetAddress()
}
