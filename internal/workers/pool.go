// Package workers runs the dispatcher that takes tasks off the queue, drives
// them through a scanner backend and commits every state change to the task
// store. It supports graceful shutdown and integrates with the structured
// logging and metrics systems.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/logging"
	"github.com/anstrom/scanqueue/internal/metrics"
	"github.com/anstrom/scanqueue/internal/queue"
	"github.com/anstrom/scanqueue/internal/scanner"
	"github.com/anstrom/scanqueue/internal/store"
	"github.com/anstrom/scanqueue/internal/task"
)

// Scanners is the part of the scanner registry the dispatcher needs.
type Scanners interface {
	Engine(instanceID string) (scanner.Engine, error)
	Release(taskID string)
}

// Config holds configuration for the dispatcher.
type Config struct {
	// Size is the number of worker goroutines.
	Size int `yaml:"size" json:"size"`
	// DequeueTimeout bounds each blocking dequeue.
	DequeueTimeout time.Duration `yaml:"dequeue_timeout" json:"dequeue_timeout"`
	// PollInterval is the first status poll delay; it grows up to MaxPollInterval.
	PollInterval    time.Duration `yaml:"poll_interval" json:"poll_interval"`
	MaxPollInterval time.Duration `yaml:"max_poll_interval" json:"max_poll_interval"`
	// MaxDuration is the longest a scan may run before it is timed out.
	MaxDuration time.Duration `yaml:"max_duration" json:"max_duration"`
	// MaxStatusErrors is the number of consecutive status poll failures
	// tolerated before the task is failed.
	MaxStatusErrors int `yaml:"max_status_errors" json:"max_status_errors"`
	// ShutdownTimeout is the maximum time to wait for workers to finish.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig returns a default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Size:            4,
		DequeueTimeout:  5 * time.Second,
		PollInterval:    5 * time.Second,
		MaxPollInterval: time.Minute,
		MaxDuration:     4 * time.Hour,
		MaxStatusErrors: 5,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Outcome of processing one task, used as a metrics label.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
	OutcomeSkipped   = "skipped"
	OutcomeAbandoned = "abandoned"
)

// Pool is the dispatcher: a fixed set of workers pulling from the queue.
type Pool struct {
	config   Config
	store    store.Store
	queue    queue.Queue
	scanners Scanners
	metrics  metrics.MetricsRegistry
	logger   *slog.Logger
	now      func() time.Time

	wg         sync.WaitGroup
	cancel     context.CancelFunc
	startOnce  sync.Once
	shutdown32 int32 // atomic shutdown flag
	active     atomic.Int64
}

// New creates a dispatcher. A nil registry uses the default metrics registry.
func New(cfg Config, st store.Store, q queue.Queue, scanners Scanners,
	registry metrics.MetricsRegistry, logger *slog.Logger) *Pool {
	def := DefaultConfig()
	if cfg.Size <= 0 {
		cfg.Size = def.Size
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = def.DequeueTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = cfg.PollInterval
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	if cfg.MaxStatusErrors <= 0 {
		cfg.MaxStatusErrors = def.MaxStatusErrors
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if registry == nil {
		registry = metrics.Default()
	}
	return &Pool{
		config:   cfg,
		store:    st,
		queue:    q,
		scanners: scanners,
		metrics:  registry,
		logger:   logging.FromSlog(logger).WithComponent("dispatcher").Logger,
		now:      time.Now,
	}
}

// Start launches the workers. It is a no-op after the first call.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		p.logger.Info("Starting dispatcher", "worker_count", p.config.Size)

		for i := 0; i < p.config.Size; i++ {
			p.wg.Add(1)
			go p.run(ctx, i)
		}
		p.metrics.Gauge("worker_pool_size", float64(p.config.Size), metrics.Labels{
			metrics.LabelComponent: "dispatcher",
		})
	})
}

// Shutdown stops the workers and waits up to the shutdown timeout. Tasks
// that were mid-scan stay RUNNING and are reclaimed by the sweeper.
func (p *Pool) Shutdown() error {
	if !atomic.CompareAndSwapInt32(&p.shutdown32, 0, 1) {
		return nil
	}
	p.logger.Info("Shutting down dispatcher")
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Dispatcher shutdown completed")
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		return fmt.Errorf("dispatcher shutdown timed out after %v", p.config.ShutdownTimeout)
	}
}

// Active returns the number of workers currently processing a task.
func (p *Pool) Active() int64 {
	return p.active.Load()
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker_id", id)

	errBackoff := backoff.NewExponentialBackOff()
	errBackoff.InitialInterval = 100 * time.Millisecond
	errBackoff.MaxInterval = 10 * time.Second
	errBackoff.MaxElapsedTime = 0

	for {
		if atomic.LoadInt32(&p.shutdown32) == 1 || ctx.Err() != nil {
			return
		}

		t, err := p.queue.Dequeue(ctx, p.config.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := errBackoff.NextBackOff()
			logger.Error("Dequeue failed", "error", err, "retry_in", wait)
			if !sleep(ctx, wait) {
				return
			}
			continue
		}
		errBackoff.Reset()
		if t == nil {
			continue
		}

		p.active.Add(1)
		p.metrics.Gauge(metrics.MetricWorkersActive, float64(p.active.Load()), nil)
		outcome := p.Process(ctx, t)
		p.active.Add(-1)
		p.metrics.Gauge(metrics.MetricWorkersActive, float64(p.active.Load()), nil)
		p.metrics.Counter(metrics.MetricTasksProcessed, metrics.Labels{metrics.LabelStatus: outcome})
	}
}

// Process drives one dequeued task to a terminal state and returns the
// outcome. The scanner slot reserved at submit is always released.
func (p *Pool) Process(ctx context.Context, dequeued *task.Task) string {
	defer p.scanners.Release(dequeued.TaskID)
	taskLog := logging.FromSlog(p.logger).WithTaskID(dequeued.TaskID).WithTraceID(dequeued.TraceID)
	logger := taskLog.Logger

	current, err := p.store.Get(ctx, dequeued.TaskID)
	if err != nil {
		if errors.IsNotFound(err) {
			logger.Info("Skipping deleted task")
		} else {
			taskLog.WithError(err).Error("Failed to load task")
		}
		return OutcomeSkipped
	}
	if current.Status != task.StatusQueued {
		logger.Info("Skipping task that is no longer queued", "status", current.Status)
		return OutcomeSkipped
	}

	engine, err := p.scanners.Engine(current.ScannerInstanceID)
	if err != nil {
		return p.fail(ctx, logger, current, "scanner instance unavailable: "+err.Error(), "engine")
	}

	req, err := scanner.BuildScanRequest(current)
	if err != nil {
		return p.fail(ctx, logger, current, err.Error(), "request")
	}

	scanID, err := engine.CreateScan(ctx, req)
	if err != nil {
		metrics.RecordEngineError(p.metrics, current.ScannerPool, "create")
		return p.fail(ctx, logger, current, errors.ErrBackend(current.TaskID, "create", err).Error(), "engine")
	}
	if _, err := engine.LaunchScan(ctx, scanID); err != nil {
		metrics.RecordEngineError(p.metrics, current.ScannerPool, "launch")
		p.discard(logger, engine, scanID, false)
		return p.fail(ctx, logger, current, errors.ErrBackend(current.TaskID, "launch", err).Error(), "engine")
	}

	zero := 0
	running, err := p.store.Transition(ctx, current.TaskID, task.StatusRunning,
		task.Metadata{BackendScanID: &scanID, Progress: &zero})
	if err != nil {
		if errors.IsInvalidTransition(err) || errors.IsNotFound(err) {
			logger.Info("Task changed while launching, stopping backend scan", "error", err)
			p.discard(logger, engine, scanID, true)
			return OutcomeSkipped
		}
		logger.Error("Failed to record running state", "error", err)
		return OutcomeAbandoned
	}
	metrics.RecordTransition(p.metrics, string(task.StatusRunning), string(running.ScanType))
	logger.Info("Scan launched", "backend_scan_id", scanID, "instance_id", running.ScannerInstanceID)

	return p.poll(ctx, logger, running, engine)
}

// poll follows the backend scan until it reaches a terminal state. No lock
// is held while waiting on the engine.
func (p *Pool) poll(ctx context.Context, logger *slog.Logger, t *task.Task, engine scanner.Engine) string {
	scanID := t.BackendScanID
	started := p.now()
	if t.StartedAt != nil {
		started = *t.StartedAt
	}
	deadline := started.Add(p.config.MaxDuration)

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = p.config.PollInterval
	schedule.MaxInterval = p.config.MaxPollInterval
	schedule.MaxElapsedTime = 0
	schedule.Reset()

	statusErrors := 0
	lastProgress := t.Progress

	for {
		wait := schedule.NextBackOff()
		if remaining := deadline.Sub(p.now()); remaining < wait {
			wait = max(remaining, 0)
		}
		if !sleep(ctx, wait) {
			logger.Info("Polling interrupted, task left for the sweeper")
			return OutcomeAbandoned
		}

		if !p.now().Before(deadline) {
			p.stopBackend(logger, engine, scanID)
			msg := fmt.Sprintf("scan exceeded max duration of %v", p.config.MaxDuration)
			return p.finish(ctx, logger, t, task.StatusTimeout, msg, "timeout")
		}

		current, err := p.store.Get(ctx, t.TaskID)
		if err != nil && !errors.IsNotFound(err) {
			logger.Warn("Failed to reload task", "error", err)
			continue
		}
		if err != nil || current.Status.IsTerminal() {
			return p.endedElsewhere(logger, engine, current, scanID)
		}

		native, err := engine.GetStatus(ctx, scanID)
		if err != nil {
			statusErrors++
			metrics.RecordEngineError(p.metrics, t.ScannerPool, "status")
			logger.Warn("Status poll failed", "error", err, "consecutive", statusErrors)
			if statusErrors >= p.config.MaxStatusErrors {
				return p.fail(ctx, logger, t, errors.ErrBackend(t.TaskID, "status", err).Error(), "engine")
			}
			continue
		}
		statusErrors = 0

		switch native.Lifecycle() {
		case task.StatusRunning:
			if native.Progress == lastProgress {
				continue
			}
			if _, err := p.store.Transition(ctx, t.TaskID, task.StatusRunning, task.WithProgress(native.Progress)); err != nil {
				if errors.IsInvalidTransition(err) || errors.IsNotFound(err) {
					return p.endedElsewhere(logger, engine, nil, scanID)
				}
				logger.Warn("Failed to record progress", "error", err)
				continue
			}
			lastProgress = native.Progress

		case task.StatusCompleted:
			records, err := engine.FetchResults(ctx, scanID)
			if err != nil {
				metrics.RecordEngineError(p.metrics, t.ScannerPool, "results")
				return p.fail(ctx, logger, t, errors.ErrBackend(t.TaskID, "results", err).Error(), "engine")
			}
			if err := p.store.SaveResults(ctx, t.TaskID, records); err != nil {
				if errors.IsNotFound(err) {
					return OutcomeSkipped
				}
				return p.fail(ctx, logger, t, "failed to save results: "+err.Error(), "storage")
			}
			return p.finish(ctx, logger, t, task.StatusCompleted, "", "")

		case task.StatusFailed:
			return p.finish(ctx, logger, t, task.StatusFailed,
				fmt.Sprintf("scanner reported status %q", native.Status), "backend_failed")

		case task.StatusQueued:
			// Backend still pending.

		default:
			logger.Debug("Ignoring unknown native status", "native_status", native.Status)
		}
	}
}

func (p *Pool) fail(ctx context.Context, logger *slog.Logger, t *task.Task, msg, reason string) string {
	return p.finish(ctx, logger, t, task.StatusFailed, msg, reason)
}

// finish commits a terminal status and dead-letters every non-success.
func (p *Pool) finish(ctx context.Context, logger *slog.Logger, t *task.Task, to task.Status, msg, reason string) string {
	md := task.Metadata{}
	if msg != "" {
		md = task.WithError(msg)
	}
	done, err := p.store.Transition(ctx, t.TaskID, to, md)
	if err != nil {
		if errors.IsInvalidTransition(err) || errors.IsNotFound(err) {
			logger.Info("Task already finished elsewhere", "wanted", to)
			return OutcomeSkipped
		}
		logger.Error("Failed to record terminal state", "status", to, "error", err)
		return OutcomeAbandoned
	}
	metrics.RecordTransition(p.metrics, string(to), string(done.ScanType))
	if done.StartedAt != nil && done.CompletedAt != nil {
		metrics.RecordTaskDuration(p.metrics, string(done.ScanType), string(to), done.CompletedAt.Sub(*done.StartedAt))
	}

	if to == task.StatusCompleted {
		logger.Info("Scan completed")
		return OutcomeCompleted
	}

	logger.Warn("Scan did not complete", "status", to, "reason", msg)
	if err := p.queue.MoveToDLQ(ctx, done, msg); err != nil {
		logger.Error("Failed to dead-letter task", "error", err)
	} else {
		p.metrics.Counter(metrics.MetricDeadLettered, metrics.Labels{metrics.LabelReason: reason})
	}
	if to == task.StatusTimeout {
		return OutcomeTimeout
	}
	return OutcomeFailed
}

// endedElsewhere handles a task that was stopped, timed out or deleted while
// its scan was being polled. Unless the task completed, the backend scan is
// stopped so it does not outlive its task. current is nil when unknown.
func (p *Pool) endedElsewhere(logger *slog.Logger, engine scanner.Engine, current *task.Task, scanID string) string {
	if current != nil && current.Status == task.StatusCompleted {
		logger.Info("Task completed outside the dispatcher")
		return OutcomeSkipped
	}
	logger.Info("Task ended outside the dispatcher, stopping backend scan", "backend_scan_id", scanID)
	p.stopBackend(logger, engine, scanID)
	return OutcomeSkipped
}

// stopBackend asks the engine to stop a scan without the caller's context so
// cancellation of the worker does not leave the backend running.
func (p *Pool) stopBackend(logger *slog.Logger, engine scanner.Engine, scanID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := engine.StopScan(ctx, scanID); err != nil {
		logger.Warn("Failed to stop backend scan", "backend_scan_id", scanID, "error", err)
	}
}

// discard removes a backend scan that no task will follow.
func (p *Pool) discard(logger *slog.Logger, engine scanner.Engine, scanID string, launched bool) {
	if launched {
		p.stopBackend(logger, engine, scanID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := engine.DeleteScan(ctx, scanID); err != nil {
		logger.Warn("Failed to delete backend scan", "backend_scan_id", scanID, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
