// Package sweeper runs the periodic maintenance jobs of scanqueue: it
// reclaims tasks stuck in RUNNING, purges expired idempotency records,
// refreshes scanner health and publishes queue and scanner gauges.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/logging"
	"github.com/anstrom/scanqueue/internal/metrics"
	"github.com/anstrom/scanqueue/internal/queue"
	"github.com/anstrom/scanqueue/internal/scanner"
	"github.com/anstrom/scanqueue/internal/store"
	"github.com/anstrom/scanqueue/internal/task"
)

// Job names.
const (
	JobReclaim = "reclaim-stale"
	JobPurge   = "purge-idempotency"
	JobHealth  = "scanner-health"
	JobGauges  = "queue-gauges"
)

const (
	staleReason = "stale"
	stopTimeout = 30 * time.Second
)

// Purger removes expired records and reports how many it removed.
type Purger interface {
	Purge(ctx context.Context) (int, error)
}

// Config holds job schedules in cron syntax (descriptors such as
// "@every 1m" are accepted). An empty schedule disables the job.
type Config struct {
	ReclaimSchedule string        `yaml:"reclaim_schedule"`
	PurgeSchedule   string        `yaml:"purge_schedule"`
	HealthSchedule  string        `yaml:"health_schedule"`
	GaugeSchedule   string        `yaml:"gauge_schedule"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
}

// DefaultConfig returns the default maintenance schedules.
func DefaultConfig() Config {
	return Config{
		ReclaimSchedule: "@every 1m",
		PurgeSchedule:   "@every 10m",
		HealthSchedule:  "@every 30s",
		GaugeSchedule:   "@every 15s",
		StaleAfter:      4*time.Hour + 15*time.Minute,
		JobTimeout:      2 * time.Minute,
	}
}

// Job is a registered maintenance job.
type Job struct {
	Name      string
	Schedule  string
	EntryID   cron.EntryID
	LastRun   time.Time
	NextRun   time.Time
	LastError string
	Running   bool

	run func(ctx context.Context) error
}

// Sweeper schedules and runs maintenance jobs.
type Sweeper struct {
	config   Config
	store    store.Store
	queue    queue.Queue
	registry *scanner.Registry
	purger   Purger
	metrics  metrics.MetricsRegistry
	logger   *slog.Logger
	now      func() time.Time

	cron    *cron.Cron
	jobs    map[string]*Job
	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a Sweeper. A nil purger disables the purge job, which is
// what backends with native expiry want.
func New(cfg Config, st store.Store, q queue.Queue, registry *scanner.Registry,
	purger Purger, m metrics.MetricsRegistry, logger *slog.Logger) *Sweeper {
	if m == nil {
		m = metrics.Default()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultConfig().JobTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Sweeper{
		config:   cfg,
		store:    st,
		queue:    q,
		registry: registry,
		purger:   purger,
		metrics:  m,
		logger:   logging.FromSlog(logger).WithComponent("sweeper").Logger,
		now:      func() time.Time { return time.Now().UTC() },
		cron:     cron.New(),
		jobs:     make(map[string]*Job),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.jobs[JobReclaim] = &Job{Name: JobReclaim, Schedule: cfg.ReclaimSchedule, run: s.reclaimJob}
	s.jobs[JobHealth] = &Job{Name: JobHealth, Schedule: cfg.HealthSchedule, run: s.healthJob}
	s.jobs[JobGauges] = &Job{Name: JobGauges, Schedule: cfg.GaugeSchedule, run: s.PublishGauges}
	if purger != nil {
		s.jobs[JobPurge] = &Job{Name: JobPurge, Schedule: cfg.PurgeSchedule, run: s.purgeJob}
	}
	return s
}

// Start validates the schedules and starts the cron scheduler.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweeper is already running")
	}

	for name, job := range s.jobs {
		if job.Schedule == "" {
			s.logger.Info("Maintenance job disabled", "job", name)
			continue
		}
		schedule, err := cron.ParseStandard(job.Schedule)
		if err != nil {
			return errors.ErrConfigInvalid("sweeper."+name, job.Schedule)
		}
		name := name
		id, err := s.cron.AddFunc(job.Schedule, func() { s.execute(name) })
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", name, err)
		}
		job.EntryID = id
		job.NextRun = schedule.Next(s.now())
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("Sweeper started", "jobs", len(s.jobs))
	return nil
}

// Stop stops scheduling and waits for running jobs to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("Sweeper stopped")
}

// Jobs returns snapshots of the registered jobs ordered by name.
func (s *Sweeper) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		c := *j
		c.run = nil
		if j.EntryID != 0 {
			if next := s.cron.Entry(j.EntryID).Next; !next.IsZero() {
				c.NextRun = next
			}
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// RunNow runs a job synchronously, outside its schedule.
func (s *Sweeper) RunNow(name string) error {
	s.mu.RLock()
	_, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return errors.NewTaskError(errors.CodeNotFound, fmt.Sprintf("unknown maintenance job %q", name))
	}
	return s.execute(name)
}

func (s *Sweeper) execute(name string) error {
	job, ok := s.prepareJobExecution(name)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.config.JobTimeout)
	err := job.run(ctx)
	cancel()

	s.cleanupJobExecution(name, err)
	s.metrics.Counter(metrics.MetricSweeperRuns, metrics.Labels{metrics.LabelOperation: name})
	if err != nil {
		s.logger.Error("Maintenance job failed", "job", name, "error", err)
	}
	return err
}

// prepareJobExecution marks the job running. It reports false when the
// previous run has not finished yet.
func (s *Sweeper) prepareJobExecution(name string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[name]
	if !ok {
		return nil, false
	}
	if job.Running {
		s.logger.Debug("Maintenance job still running, skipping", "job", name)
		return nil, false
	}
	job.Running = true
	job.LastRun = s.now()
	return job, true
}

func (s *Sweeper) cleanupJobExecution(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[name]; ok {
		job.Running = false
		job.LastError = ""
		if err != nil {
			job.LastError = err.Error()
		}
	}
}

func (s *Sweeper) reclaimJob(ctx context.Context) error {
	_, err := s.Reclaim(ctx)
	return err
}

// Reclaim times out RUNNING tasks started before the stale cutoff, moves
// them to the dead-letter queue and frees their scanner slots. It returns
// the number of tasks reclaimed.
func (s *Sweeper) Reclaim(ctx context.Context) (int, error) {
	if s.config.StaleAfter <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.config.StaleAfter)
	stale, err := s.store.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, t := range stale {
		if ctx.Err() != nil {
			return reclaimed, ctx.Err()
		}
		msg := fmt.Sprintf("no terminal status after %s, reclaimed", s.config.StaleAfter)
		updated, err := s.store.Transition(ctx, t.TaskID, task.StatusTimeout, task.WithError(msg))
		if err != nil {
			if errors.IsInvalidTransition(err) || errors.IsNotFound(err) {
				continue
			}
			return reclaimed, err
		}

		s.stopBackend(updated)
		if err := s.queue.MoveToDLQ(ctx, updated, staleReason); err != nil {
			logging.FromSlog(s.logger).ErrorTask("Failed to dead-letter reclaimed task", t.TaskID, err)
		} else {
			s.metrics.Counter(metrics.MetricDeadLettered, metrics.Labels{metrics.LabelReason: staleReason})
		}
		s.registry.Release(t.TaskID)

		metrics.RecordTransition(s.metrics, string(task.StatusTimeout), string(updated.ScanType))
		s.metrics.Counter(metrics.MetricSweeperReclaimed, nil)
		s.logger.Warn("Reclaimed stale task",
			"task_id", t.TaskID,
			"trace_id", t.TraceID,
			"scanner_instance", t.ScannerInstanceID)
		reclaimed++
	}
	return reclaimed, nil
}

func (s *Sweeper) stopBackend(t *task.Task) {
	if t.BackendScanID == "" {
		return
	}
	engine, err := s.registry.Engine(t.ScannerInstanceID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := engine.StopScan(ctx, t.BackendScanID); err != nil {
		metrics.RecordEngineError(s.metrics, t.ScannerPool, "stop")
		s.logger.Warn("Failed to stop reclaimed scan", "task_id", t.TaskID, "error", err)
	}
}

func (s *Sweeper) purgeJob(ctx context.Context) error {
	n, err := s.purger.Purge(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("Purged expired idempotency records", "removed", n)
	}
	return nil
}

func (s *Sweeper) healthJob(ctx context.Context) error {
	s.registry.CheckHealth(ctx)
	s.publishScannerGauges()
	return nil
}

// PublishGauges records queue and dead-letter sizes and per-instance
// scanner load.
func (s *Sweeper) PublishGauges(ctx context.Context) error {
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		return err
	}
	dlq, err := s.queue.DLQSize(ctx)
	if err != nil {
		return err
	}
	metrics.SetQueueSizes(s.metrics, depth, dlq)
	s.publishScannerGauges()
	return nil
}

func (s *Sweeper) publishScannerGauges() {
	for _, inst := range s.registry.List(scanner.Filter{}) {
		labels := metrics.Labels{metrics.LabelInstance: inst.ID, metrics.LabelPool: inst.Pool}
		s.metrics.Gauge(metrics.MetricScannerLoad, float64(inst.Load), labels)
		s.metrics.Gauge(metrics.MetricScannerCapacity, float64(inst.Capacity), labels)
		healthy := 0.0
		if inst.Enabled && inst.Status == scanner.StatusHealthy {
			healthy = 1
		}
		s.metrics.Gauge(metrics.MetricScannerHealthy, healthy, labels)
	}
}
