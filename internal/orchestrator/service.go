// Package orchestrator is the tool-facing surface of scanqueue. It accepts
// scan submissions, answers status and result queries, and applies the user
// controls (pause, resume, stop, delete) on top of the store, queue,
// idempotency manager and scanner registry.
package orchestrator

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/idempotency"
	"github.com/anstrom/scanqueue/internal/logging"
	"github.com/anstrom/scanqueue/internal/metrics"
	"github.com/anstrom/scanqueue/internal/queue"
	"github.com/anstrom/scanqueue/internal/results"
	"github.com/anstrom/scanqueue/internal/scanner"
	"github.com/anstrom/scanqueue/internal/store"
	"github.com/anstrom/scanqueue/internal/targets"
	"github.com/anstrom/scanqueue/internal/task"
)

const (
	// DefaultPool is used when a submission names no scanner pool.
	DefaultPool = "default"

	stoppedByUser   = "stopped by user"
	defaultPeekSize = 10
)

// Config holds orchestrator settings.
type Config struct {
	DefaultPool     string `yaml:"default_pool" json:"default_pool"`
	DefaultPageSize int    `yaml:"default_page_size" json:"default_page_size"`
	MaxPageSize     int    `yaml:"max_page_size" json:"max_page_size"`
}

// DefaultConfig returns the default orchestrator settings.
func DefaultConfig() Config {
	return Config{
		DefaultPool:     DefaultPool,
		DefaultPageSize: results.DefaultPageSize,
		MaxPageSize:     1000,
	}
}

// Service implements the scan operations exposed to callers.
type Service struct {
	config   Config
	store    store.Store
	queue    queue.Queue
	idem     *idempotency.Manager
	registry *scanner.Registry
	metrics  metrics.MetricsRegistry
	logger   *slog.Logger
}

// New creates a Service. A nil metrics registry uses the package default.
func New(cfg Config, st store.Store, q queue.Queue, idem *idempotency.Manager,
	registry *scanner.Registry, m metrics.MetricsRegistry, logger *slog.Logger) *Service {
	if m == nil {
		m = metrics.Default()
	}
	if cfg.DefaultPool == "" {
		cfg.DefaultPool = DefaultPool
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = results.DefaultPageSize
	}
	return &Service{
		config:   cfg,
		store:    st,
		queue:    q,
		idem:     idem,
		registry: registry,
		metrics:  m,
		logger:   logging.FromSlog(logger).WithComponent("orchestrator").Logger,
	}
}

// SubmitRequest is a scan submission.
type SubmitRequest struct {
	Targets        string            `json:"targets"`
	Name           string            `json:"name,omitempty"`
	Description    string            `json:"description,omitempty"`
	ScanType       string            `json:"scan_type,omitempty"`
	SchemaProfile  string            `json:"schema_profile,omitempty"`
	ScannerType    string            `json:"scanner_type,omitempty"`
	ScannerPool    string            `json:"scanner_pool,omitempty"`
	Credentials    map[string]string `json:"credentials,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// SubmitResponse acknowledges a submission.
type SubmitResponse struct {
	TaskID          string `json:"task_id"`
	TraceID         string `json:"trace_id"`
	Status          string `json:"status"`
	ScannerInstance string `json:"scanner_instance"`
	Duplicate       bool   `json:"duplicate,omitempty"`
}

// params is the canonical parameter set hashed for idempotency. The key
// itself is not part of it.
func (r SubmitRequest) params(scanType task.ScanType, pool string) map[string]any {
	creds := make(map[string]any, len(r.Credentials))
	for k, v := range r.Credentials {
		creds[k] = v
	}
	return map[string]any{
		"targets":        r.Targets,
		"name":           r.Name,
		"description":    r.Description,
		"scan_type":      string(scanType),
		"schema_profile": r.SchemaProfile,
		"scanner_type":   r.ScannerType,
		"scanner_pool":   pool,
		"credentials":    creds,
	}
}

// SubmitScan validates and queues a scan. A repeated idempotency key with
// identical parameters returns the task created by the first submission.
func (s *Service) SubmitScan(ctx context.Context, req SubmitRequest, headers http.Header) (*SubmitResponse, error) {
	scanType, pool, err := s.validate(&req)
	if err != nil {
		return nil, err
	}

	var args map[string]any
	if req.IdempotencyKey != "" {
		args = map[string]any{idempotency.ArgName: req.IdempotencyKey}
	}
	key, err := idempotency.ExtractKey(headers, args)
	if err != nil {
		return nil, err
	}
	params := req.params(scanType, pool)

	if key != "" {
		existing, found, err := s.idem.Check(ctx, key, params)
		if err != nil {
			return nil, err
		}
		if found {
			return s.replay(ctx, existing, key)
		}
	}

	t := task.New(scanType, task.Payload{
		Targets:       req.Targets,
		Name:          req.Name,
		Description:   req.Description,
		SchemaProfile: req.SchemaProfile,
		Credentials:   req.Credentials,
	})
	t.ScannerPool = pool
	t.ScannerType = req.ScannerType

	inst, err := s.registry.Select(scanner.Selection{
		Pool:        pool,
		ScannerType: req.ScannerType,
		ScanType:    scanType,
		TaskID:      t.TaskID,
	})
	if err != nil {
		s.logger.Warn("Submission rejected", "pool", pool, "scan_type", scanType, "error", err)
		return nil, err
	}
	t.ScannerInstanceID = inst.ID

	if key != "" {
		won, err := s.idem.Store(ctx, key, t.TaskID, params)
		if err != nil {
			s.registry.Release(t.TaskID)
			return nil, err
		}
		if !won {
			s.registry.Release(t.TaskID)
			existing, found, err := s.idem.Check(ctx, key, params)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, errors.NewTaskError(errors.CodeConflict,
					"idempotency key was released concurrently, retry the submission").
					WithContext("idempotency_key", key)
			}
			return s.replay(ctx, existing, key)
		}
	}

	if err := s.store.Create(ctx, t); err != nil {
		s.registry.Release(t.TaskID)
		if key != "" {
			if ferr := s.idem.Forget(ctx, key); ferr != nil {
				s.logger.Error("Failed to release idempotency key", "idempotency_key", key, "error", ferr)
			}
		}
		return nil, err
	}

	if _, err := s.queue.Enqueue(ctx, t); err != nil {
		s.registry.Release(t.TaskID)
		if _, terr := s.store.Transition(ctx, t.TaskID, task.StatusFailed,
			task.WithError("enqueue failed: "+err.Error())); terr != nil {
			logging.FromSlog(s.logger).ErrorTask("Failed to mark unqueued task failed", t.TaskID, terr)
		} else {
			metrics.RecordTransition(s.metrics, string(task.StatusFailed), string(scanType))
		}
		return nil, errors.WrapTaskError(errors.CodeQueue, "failed to enqueue task", t.TaskID, err)
	}

	s.metrics.Counter(metrics.MetricTasksSubmitted, metrics.Labels{
		metrics.LabelScanType: string(scanType),
		metrics.LabelPool:     pool,
	})
	s.logger.Info("Scan queued",
		"task_id", t.TaskID,
		"trace_id", t.TraceID,
		"scan_type", scanType,
		"pool", pool,
		"scanner_instance", inst.ID)

	return &SubmitResponse{
		TaskID:          t.TaskID,
		TraceID:         t.TraceID,
		Status:          strings.ToLower(string(task.StatusQueued)),
		ScannerInstance: inst.ID,
	}, nil
}

func (s *Service) replay(ctx context.Context, taskID, key string) (*SubmitResponse, error) {
	s.metrics.Counter(metrics.MetricIdempotentReplays, nil)
	s.logger.Info("Idempotent submission replayed", "idempotency_key", key, "task_id", taskID)

	resp := &SubmitResponse{TaskID: taskID, Duplicate: true}
	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		if errors.IsNotFound(err) {
			resp.Status = "unknown"
			return resp, nil
		}
		return nil, err
	}
	resp.TraceID = t.TraceID
	resp.Status = strings.ToLower(string(t.Status))
	resp.ScannerInstance = t.ScannerInstanceID
	return resp, nil
}

func (s *Service) validate(req *SubmitRequest) (task.ScanType, string, error) {
	req.Targets = strings.TrimSpace(req.Targets)
	if req.Targets == "" {
		return "", "", errors.ErrValidation("targets must not be empty")
	}
	if _, err := targets.ParseList(req.Targets); err != nil {
		return "", "", err
	}
	scanType, err := task.ParseScanType(req.ScanType)
	if err != nil {
		return "", "", err
	}
	if req.SchemaProfile != "" {
		if _, err := results.ParseProfile(req.SchemaProfile); err != nil {
			return "", "", err
		}
	}
	pool := strings.TrimSpace(req.ScannerPool)
	if pool == "" {
		pool = s.config.DefaultPool
	}

	// Credential rules are checked up front so a bad request never takes a slot.
	draft := &task.Task{ScanType: scanType, Payload: task.Payload{
		Targets:     req.Targets,
		Name:        req.Name,
		Credentials: req.Credentials,
	}}
	if _, err := scanner.BuildScanRequest(draft); err != nil {
		return "", "", err
	}
	return scanType, pool, nil
}

// StatusView is the caller-facing status of a task.
type StatusView struct {
	TaskID          string        `json:"task_id"`
	TraceID         string        `json:"trace_id"`
	Name            string        `json:"name,omitempty"`
	Targets         string        `json:"targets"`
	ScanType        task.ScanType `json:"scan_type"`
	Status          task.Status   `json:"status"`
	Progress        int           `json:"progress"`
	Paused          bool          `json:"paused"`
	ScannerPool     string        `json:"scanner_pool"`
	ScannerInstance string        `json:"scanner_instance"`
	BackendScanID   string        `json:"backend_scan_id,omitempty"`
	CreatedAt       string        `json:"created_at"`
	StartedAt       string        `json:"started_at,omitempty"`
	CompletedAt     string        `json:"completed_at,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
}

// NewStatusView converts a task snapshot into its caller-facing form.
func NewStatusView(t *task.Task) StatusView {
	v := StatusView{
		TaskID:          t.TaskID,
		TraceID:         t.TraceID,
		Name:            t.Payload.Name,
		Targets:         t.Payload.Targets,
		ScanType:        t.ScanType,
		Status:          t.Status,
		Progress:        t.Progress,
		Paused:          t.Paused,
		ScannerPool:     t.ScannerPool,
		ScannerInstance: t.ScannerInstanceID,
		BackendScanID:   t.BackendScanID,
		CreatedAt:       t.CreatedAt.UTC().Format(time.RFC3339),
		ErrorMessage:    t.ErrorMessage,
	}
	if t.StartedAt != nil {
		v.StartedAt = t.StartedAt.UTC().Format(time.RFC3339)
	}
	if t.CompletedAt != nil {
		v.CompletedAt = t.CompletedAt.UTC().Format(time.RFC3339)
	}
	return v
}

// GetStatus returns the current status of a task.
func (s *Service) GetStatus(ctx context.Context, taskID string) (*StatusView, error) {
	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	v := NewStatusView(t)
	return &v, nil
}

// ResultsRequest selects the projection of a task's results.
type ResultsRequest struct {
	SchemaProfile string
	CustomFields  []string
	Filters       map[string]string
	Page          int
	PageSize      int
}

// GetResults renders the stored results of a task as JSON lines. Without
// an explicit profile or field list the task's submitted profile applies.
func (s *Service) GetResults(ctx context.Context, taskID string, req ResultsRequest) (string, error) {
	if req.SchemaProfile != "" && len(req.CustomFields) > 0 {
		return "", errors.ErrMutuallyExclusive("schema_profile", "custom_fields")
	}
	if req.Page < 0 || req.PageSize < 0 {
		return "", errors.ErrValidation("page and page_size must not be negative")
	}
	if s.config.MaxPageSize > 0 && req.PageSize > s.config.MaxPageSize {
		return "", errors.ErrValidation("page_size exceeds the maximum").
			WithContext("max_page_size", s.config.MaxPageSize)
	}

	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	records, err := s.store.Results(ctx, taskID)
	if err != nil {
		return "", err
	}

	profile := req.SchemaProfile
	if profile == "" && len(req.CustomFields) == 0 {
		profile = t.Payload.SchemaProfile
	}
	pageSize := req.PageSize
	if req.Page > 0 && pageSize == 0 {
		pageSize = s.config.DefaultPageSize
	}

	lines, err := results.Project(results.Metadata{
		TaskID:          t.TaskID,
		TraceID:         t.TraceID,
		Name:            t.Payload.Name,
		Targets:         t.Payload.Targets,
		Status:          string(t.Status),
		ScannerInstance: t.ScannerInstanceID,
		CompletedAt:     t.CompletedAt,
	}, records, results.Options{
		Profile:      profile,
		CustomFields: req.CustomFields,
		Filters:      req.Filters,
		Page:         req.Page,
		PageSize:     pageSize,
	})
	if err != nil {
		return "", err
	}
	return results.Render(lines), nil
}

// Pause suspends a running scan on its backend.
func (s *Service) Pause(ctx context.Context, taskID string) (*StatusView, error) {
	return s.setPaused(ctx, taskID, true)
}

// Resume continues a paused scan.
func (s *Service) Resume(ctx context.Context, taskID string) (*StatusView, error) {
	return s.setPaused(ctx, taskID, false)
}

func (s *Service) setPaused(ctx context.Context, taskID string, paused bool) (*StatusView, error) {
	op, target := "resume", "RESUMED"
	if paused {
		op, target = "pause", "PAUSED"
	}

	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusRunning || t.BackendScanID == "" {
		return nil, errors.ErrInvalidTransition(taskID, string(t.Status), target)
	}
	if t.Paused == paused {
		v := NewStatusView(t)
		return &v, nil
	}

	engine, err := s.registry.Engine(t.ScannerInstanceID)
	if err != nil {
		return nil, err
	}
	if paused {
		err = engine.PauseScan(ctx, t.BackendScanID)
	} else {
		err = engine.ResumeScan(ctx, t.BackendScanID)
	}
	if err != nil {
		metrics.RecordEngineError(s.metrics, t.ScannerPool, op)
		return nil, errors.ErrBackend(taskID, op, err)
	}

	updated, err := s.store.Transition(ctx, taskID, task.StatusRunning, task.Metadata{Paused: &paused})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Scan "+op+"d", "task_id", taskID, "backend_scan_id", t.BackendScanID)
	v := NewStatusView(updated)
	return &v, nil
}

// Stop ends a task. A queued task fails without touching a backend; a
// running one is stopped on its backend first.
func (s *Service) Stop(ctx context.Context, taskID string) (*StatusView, error) {
	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return nil, errors.ErrInvalidTransition(taskID, string(t.Status), string(task.StatusFailed))
	}

	if t.Status == task.StatusRunning && t.BackendScanID != "" {
		engine, err := s.registry.Engine(t.ScannerInstanceID)
		if err != nil {
			return nil, err
		}
		if err := engine.StopScan(ctx, t.BackendScanID); err != nil {
			metrics.RecordEngineError(s.metrics, t.ScannerPool, "stop")
			return nil, errors.ErrBackend(taskID, "stop", err)
		}
	}

	updated, err := s.store.Transition(ctx, taskID, task.StatusFailed, task.WithError(stoppedByUser))
	if err != nil {
		return nil, err
	}
	if t.BackendScanID == "" && updated.BackendScanID != "" {
		// The dispatcher launched the scan after the read above.
		s.stopLaunched(ctx, updated)
	}
	if t.Status == task.StatusQueued {
		s.registry.Release(taskID)
	}
	metrics.RecordTransition(s.metrics, string(task.StatusFailed), string(t.ScanType))
	logging.FromSlog(s.logger).InfoTask("Scan stopped", taskID, "previous_status", t.Status)
	v := NewStatusView(updated)
	return &v, nil
}

// stopLaunched stops the backend scan of a task that is already terminal
// in the store. Failures are logged; the task state stands.
func (s *Service) stopLaunched(ctx context.Context, t *task.Task) {
	engine, err := s.registry.Engine(t.ScannerInstanceID)
	if err != nil {
		s.logger.Warn("Scanner instance gone, backend scan left running",
			"task_id", t.TaskID, "backend_scan_id", t.BackendScanID, "error", err)
		return
	}
	if err := engine.StopScan(ctx, t.BackendScanID); err != nil {
		metrics.RecordEngineError(s.metrics, t.ScannerPool, "stop")
		s.logger.Warn("Backend stop failed after stop", "task_id", t.TaskID,
			"backend_scan_id", t.BackendScanID, "error", err)
	}
}

// Delete removes a task and its results. The backend scan is stopped and
// deleted on a best-effort basis. Deleting a missing task succeeds.
func (s *Service) Delete(ctx context.Context, taskID string) error {
	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}

	if t.BackendScanID != "" {
		if engine, err := s.registry.Engine(t.ScannerInstanceID); err == nil {
			if t.Status == task.StatusRunning {
				if err := engine.StopScan(ctx, t.BackendScanID); err != nil {
					s.logger.Warn("Backend stop failed during delete", "task_id", taskID, "error", err)
				}
			}
			if err := engine.DeleteScan(ctx, t.BackendScanID); err != nil {
				metrics.RecordEngineError(s.metrics, t.ScannerPool, "delete")
				s.logger.Warn("Backend delete failed", "task_id", taskID, "error", err)
			}
		} else {
			s.logger.Warn("Scanner instance gone, backend scan left in place",
				"task_id", taskID, "scanner_instance", t.ScannerInstanceID)
		}
	}

	if err := s.store.Delete(ctx, taskID); err != nil {
		return err
	}
	s.registry.Release(taskID)
	logging.FromSlog(s.logger).InfoTask("Task deleted", taskID)
	return nil
}

// ListRequest filters ListTasks. Target matches tasks whose targets cover
// or overlap the given IP, CIDR or hostname.
type ListRequest struct {
	Status   string
	ScanType string
	Pool     string
	Target   string
	Limit    int
}

// ListTasks returns tasks matching the request, newest first.
func (s *Service) ListTasks(ctx context.Context, req ListRequest) ([]StatusView, error) {
	var f store.Filter
	if req.Status != "" {
		st, err := task.ParseStatus(req.Status)
		if err != nil {
			return nil, err
		}
		f.Status = st
	}
	if req.ScanType != "" {
		st, err := task.ParseScanType(req.ScanType)
		if err != nil {
			return nil, err
		}
		f.ScanType = st
	}
	if req.Limit < 0 {
		return nil, errors.ErrValidation("limit must not be negative")
	}
	f.Pool = req.Pool

	query := strings.TrimSpace(req.Target)
	if query == "" {
		f.Limit = req.Limit
	}
	tasks, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}

	views := make([]StatusView, 0, len(tasks))
	for _, t := range tasks {
		if query != "" && !targets.Match(query, t.Payload.Targets) {
			continue
		}
		views = append(views, NewStatusView(t))
		if req.Limit > 0 && len(views) == req.Limit {
			break
		}
	}
	return views, nil
}

// ListScanners returns the registered scanner instances.
func (s *Service) ListScanners(pool string, enabledOnly bool) []scanner.Instance {
	return s.registry.List(scanner.Filter{Pool: pool, EnabledOnly: enabledOnly})
}

// SetScannerStatus changes the status of a scanner instance and returns
// the updated instance.
func (s *Service) SetScannerStatus(id string, status scanner.Status) (scanner.Instance, error) {
	if err := s.registry.SetStatus(id, status); err != nil {
		return scanner.Instance{}, err
	}
	return s.registry.Get(id)
}

// PoolHealth summarizes every scanner pool.
func (s *Service) PoolHealth() scanner.PoolHealth {
	return s.registry.Health()
}

// QueueStats describes the queue and dead-letter queue.
type QueueStats struct {
	Depth   int64    `json:"depth"`
	DLQSize int64    `json:"dlq_size"`
	Next    []string `json:"next,omitempty"`
}

// QueueStats returns queue depth, dead-letter size and the ids of the
// oldest pending tasks.
func (s *Service) QueueStats(ctx context.Context) (*QueueStats, error) {
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		return nil, err
	}
	dlq, err := s.queue.DLQSize(ctx)
	if err != nil {
		return nil, err
	}
	next, err := s.queue.Peek(ctx, defaultPeekSize)
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{Depth: depth, DLQSize: dlq}
	for _, t := range next {
		stats.Next = append(stats.Next, t.TaskID)
	}
	metrics.SetQueueSizes(s.metrics, depth, dlq)
	return stats, nil
}

// DeadLetters returns dead-letter entries in the inclusive index range.
func (s *Service) DeadLetters(ctx context.Context, start, end int64) ([]queue.DeadLetter, error) {
	return s.queue.DLQTasks(ctx, start, end)
}

// ClearDeadLetters empties the dead-letter queue.
func (s *Service) ClearDeadLetters(ctx context.Context) (int64, error) {
	n, err := s.queue.ClearDLQ(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.Info("Dead-letter queue cleared", "removed", n)
	return n, nil
}
