package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/logging"
	"github.com/anstrom/scanqueue/internal/task"
)

// Status is the health state of a scanner instance.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDisabled  Status = "disabled"
)

// Instance is a scanner backend as seen by the registry.
type Instance struct {
	ID          string          `json:"id"`
	Pool        string          `json:"pool"`
	ScannerType string          `json:"scanner_type"`
	URL         string          `json:"url"`
	Status      Status          `json:"status"`
	Capacity    int             `json:"capacity"`
	Load        int             `json:"load"`
	Enabled     bool            `json:"enabled"`
	ScanTypes   []task.ScanType `json:"scan_types,omitempty"`
	LastChecked time.Time       `json:"last_checked,omitempty"`
}

func (i *Instance) supports(st task.ScanType) bool {
	if len(i.ScanTypes) == 0 {
		return true
	}
	for _, s := range i.ScanTypes {
		if s == st {
			return true
		}
	}
	return false
}

func (i *Instance) available() bool {
	return i.Enabled && i.Status == StatusHealthy && i.Load < i.Capacity
}

// Selection describes the instance a new task needs.
type Selection struct {
	Pool        string
	ScannerType string
	ScanType    task.ScanType
	TaskID      string
}

// Filter narrows List results.
type Filter struct {
	Pool        string
	EnabledOnly bool
}

// PoolStats aggregates the instances of one pool.
type PoolStats struct {
	Pool      string `json:"pool"`
	Total     int    `json:"total"`
	Healthy   int    `json:"healthy"`
	Unhealthy int    `json:"unhealthy"`
	Disabled  int    `json:"disabled"`
	Load      int    `json:"load"`
	Capacity  int    `json:"capacity"`
}

// PoolHealth is the aggregate state of every pool.
type PoolHealth struct {
	Healthy bool        `json:"healthy"`
	Pools   []PoolStats `json:"pools"`
}

type entry struct {
	instance Instance
	engine   Engine
}

// Registry tracks scanner instances and their load. Each selected task
// holds one load slot on its instance until Release is called for it.
type Registry struct {
	mu           sync.RWMutex
	entries      map[string]*entry
	reservations map[string]string
	cursors      map[string]int
	healthCheck  time.Duration
	logger       *slog.Logger
}

// NewRegistry creates an empty registry. healthTimeout bounds each
// instance check in CheckHealth.
func NewRegistry(healthTimeout time.Duration, logger *slog.Logger) *Registry {
	if healthTimeout <= 0 {
		healthTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Default().Logger
	}
	return &Registry{
		entries:      make(map[string]*entry),
		reservations: make(map[string]string),
		cursors:      make(map[string]int),
		healthCheck:  healthTimeout,
		logger:       logger.With("component", "scanner_registry"),
	}
}

// Register adds an instance with its engine client. New enabled instances
// start healthy until the first health check says otherwise.
func (r *Registry) Register(inst Instance, engine Engine) error {
	if inst.ID == "" || inst.Pool == "" {
		return errors.ErrValidation("scanner instance requires id and pool")
	}
	if inst.Capacity <= 0 {
		inst.Capacity = 1
	}
	inst.Load = 0
	switch {
	case !inst.Enabled:
		inst.Status = StatusDisabled
	case inst.Status == "":
		inst.Status = StatusHealthy
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[inst.ID]; exists {
		return errors.NewTaskError(errors.CodeConflict, fmt.Sprintf("scanner instance %q already registered", inst.ID))
	}
	r.entries[inst.ID] = &entry{instance: inst, engine: engine}
	r.logger.Info("Scanner instance registered",
		"instance_id", inst.ID, "pool", inst.Pool, "capacity", inst.Capacity)
	return nil
}

// Select picks the least-loaded available instance of the pool, breaking
// ties round-robin, and reserves one load slot for sel.TaskID.
func (r *Registry) Select(sel Selection) (Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sel.TaskID != "" {
		if id, ok := r.reservations[sel.TaskID]; ok {
			return r.entries[id].instance, nil
		}
	}

	var candidates []*entry
	for _, e := range r.entries {
		inst := &e.instance
		if inst.Pool != sel.Pool || !inst.available() || !inst.supports(sel.ScanType) {
			continue
		}
		if sel.ScannerType != "" && inst.ScannerType != sel.ScannerType {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return Instance{}, errors.ErrNoCapacity(sel.Pool)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].instance.ID < candidates[j].instance.ID
	})

	// Compare load ratios by cross-multiplication to stay in integers.
	best := candidates[:0:0]
	for _, c := range candidates {
		if len(best) == 0 {
			best = append(best, c)
			continue
		}
		b := best[0].instance
		lhs := c.instance.Load * b.Capacity
		rhs := b.Load * c.instance.Capacity
		switch {
		case lhs < rhs:
			best = append(best[:0], c)
		case lhs == rhs:
			best = append(best, c)
		}
	}

	cursor := r.cursors[sel.Pool]
	chosen := best[cursor%len(best)]
	r.cursors[sel.Pool] = cursor + 1

	chosen.instance.Load++
	if sel.TaskID != "" {
		r.reservations[sel.TaskID] = chosen.instance.ID
	}
	return chosen.instance, nil
}

// Release frees the slot reserved for taskID. Unknown task ids are ignored.
func (r *Registry) Release(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.reservations[taskID]
	if !ok {
		return
	}
	delete(r.reservations, taskID)
	if e, ok := r.entries[id]; ok && e.instance.Load > 0 {
		e.instance.Load--
	}
}

// Reserved reports whether taskID currently holds a slot.
func (r *Registry) Reserved(taskID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.reservations[taskID]
	return ok
}

// SetStatus changes the health state of an instance. Setting healthy or
// unhealthy re-enables a disabled instance; setting disabled disables it.
func (r *Registry) SetStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return errors.NewTaskError(errors.CodeNotFound, fmt.Sprintf("scanner instance %q not found", id))
	}
	switch status {
	case StatusHealthy, StatusUnhealthy:
		e.instance.Enabled = true
	case StatusDisabled:
		e.instance.Enabled = false
	default:
		return errors.ErrValidation(fmt.Sprintf("unknown scanner status %q", status))
	}
	e.instance.Status = status
	e.instance.LastChecked = time.Now().UTC()
	return nil
}

// Get returns a snapshot of one instance.
func (r *Registry) Get(id string) (Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Instance{}, errors.NewTaskError(errors.CodeNotFound, fmt.Sprintf("scanner instance %q not found", id))
	}
	return e.instance, nil
}

// Engine returns the engine client of an instance.
func (r *Registry) Engine(id string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok || e.engine == nil {
		return nil, errors.NewTaskError(errors.CodeNotFound, fmt.Sprintf("scanner instance %q not found", id))
	}
	return e.engine, nil
}

// List returns instance snapshots ordered by pool and id.
func (r *Registry) List(f Filter) []Instance {
	r.mu.RLock()
	out := make([]Instance, 0, len(r.entries))
	for _, e := range r.entries {
		if f.Pool != "" && e.instance.Pool != f.Pool {
			continue
		}
		if f.EnabledOnly && !e.instance.Enabled {
			continue
		}
		out = append(out, e.instance)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Pool != out[j].Pool {
			return out[i].Pool < out[j].Pool
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Health aggregates instance state per pool. The registry is healthy when
// every pool has at least one healthy enabled instance.
func (r *Registry) Health() PoolHealth {
	stats := make(map[string]*PoolStats)
	for _, inst := range r.List(Filter{}) {
		s, ok := stats[inst.Pool]
		if !ok {
			s = &PoolStats{Pool: inst.Pool}
			stats[inst.Pool] = s
		}
		s.Total++
		switch {
		case !inst.Enabled || inst.Status == StatusDisabled:
			s.Disabled++
		case inst.Status == StatusHealthy:
			s.Healthy++
			s.Capacity += inst.Capacity
		default:
			s.Unhealthy++
		}
		s.Load += inst.Load
	}

	health := PoolHealth{Healthy: len(stats) > 0, Pools: make([]PoolStats, 0, len(stats))}
	for _, s := range stats {
		if s.Healthy == 0 {
			health.Healthy = false
		}
		health.Pools = append(health.Pools, *s)
	}
	sort.Slice(health.Pools, func(i, j int) bool { return health.Pools[i].Pool < health.Pools[j].Pool })
	return health
}

// CheckHealth checks every enabled instance with Authenticate and updates
// its status. Checks run concurrently without holding the registry lock.
func (r *Registry) CheckHealth(ctx context.Context) {
	type healthTarget struct {
		id     string
		engine Engine
	}
	r.mu.RLock()
	targets := make([]healthTarget, 0, len(r.entries))
	for id, e := range r.entries {
		if e.instance.Enabled && e.engine != nil {
			targets = append(targets, healthTarget{id: id, engine: e.engine})
		}
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range targets {
		wg.Add(1)
		go func(p healthTarget) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, r.healthCheck)
			defer cancel()

			status := StatusHealthy
			if err := p.engine.Authenticate(checkCtx); err != nil {
				status = StatusUnhealthy
				r.logger.Warn("Scanner health check failed", "instance_id", p.id, "error", err)
			}
			r.mu.Lock()
			if e, ok := r.entries[p.id]; ok && e.instance.Enabled {
				if e.instance.Status != status {
					r.logger.Info("Scanner status changed",
						"instance_id", p.id, "from", e.instance.Status, "to", status)
				}
				e.instance.Status = status
				e.instance.LastChecked = time.Now().UTC()
			}
			r.mu.Unlock()
		}(p)
	}
	wg.Wait()
}
