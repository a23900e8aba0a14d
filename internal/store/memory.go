package store

import (
	"context"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/logging"
	"github.com/anstrom/scanqueue/internal/results"
	"github.com/anstrom/scanqueue/internal/task"
)

// Memory is an in-process Store. Tasks are spread over shards and every
// mutation holds the per-task lock from a KeyedMutex; shard locks are only
// held for map access.
type Memory struct {
	locks  *KeyedMutex
	shards [shardCount]taskShard
	now    func() time.Time
	logger *slog.Logger
}

type taskShard struct {
	mu      sync.RWMutex
	tasks   map[string]*task.Task
	results map[string][]results.Record
}

// NewMemory creates an empty in-process store.
func NewMemory(logger *slog.Logger) *Memory {
	m := &Memory{
		locks:  NewKeyedMutex(),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logging.FromSlog(logger).WithComponent("store").WithFields("backend", "memory").Logger,
	}
	for i := range m.shards {
		m.shards[i].tasks = make(map[string]*task.Task)
		m.shards[i].results = make(map[string][]results.Record)
	}
	return m
}

func (m *Memory) shard(taskID string) *taskShard {
	return &m.shards[shardFor(taskID)]
}

func (m *Memory) load(taskID string) *task.Task {
	s := m.shard(taskID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[taskID]
}

// Create implements Store.
func (m *Memory) Create(_ context.Context, t *task.Task) error {
	if t == nil || t.TaskID == "" {
		return errors.ErrValidation("task id is required")
	}
	unlock := m.locks.Lock(t.TaskID)
	defer unlock()

	s := m.shard(t.TaskID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.TaskID]; exists {
		return errors.ErrTaskExists(t.TaskID)
	}
	stored := t.Clone()
	stored.Status = task.StatusQueued
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now()
	}
	s.tasks[t.TaskID] = stored
	return nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, taskID string) (*task.Task, error) {
	t := m.load(taskID)
	if t == nil {
		return nil, errors.ErrTaskNotFound(taskID)
	}
	return t.Clone(), nil
}

// Transition implements Store.
func (m *Memory) Transition(_ context.Context, taskID string, to task.Status, md task.Metadata) (*task.Task, error) {
	unlock := m.locks.Lock(taskID)
	defer unlock()

	current := m.load(taskID)
	if current == nil {
		return nil, errors.ErrTaskNotFound(taskID)
	}

	next := current.Clone()
	if err := next.Apply(to, md, m.now()); err != nil {
		return nil, err
	}

	s := m.shard(taskID)
	s.mu.Lock()
	s.tasks[taskID] = next
	s.mu.Unlock()

	if current.Status != next.Status {
		m.logger.Debug("Task transitioned", "task_id", taskID, "from", current.Status, "to", next.Status)
	}
	return next.Clone(), nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, taskID string) error {
	unlock := m.locks.Lock(taskID)
	defer unlock()

	s := m.shard(taskID)
	s.mu.Lock()
	delete(s.tasks, taskID)
	delete(s.results, taskID)
	s.mu.Unlock()
	return nil
}

// List implements Store.
func (m *Memory) List(_ context.Context, f Filter) ([]*task.Task, error) {
	var out []*task.Task
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		for _, t := range s.tasks {
			if f.matches(t) {
				out = append(out, t.Clone())
			}
		}
		s.mu.RUnlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// SaveResults implements Store.
func (m *Memory) SaveResults(_ context.Context, taskID string, records []results.Record) error {
	unlock := m.locks.Lock(taskID)
	defer unlock()

	s := m.shard(taskID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return errors.ErrTaskNotFound(taskID)
	}
	s.results[taskID] = cloneRecords(records)
	return nil
}

// Results implements Store.
func (m *Memory) Results(_ context.Context, taskID string) ([]results.Record, error) {
	s := m.shard(taskID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.tasks[taskID]; !ok {
		return nil, errors.ErrTaskNotFound(taskID)
	}
	return cloneRecords(s.results[taskID]), nil
}

// ListStale implements Store.
func (m *Memory) ListStale(ctx context.Context, cutoff time.Time) ([]*task.Task, error) {
	running, err := m.List(ctx, Filter{Status: task.StatusRunning})
	if err != nil {
		return nil, err
	}
	out := running[:0]
	for _, t := range running {
		if t.StartedAt != nil && t.StartedAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

func cloneRecords(in []results.Record) []results.Record {
	out := make([]results.Record, len(in))
	for i, r := range in {
		out[i] = maps.Clone(r)
	}
	return out
}
