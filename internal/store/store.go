// Package store is the authoritative record of scan tasks. It enforces the
// task lifecycle: every state change is validated against the transition
// table while holding an exclusive lock scoped to that single task.
package store

import (
	"context"
	"time"

	"github.com/anstrom/scanqueue/internal/results"
	"github.com/anstrom/scanqueue/internal/task"
)

// Store persists tasks and their raw result artifacts.
type Store interface {
	// Create persists t with status QUEUED. It fails with a conflict when
	// the task id already exists.
	Create(ctx context.Context, t *task.Task) error
	// Get returns a snapshot of the task or a not-found error.
	Get(ctx context.Context, taskID string) (*task.Task, error)
	// Transition validates and applies a state change under the task's
	// exclusive lock and returns the updated snapshot. An invalid
	// transition leaves the stored task unchanged.
	Transition(ctx context.Context, taskID string, to task.Status, md task.Metadata) (*task.Task, error)
	// Delete removes the task and its results. Deleting a missing task is not an error.
	Delete(ctx context.Context, taskID string) error
	// List returns tasks matching the filter, newest first.
	List(ctx context.Context, f Filter) ([]*task.Task, error)
	// SaveResults replaces the raw result records of a task.
	SaveResults(ctx context.Context, taskID string, records []results.Record) error
	// Results returns the raw result records of a task.
	Results(ctx context.Context, taskID string) ([]results.Record, error)
	// ListStale returns RUNNING tasks started before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]*task.Task, error)
	// Close releases backend resources.
	Close() error
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status   task.Status
	ScanType task.ScanType
	Pool     string
	Limit    int
}

func (f Filter) matches(t *task.Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.ScanType != "" && t.ScanType != f.ScanType {
		return false
	}
	if f.Pool != "" && t.ScannerPool != f.Pool {
		return false
	}
	return true
}
