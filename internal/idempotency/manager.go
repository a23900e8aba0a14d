// Package idempotency maps caller-supplied deduplication keys to the task
// they created, so retried submissions return the original task instead of
// creating a second one.
package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/logging"
)

// DefaultRetention is how long a key stays bound to its task.
const DefaultRetention = 48 * time.Hour

// Record binds a key to a task and the hash of the request that created it.
type Record struct {
	TaskID      string    `json:"task_id"`
	RequestHash string    `json:"request_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// Backend persists idempotency records.
type Backend interface {
	// Get returns nil without error when no live record exists.
	Get(ctx context.Context, key string) (*Record, error)
	// PutIfAbsent writes rec only when key has no live record and reports
	// whether this call created it.
	PutIfAbsent(ctx context.Context, key string, rec Record, ttl time.Duration) (bool, error)
	// Delete removes the record for key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}

// Manager implements check and store on top of a Backend.
type Manager struct {
	backend   Backend
	retention time.Duration
	logger    *slog.Logger
}

// NewManager creates a manager. A non-positive retention selects DefaultRetention.
func NewManager(backend Backend, retention time.Duration, logger *slog.Logger) *Manager {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = logging.Default().Logger
	}
	return &Manager{
		backend:   backend,
		retention: retention,
		logger:    logger.With("component", "idempotency"),
	}
}

// Retention returns the configured retention window.
func (m *Manager) Retention() time.Duration {
	return m.retention
}

// Check looks up key. It returns the stored task id when the request hash
// matches and a conflict error when it differs.
func (m *Manager) Check(ctx context.Context, key string, params map[string]any) (string, bool, error) {
	hash, err := HashRequest(params)
	if err != nil {
		return "", false, err
	}

	rec, err := m.backend.Get(ctx, key)
	if err != nil {
		return "", false, errors.WrapStorageError(errors.CodeStorage, "idempotency lookup", err)
	}
	if rec == nil {
		return "", false, nil
	}
	if rec.RequestHash != hash {
		m.logger.Warn("Idempotency key reused with different parameters",
			"idempotency_key", key, "task_id", rec.TaskID)
		return "", false, errors.ErrIdempotencyConflict(key, rec.TaskID)
	}
	return rec.TaskID, true, nil
}

// Store atomically binds key to taskID if the key is unbound and reports
// whether this call won.
func (m *Manager) Store(ctx context.Context, key, taskID string, params map[string]any) (bool, error) {
	hash, err := HashRequest(params)
	if err != nil {
		return false, err
	}

	created, err := m.backend.PutIfAbsent(ctx, key, Record{
		TaskID:      taskID,
		RequestHash: hash,
		CreatedAt:   time.Now().UTC(),
	}, m.retention)
	if err != nil {
		return false, errors.WrapStorageError(errors.CodeStorage, "idempotency store", err)
	}
	if created {
		m.logger.Debug("Idempotency key bound", "idempotency_key", key, "task_id", taskID)
	}
	return created, nil
}

// Forget releases key, used when the task it was bound to could not be created.
func (m *Manager) Forget(ctx context.Context, key string) error {
	if err := m.backend.Delete(ctx, key); err != nil {
		return errors.WrapStorageError(errors.CodeStorage, "idempotency delete", err)
	}
	return nil
}
