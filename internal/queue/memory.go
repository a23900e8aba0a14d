package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/anstrom/scanqueue/internal/logging"
	"github.com/anstrom/scanqueue/internal/task"
)

// Memory is an in-process queue. Waiting consumers are woken by closing
// the current wait channel on every enqueue.
type Memory struct {
	mu     sync.Mutex
	items  []*task.Task
	dlq    []DeadLetter
	wait   chan struct{}
	logger *slog.Logger
}

// NewMemory creates an empty in-process queue.
func NewMemory(logger *slog.Logger) *Memory {
	return &Memory{
		wait:   make(chan struct{}),
		logger: logging.FromSlog(logger).WithComponent("queue").WithFields("backend", "memory").Logger,
	}
}

// Enqueue implements Queue.
func (q *Memory) Enqueue(_ context.Context, t *task.Task) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, t.Clone())
	close(q.wait)
	q.wait = make(chan struct{})
	return int64(len(q.items)), nil
}

// Dequeue implements Queue.
func (q *Memory) Dequeue(ctx context.Context, timeout time.Duration) (*task.Task, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return t, nil
		}
		wait := q.wait
		q.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Peek implements Queue.
func (q *Memory) Peek(_ context.Context, n int) ([]*task.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.items) {
		n = len(q.items)
	}
	out := make([]*task.Task, 0, max(n, 0))
	for i := 0; i < n; i++ {
		out = append(out, q.items[i].Clone())
	}
	return out, nil
}

// MoveToDLQ implements Queue.
func (q *Memory) MoveToDLQ(_ context.Context, t *task.Task, reason string) error {
	q.mu.Lock()
	q.dlq = append(q.dlq, DeadLetter{Task: t.Clone(), Reason: reason, FailedAt: time.Now().UTC()})
	size := len(q.dlq)
	q.mu.Unlock()

	q.logger.Warn("Task moved to dead-letter queue",
		"task_id", t.TaskID, "reason", reason, "dlq_size", size)
	return nil
}

// Depth implements Queue.
func (q *Memory) Depth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

// DLQSize implements Queue.
func (q *Memory) DLQSize(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.dlq)), nil
}

// DLQTasks implements Queue.
func (q *Memory) DLQTasks(_ context.Context, start, end int64) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	lo, hi, ok := rangeBounds(start, end, int64(len(q.dlq)))
	if !ok {
		return []DeadLetter{}, nil
	}
	out := make([]DeadLetter, 0, hi-lo)
	for _, dl := range q.dlq[lo:hi] {
		dl.Task = dl.Task.Clone()
		out = append(out, dl)
	}
	return out, nil
}

// ClearDLQ implements Queue.
func (q *Memory) ClearDLQ(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := int64(len(q.dlq))
	q.dlq = nil
	return n, nil
}

// Close implements Queue.
func (q *Memory) Close() error { return nil }
