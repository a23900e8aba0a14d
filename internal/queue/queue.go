// Package queue provides the FIFO task queue that feeds the dispatcher and
// the dead-letter queue holding tasks that failed processing.
//
// Two backends are available: an in-process Memory queue and a Redis list
// backed queue shared by several scanqueue processes.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/anstrom/scanqueue/internal/task"
)

// Queue is an ordered queue of task snapshots with a dead-letter queue.
type Queue interface {
	// Enqueue appends a snapshot of t and returns the resulting depth.
	Enqueue(ctx context.Context, t *task.Task) (int64, error)
	// Dequeue removes the oldest entry, waiting up to timeout. It returns
	// nil without error when the timeout expires.
	Dequeue(ctx context.Context, timeout time.Duration) (*task.Task, error)
	// Peek returns up to n of the oldest entries without removing them.
	// Entries that cannot be decoded are left in place and omitted, so the
	// result may be shorter than n while Depth still counts them; Dequeue
	// moves such entries to the dead-letter queue.
	Peek(ctx context.Context, n int) ([]*task.Task, error)
	// MoveToDLQ records t as dead with reason.
	MoveToDLQ(ctx context.Context, t *task.Task, reason string) error
	// Depth returns the number of pending entries.
	Depth(ctx context.Context) (int64, error)
	// DLQSize returns the number of dead-letter entries.
	DLQSize(ctx context.Context) (int64, error)
	// DLQTasks returns dead-letter entries in the inclusive range
	// [start, end]; negative indexes count from the end.
	DLQTasks(ctx context.Context, start, end int64) ([]DeadLetter, error)
	// ClearDLQ removes all dead-letter entries and returns how many there were.
	ClearDLQ(ctx context.Context) (int64, error)
	// Close releases backend resources.
	Close() error
}

// DeadLetter is a task that was pulled out of the live pipeline.
type DeadLetter struct {
	Task     *task.Task `json:"task,omitempty"`
	Reason   string     `json:"reason"`
	FailedAt time.Time  `json:"failed_at"`
	// Raw holds the original entry when it could not be decoded.
	Raw string `json:"raw,omitempty"`
}

// undecodable builds the dead letter for a queue entry that is not a task.
func undecodable(raw string, err error, now time.Time) DeadLetter {
	return DeadLetter{
		Reason:   "undecodable queue entry: " + err.Error(),
		FailedAt: now.UTC(),
		Raw:      raw,
	}
}

// decodeEntries decodes raw queue entries in order and reports how many
// could not be decoded.
func decodeEntries(values []string) ([]*task.Task, int) {
	out := make([]*task.Task, 0, len(values))
	skipped := 0
	for _, v := range values {
		var t task.Task
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			skipped++
			continue
		}
		out = append(out, &t)
	}
	return out, skipped
}

// rangeBounds converts an inclusive, possibly negative, index range into
// slice bounds for a list of length n, following Redis LRANGE rules.
func rangeBounds(start, end, n int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if end < 0 {
		end += n
	}
	if start < 0 {
		start = 0
	}
	if end >= n {
		end = n - 1
	}
	if start > end || start >= n {
		return 0, 0, false
	}
	return start, end + 1, true
}
