package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/logging"
	"github.com/anstrom/scanqueue/internal/task"
)

// RedisConfig holds connection settings for the Redis queue.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Redis is a queue backed by two Redis lists: <prefix>:queue holds pending
// task snapshots and <prefix>:dlq holds dead letters. Entries are appended
// with RPUSH and consumed with BLPOP, so the head of the list is the oldest.
type Redis struct {
	client   redis.UniversalClient
	queueKey string
	dlqKey   string
	owned    bool
	logger   *slog.Logger
}

// NewRedisClient opens a client and checks connectivity.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WrapStorageError(errors.CodeQueue, "redis ping", err)
	}
	return client, nil
}

// NewRedis creates a queue on an existing client. The client is not closed by Close.
func NewRedis(client redis.UniversalClient, prefix string, logger *slog.Logger) *Redis {
	if prefix == "" {
		prefix = "scanqueue"
	}
	return &Redis{
		client:   client,
		queueKey: prefix + ":queue",
		dlqKey:   prefix + ":dlq",
		logger:   logging.FromSlog(logger).WithComponent("queue").WithFields("backend", "redis").Logger,
	}
}

// NewRedisFromConfig connects and creates a queue that owns its client.
func NewRedisFromConfig(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	client, err := NewRedisClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	q := NewRedis(client, cfg.KeyPrefix, logger)
	q.owned = true
	return q, nil
}

// Client exposes the underlying client so other components can share it.
func (q *Redis) Client() redis.UniversalClient {
	return q.client
}

// Enqueue implements Queue.
func (q *Redis) Enqueue(ctx context.Context, t *task.Task) (int64, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return 0, errors.WrapStorageError(errors.CodeQueue, "encode task", err)
	}
	depth, err := q.client.RPush(ctx, q.queueKey, data).Result()
	if err != nil {
		return 0, errors.WrapStorageError(errors.CodeQueue, "enqueue", err)
	}
	return depth, nil
}

// Dequeue implements Queue. A non-positive timeout polls without blocking.
func (q *Redis) Dequeue(ctx context.Context, timeout time.Duration) (*task.Task, error) {
	var raw string
	if timeout <= 0 {
		v, err := q.client.LPop(ctx, q.queueKey).Result()
		if stderrors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.WrapStorageError(errors.CodeQueue, "dequeue", err)
		}
		raw = v
	} else {
		result, err := q.client.BLPop(ctx, timeout, q.queueKey).Result()
		if stderrors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.WrapStorageError(errors.CodeQueue, "dequeue", err)
		}
		// result is [key, value]
		if len(result) < 2 {
			return nil, nil
		}
		raw = result[1]
	}

	var t task.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		q.logger.Error("Undecodable queue entry moved to dead-letter queue", "error", err)
		if dlErr := q.pushDeadLetter(ctx, undecodable(raw, err, time.Now())); dlErr != nil {
			return nil, dlErr
		}
		return nil, nil
	}
	return &t, nil
}

// Peek implements Queue.
func (q *Redis) Peek(ctx context.Context, n int) ([]*task.Task, error) {
	if n <= 0 {
		return []*task.Task{}, nil
	}
	values, err := q.client.LRange(ctx, q.queueKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, errors.WrapStorageError(errors.CodeQueue, "peek", err)
	}

	out, skipped := decodeEntries(values)
	if skipped > 0 {
		q.logger.Warn("Undecodable entries omitted from peek", "count", skipped)
	}
	return out, nil
}

// MoveToDLQ implements Queue.
func (q *Redis) MoveToDLQ(ctx context.Context, t *task.Task, reason string) error {
	if err := q.pushDeadLetter(ctx, DeadLetter{Task: t, Reason: reason, FailedAt: time.Now().UTC()}); err != nil {
		return err
	}
	q.logger.Warn("Task moved to dead-letter queue", "task_id", t.TaskID, "reason", reason)
	return nil
}

func (q *Redis) pushDeadLetter(ctx context.Context, dl DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return errors.WrapStorageError(errors.CodeQueue, "encode dead letter", err)
	}
	if err := q.client.RPush(ctx, q.dlqKey, data).Err(); err != nil {
		return errors.WrapStorageError(errors.CodeQueue, "move to dlq", err)
	}
	return nil
}

// Depth implements Queue.
func (q *Redis) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.queueKey).Result()
	if err != nil {
		return 0, errors.WrapStorageError(errors.CodeQueue, "queue depth", err)
	}
	return n, nil
}

// DLQSize implements Queue.
func (q *Redis) DLQSize(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.dlqKey).Result()
	if err != nil {
		return 0, errors.WrapStorageError(errors.CodeQueue, "dlq size", err)
	}
	return n, nil
}

// DLQTasks implements Queue.
func (q *Redis) DLQTasks(ctx context.Context, start, end int64) ([]DeadLetter, error) {
	values, err := q.client.LRange(ctx, q.dlqKey, start, end).Result()
	if err != nil {
		return nil, errors.WrapStorageError(errors.CodeQueue, "dlq range", err)
	}

	out := make([]DeadLetter, 0, len(values))
	for _, v := range values {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(v), &dl); err != nil {
			dl = DeadLetter{Reason: "undecodable dead letter", Raw: v}
		}
		out = append(out, dl)
	}
	return out, nil
}

// ClearDLQ implements Queue.
func (q *Redis) ClearDLQ(ctx context.Context) (int64, error) {
	pipe := q.client.TxPipeline()
	size := pipe.LLen(ctx, q.dlqKey)
	pipe.Del(ctx, q.dlqKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.WrapStorageError(errors.CodeQueue, "clear dlq", err)
	}
	return size.Val(), nil
}

// Close implements Queue.
func (q *Redis) Close() error {
	if q.owned {
		return q.client.Close()
	}
	return nil
}
