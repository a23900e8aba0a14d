package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/logging"
	"github.com/anstrom/scanqueue/internal/results"
	"github.com/anstrom/scanqueue/internal/task"
)

const (
	defaultPostgresPort    = 5432
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

// PostgresConfig holds database connection settings.
type PostgresConfig struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DefaultPostgresConfig returns the default connection settings.
// Database name, username and password must be configured explicitly.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:            "localhost",
		Port:            defaultPostgresPort,
		SSLMode:         "disable",
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
	}
}

// DSN builds a key=value connection string for lib/pq.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.Username, c.Password, c.SSLMode,
	)
}

// Connect opens and verifies a PostgreSQL connection pool. Returned errors
// never include the DSN.
func Connect(ctx context.Context, cfg PostgresConfig) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN())
	if err != nil {
		return nil, errors.WrapStorageError(errors.CodeStorage, "connect to database", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapStorageError(errors.CodeStorage, "verify database connection", err)
	}

	logging.Info("Connected to database", "host", cfg.Host, "port", cfg.Port, "database", cfg.Database)
	return db, nil
}

// sanitizeDBError converts driver errors into storage errors that do not
// expose SQL or credentials. The original error is kept as the cause.
func sanitizeDBError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NewStorageError(errors.CodeNotFound, "Resource not found")
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		var e *errors.StorageError
		switch pqErr.Code {
		case "23505": // unique_violation
			e = errors.NewStorageError(errors.CodeConflict, "Resource already exists")
		case "23503": // foreign_key_violation
			e = errors.NewStorageError(errors.CodeNotFound, "Referenced task does not exist")
		case "23502", "23514": // not_null_violation, check_violation
			e = errors.NewStorageError(errors.CodeValidation, "Data validation failed")
		case "57014": // query_canceled
			e = errors.NewStorageError(errors.CodeCanceled, "Database operation was canceled")
		default:
			e = errors.NewStorageError(errors.CodeStorage, fmt.Sprintf("Database operation failed: %s", operation))
		}
		e.Operation = operation
		e.Cause = err
		return e
	}

	return errors.WrapStorageError(errors.CodeStorage, operation, err)
}

const taskColumns = `task_id, trace_id, scan_type, scanner_type, scanner_pool, scanner_instance_id,
	status, payload, progress, paused, created_at, started_at, completed_at, backend_scan_id, error_message`

// Postgres is a Store backed by PostgreSQL. Transitions run in a
// transaction holding a row lock on the task.
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgres creates a store on an open connection pool.
func NewPostgres(db *sqlx.DB, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = logging.Default().Logger
	}
	return &Postgres{db: db, logger: logger.With("component", "store", "backend", "postgres")}
}

// Create implements Store.
func (p *Postgres) Create(ctx context.Context, t *task.Task) error {
	if t == nil || t.TaskID == "" {
		return errors.ErrValidation("task id is required")
	}
	row := t.Clone()
	row.Status = task.StatusQueued
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES (:task_id, :trace_id, :scan_type, :scanner_type, :scanner_pool, :scanner_instance_id,
			:status, :payload, :progress, :paused, :created_at, :started_at, :completed_at,
			:backend_scan_id, :error_message)
		ON CONFLICT (task_id) DO NOTHING`

	res, err := p.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return sanitizeDBError("create task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return sanitizeDBError("create task", err)
	}
	if n == 0 {
		return errors.ErrTaskExists(t.TaskID)
	}
	return nil
}

// Get implements Store.
func (p *Postgres) Get(ctx context.Context, taskID string) (*task.Task, error) {
	var t task.Task
	err := p.db.GetContext(ctx, &t, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrTaskNotFound(taskID)
	}
	if err != nil {
		return nil, sanitizeDBError("get task", err)
	}
	return &t, nil
}

// Transition implements Store.
func (p *Postgres) Transition(ctx context.Context, taskID string, to task.Status, md task.Metadata) (*task.Task, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, sanitizeDBError("begin transition", err)
	}
	defer func() { _ = tx.Rollback() }()

	var t task.Task
	err = tx.GetContext(ctx, &t, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1 FOR UPDATE`, taskID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrTaskNotFound(taskID)
	}
	if err != nil {
		return nil, sanitizeDBError("lock task", err)
	}

	from := t.Status
	if err := t.Apply(to, md, time.Now().UTC()); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = $2, progress = $3, paused = $4, started_at = $5, completed_at = $6,
			backend_scan_id = $7, error_message = $8
		WHERE task_id = $1`,
		t.TaskID, t.Status, t.Progress, t.Paused, t.StartedAt, t.CompletedAt, t.BackendScanID, t.ErrorMessage)
	if err != nil {
		return nil, sanitizeDBError("update task", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, sanitizeDBError("commit transition", err)
	}

	if from != t.Status {
		p.logger.Debug("Task transitioned", "task_id", taskID, "from", from, "to", t.Status)
	}
	return &t, nil
}

// Delete implements Store. Results are removed by the cascading foreign key.
func (p *Postgres) Delete(ctx context.Context, taskID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = $1`, taskID); err != nil {
		return sanitizeDBError("delete task", err)
	}
	return nil
}

// List implements Store.
func (p *Postgres) List(ctx context.Context, f Filter) ([]*task.Task, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.ScanType != "" {
		add("scan_type = $%d", f.ScanType)
	}
	if f.Pool != "" {
		add("scanner_pool = $%d", f.Pool)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, task_id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	var rows []*task.Task
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, sanitizeDBError("list tasks", err)
	}
	return rows, nil
}

// SaveResults implements Store.
func (p *Postgres) SaveResults(ctx context.Context, taskID string, records []results.Record) error {
	if records == nil {
		records = []results.Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return errors.WrapStorageError(errors.CodeStorage, "encode results", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO task_results (task_id, records)
		VALUES ($1, $2)
		ON CONFLICT (task_id) DO UPDATE SET records = EXCLUDED.records, created_at = NOW()`,
		taskID, data)
	if err != nil {
		if errors.IsNotFound(sanitizeDBError("save results", err)) {
			return errors.ErrTaskNotFound(taskID)
		}
		return sanitizeDBError("save results", err)
	}
	return nil
}

// Results implements Store.
func (p *Postgres) Results(ctx context.Context, taskID string) ([]results.Record, error) {
	var row struct {
		Exists  bool   `db:"task_exists"`
		Records []byte `db:"records"`
	}
	err := p.db.GetContext(ctx, &row, `
		SELECT TRUE AS task_exists, r.records
		FROM tasks t
		LEFT JOIN task_results r ON r.task_id = t.task_id
		WHERE t.task_id = $1`, taskID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrTaskNotFound(taskID)
	}
	if err != nil {
		return nil, sanitizeDBError("get results", err)
	}

	if len(row.Records) == 0 {
		return []results.Record{}, nil
	}
	var records []results.Record
	dec := json.NewDecoder(bytes.NewReader(row.Records))
	dec.UseNumber()
	if err := dec.Decode(&records); err != nil {
		return nil, errors.WrapStorageError(errors.CodeStorage, "decode results", err)
	}
	return records, nil
}

// ListStale implements Store.
func (p *Postgres) ListStale(ctx context.Context, cutoff time.Time) ([]*task.Task, error) {
	var rows []*task.Task
	err := p.db.SelectContext(ctx, &rows,
		`SELECT `+taskColumns+` FROM tasks WHERE status = $1 AND started_at < $2 ORDER BY started_at`,
		task.StatusRunning, cutoff)
	if err != nil {
		return nil, sanitizeDBError("list stale tasks", err)
	}
	return rows, nil
}

// Close implements Store.
func (p *Postgres) Close() error {
	return p.db.Close()
}
