// Package task defines the scan task record, its five-state lifecycle and the
// closed set of scan types the orchestrator dispatches.
package task

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/scanqueue/internal/errors"
)

// Status represents the lifecycle state of a scan task.
type Status string

const (
	// StatusQueued indicates the task is waiting in the queue.
	StatusQueued Status = "QUEUED"
	// StatusRunning indicates the task was launched on a scanner backend.
	StatusRunning Status = "RUNNING"
	// StatusCompleted indicates the backend scan finished and results were stored.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates the task was stopped or failed on the backend.
	StatusFailed Status = "FAILED"
	// StatusTimeout indicates the task exceeded its maximum scan duration.
	StatusTimeout Status = "TIMEOUT"

	// StatusUnknown is reported for native backend states that do not map onto
	// the lifecycle. It is never stored.
	StatusUnknown Status = "UNKNOWN"
)

// transitions is the canonical table of reachable states.
var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusFailed},
	StatusRunning: {StatusRunning, StatusCompleted, StatusFailed, StatusTimeout},
}

// String returns the string representation of the status.
func (s Status) String() string { return string(s) }

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// CanTransition reports whether the table allows moving from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseStatus converts a string into a stored lifecycle status.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusQueued:
		return StatusQueued, nil
	case StatusRunning:
		return StatusRunning, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusFailed:
		return StatusFailed, nil
	case StatusTimeout:
		return StatusTimeout, nil
	default:
		return "", errors.ErrValidation(fmt.Sprintf("unknown task status %q", s))
	}
}

// MapNativeStatus maps a scanner backend status onto the lifecycle.
// Unrecognized values map to StatusUnknown, which callers must ignore.
func MapNativeStatus(native string) Status {
	switch strings.ToLower(strings.TrimSpace(native)) {
	case "pending":
		return StatusQueued
	case "running", "paused":
		return StatusRunning
	case "completed":
		return StatusCompleted
	case "canceled", "cancelled", "stopped", "aborted":
		return StatusFailed
	default:
		return StatusUnknown
	}
}

// ScanType is the closed set of scan variants.
type ScanType string

const (
	ScanTypeUntrusted  ScanType = "untrusted"
	ScanTypeTrusted    ScanType = "trusted"
	ScanTypePrivileged ScanType = "privileged"
)

// ScanProfile describes the credential and escalation rules of a scan type.
type ScanProfile struct {
	PolicyTemplate      string
	RequiresCredentials bool
	Escalation          bool
}

var scanProfiles = map[ScanType]ScanProfile{
	ScanTypeUntrusted:  {PolicyTemplate: "basic", RequiresCredentials: false, Escalation: false},
	ScanTypeTrusted:    {PolicyTemplate: "credentialed", RequiresCredentials: true, Escalation: false},
	ScanTypePrivileged: {PolicyTemplate: "credentialed", RequiresCredentials: true, Escalation: true},
}

// ParseScanType validates a scan type string. An empty value selects untrusted.
func ParseScanType(s string) (ScanType, error) {
	st := ScanType(strings.ToLower(strings.TrimSpace(s)))
	if st == "" {
		return ScanTypeUntrusted, nil
	}
	if _, ok := scanProfiles[st]; !ok {
		return "", errors.ErrValidation(fmt.Sprintf("unknown scan type %q", s))
	}
	return st, nil
}

// Profile returns the fixed request rules for the scan type.
func (t ScanType) Profile() ScanProfile {
	return scanProfiles[t]
}

// String returns the string representation of the scan type.
func (t ScanType) String() string { return string(t) }

// Payload is the immutable request content of a task.
type Payload struct {
	Targets       string            `json:"targets"`
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	SchemaProfile string            `json:"schema_profile,omitempty"`
	Credentials   map[string]string `json:"credentials,omitempty"`
}

// Scan implements sql.Scanner for the JSONB payload column.
func (p *Payload) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*p = Payload{}
		return nil
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return fmt.Errorf("cannot scan %T into Payload", value)
	}
}

// Value implements driver.Valuer for the JSONB payload column.
func (p Payload) Value() (driver.Value, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Task is one scan request and its tracked lifecycle.
type Task struct {
	TaskID            string     `db:"task_id" json:"task_id"`
	TraceID           string     `db:"trace_id" json:"trace_id"`
	ScanType          ScanType   `db:"scan_type" json:"scan_type"`
	ScannerType       string     `db:"scanner_type" json:"scanner_type"`
	ScannerPool       string     `db:"scanner_pool" json:"scanner_pool"`
	ScannerInstanceID string     `db:"scanner_instance_id" json:"scanner_instance_id"`
	Status            Status     `db:"status" json:"status"`
	Payload           Payload    `db:"payload" json:"payload"`
	Progress          int        `db:"progress" json:"progress"`
	Paused            bool       `db:"paused" json:"paused"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	StartedAt         *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt       *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	BackendScanID     string     `db:"backend_scan_id" json:"backend_scan_id,omitempty"`
	ErrorMessage      string     `db:"error_message" json:"error_message,omitempty"`
}

// New creates a queued task with fresh task and trace identifiers.
func New(scanType ScanType, payload Payload) *Task {
	return &Task{
		TaskID:    uuid.NewString(),
		TraceID:   uuid.NewString(),
		ScanType:  scanType,
		Status:    StatusQueued,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Payload.Credentials = maps.Clone(t.Payload.Credentials)
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// Metadata carries the mutable fields merged on a transition.
// Nil fields are left unchanged.
type Metadata struct {
	Progress      *int
	BackendScanID *string
	ErrorMessage  *string
	Paused        *bool
}

// WithProgress returns metadata carrying a progress update.
func WithProgress(p int) Metadata { return Metadata{Progress: &p} }

// WithError returns metadata carrying a failure reason.
func WithError(msg string) Metadata { return Metadata{ErrorMessage: &msg} }

// Apply validates and applies a transition in place. It leaves the task
// untouched when the transition is not allowed.
func (t *Task) Apply(next Status, md Metadata, now time.Time) error {
	if !t.Status.CanTransition(next) {
		return errors.ErrInvalidTransition(t.TaskID, t.Status.String(), next.String())
	}

	if next == StatusRunning && t.StartedAt == nil {
		started := now
		t.StartedAt = &started
	}
	if next.IsTerminal() {
		completed := now
		t.CompletedAt = &completed
		t.Paused = false
	}
	if next == StatusCompleted {
		t.Progress = 100
	}
	t.Status = next

	if md.Progress != nil {
		t.Progress = clampProgress(*md.Progress)
	}
	if md.BackendScanID != nil {
		t.BackendScanID = *md.BackendScanID
	}
	if md.ErrorMessage != nil {
		t.ErrorMessage = *md.ErrorMessage
	}
	if md.Paused != nil && !next.IsTerminal() {
		t.Paused = *md.Paused
	}
	return nil
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
