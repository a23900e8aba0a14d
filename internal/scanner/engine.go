// Package scanner tracks the pooled scanner backend instances, selects one
// for each new task and defines the boundary to the external scan engine.
package scanner

import (
	"context"
	"fmt"
	"maps"

	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/results"
	"github.com/anstrom/scanqueue/internal/task"
)

//go:generate mockgen -source=engine.go -destination=mocks/engine_mock.go -package=mocks

// Engine is the client of one external scanner backend instance.
type Engine interface {
	// Authenticate opens or verifies the session with the backend.
	Authenticate(ctx context.Context) error
	// CreateScan registers a scan and returns the backend scan id.
	CreateScan(ctx context.Context, req ScanRequest) (string, error)
	// LaunchScan starts a created scan and returns the backend run token.
	LaunchScan(ctx context.Context, scanID string) (string, error)
	// GetStatus returns the native status and progress of a scan.
	GetStatus(ctx context.Context, scanID string) (NativeStatus, error)
	PauseScan(ctx context.Context, scanID string) error
	ResumeScan(ctx context.Context, scanID string) error
	StopScan(ctx context.Context, scanID string) error
	DeleteScan(ctx context.Context, scanID string) error
	// FetchResults returns the findings of a completed scan.
	FetchResults(ctx context.Context, scanID string) ([]results.Record, error)
}

// NativeStatus is the status reported by a backend.
type NativeStatus struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

// Lifecycle maps the native status onto the task lifecycle.
func (s NativeStatus) Lifecycle() task.Status {
	return task.MapNativeStatus(s.Status)
}

// ScanRequest is what a backend needs to create a scan.
type ScanRequest struct {
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	Targets        string            `json:"targets"`
	PolicyTemplate string            `json:"policy_template"`
	Credentials    map[string]string `json:"credentials,omitempty"`
	Escalation     bool              `json:"escalation"`
	ScanType       task.ScanType     `json:"scan_type"`
}

// BuildScanRequest applies the fixed request rules of the task's scan type:
// untrusted scans never carry credentials, trusted scans require them and
// privileged scans additionally require an escalation method.
func BuildScanRequest(t *task.Task) (ScanRequest, error) {
	profile := t.ScanType.Profile()
	if profile.PolicyTemplate == "" {
		return ScanRequest{}, errors.ErrValidation(fmt.Sprintf("unknown scan type %q", t.ScanType))
	}

	req := ScanRequest{
		Name:           t.Payload.Name,
		Description:    t.Payload.Description,
		Targets:        t.Payload.Targets,
		PolicyTemplate: profile.PolicyTemplate,
		Escalation:     profile.Escalation,
		ScanType:       t.ScanType,
	}
	if req.Name == "" {
		req.Name = "scan-" + t.TaskID
	}

	if !profile.RequiresCredentials {
		return req, nil
	}

	creds := t.Payload.Credentials
	if creds["username"] == "" {
		return ScanRequest{}, errors.ErrValidation(
			fmt.Sprintf("%s scans require credentials with a username", t.ScanType))
	}
	if profile.Escalation && creds["escalation_method"] == "" {
		return ScanRequest{}, errors.ErrValidation("privileged scans require an escalation_method credential")
	}

	req.Credentials = maps.Clone(creds)
	if !profile.Escalation {
		delete(req.Credentials, "escalation_method")
		delete(req.Credentials, "escalation_account")
		delete(req.Credentials, "escalation_password")
	}
	return req, nil
}
