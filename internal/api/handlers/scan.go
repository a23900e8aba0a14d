package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anstrom/scanqueue/internal/orchestrator"
)

// Query parameter prefix that turns a parameter into a result filter,
// e.g. ?filter.severity=>=7.
const filterPrefix = "filter."

// ScanHandler serves the task lifecycle endpoints.
type ScanHandler struct {
	service *orchestrator.Service
	logger  *slog.Logger
}

// NewScanHandler creates a ScanHandler.
func NewScanHandler(service *orchestrator.Service, logger *slog.Logger) *ScanHandler {
	return &ScanHandler{
		service: service,
		logger:  logger.With("handler", "scan"),
	}
}

// submitScanRequest is the body of POST /scans.
type submitScanRequest struct {
	Targets        string            `json:"targets" validate:"required,max=65536"`
	Name           string            `json:"name,omitempty" validate:"max=255"`
	Description    string            `json:"description,omitempty" validate:"max=4096"`
	ScanType       string            `json:"scan_type,omitempty" validate:"max=32"`
	SchemaProfile  string            `json:"schema_profile,omitempty" validate:"max=32"`
	ScannerType    string            `json:"scanner_type,omitempty" validate:"max=64"`
	ScannerPool    string            `json:"scanner_pool,omitempty" validate:"max=64"`
	Credentials    map[string]string `json:"credentials,omitempty" validate:"max=32"`
	IdempotencyKey string            `json:"idempotency_key,omitempty" validate:"max=256"`
}

// Submit handles POST /scans. New tasks answer 202; idempotent replays 200.
func (h *ScanHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitScanRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	resp, err := h.service.SubmitScan(r.Context(), orchestrator.SubmitRequest{
		Targets:        req.Targets,
		Name:           req.Name,
		Description:    req.Description,
		ScanType:       req.ScanType,
		SchemaProfile:  req.SchemaProfile,
		ScannerType:    req.ScannerType,
		ScannerPool:    req.ScannerPool,
		Credentials:    req.Credentials,
		IdempotencyKey: req.IdempotencyKey,
	}, r.Header)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	status := http.StatusAccepted
	if resp.Duplicate {
		status = http.StatusOK
	}
	w.Header().Set("Location", "/api/v1/scans/"+resp.TaskID)
	writeJSON(w, r, status, resp)
}

// List handles GET /scans.
func (h *ScanHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	q := r.URL.Query()
	tasks, err := h.service.ListTasks(r.Context(), orchestrator.ListRequest{
		Status:   q.Get("status"),
		ScanType: q.Get("scan_type"),
		Pool:     q.Get("pool"),
		Target:   q.Get("target"),
		Limit:    limit,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// Get handles GET /scans/{id}.
func (h *ScanHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	view, err := h.service.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// Results handles GET /scans/{id}/results and streams newline-delimited
// JSON: a schema line, a metadata line, one line per record and, when
// paginated, a trailing pagination line.
func (h *ScanHandler) Results(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	req, err := resultsRequest(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	body, err := h.service.GetResults(r.Context(), id, req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(body + "\n")); err != nil {
		h.logger.Debug("Client went away while streaming results", "task_id", id, "error", err)
	}
}

func resultsRequest(r *http.Request) (orchestrator.ResultsRequest, error) {
	q := r.URL.Query()
	page, err := queryInt(r, "page", 0)
	if err != nil {
		return orchestrator.ResultsRequest{}, err
	}
	pageSize, err := queryInt(r, "page_size", 0)
	if err != nil {
		return orchestrator.ResultsRequest{}, err
	}

	req := orchestrator.ResultsRequest{
		SchemaProfile: q.Get("schema_profile"),
		Page:          page,
		PageSize:      pageSize,
	}
	if fields := q.Get("fields"); fields != "" {
		for _, f := range strings.Split(fields, ",") {
			if f = strings.TrimSpace(f); f != "" {
				req.CustomFields = append(req.CustomFields, f)
			}
		}
	}
	for key, values := range q {
		if name, ok := strings.CutPrefix(key, filterPrefix); ok && name != "" && len(values) > 0 {
			if req.Filters == nil {
				req.Filters = make(map[string]string)
			}
			req.Filters[name] = values[0]
		}
	}
	return req, nil
}

// Pause handles POST /scans/{id}/pause.
func (h *ScanHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.service.Pause)
}

// Resume handles POST /scans/{id}/resume.
func (h *ScanHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.service.Resume)
}

// Stop handles POST /scans/{id}/stop.
func (h *ScanHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.service.Stop)
}

type controlFunc func(ctx context.Context, taskID string) (*orchestrator.StatusView, error)

func (h *ScanHandler) control(w http.ResponseWriter, r *http.Request, op controlFunc) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	view, err := op(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// Delete handles DELETE /scans/{id}. Deleting an unknown task succeeds.
func (h *ScanHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
