package handlers

import (
	"log/slog"
	"net/http"

	"github.com/anstrom/scanqueue/internal/orchestrator"
	"github.com/anstrom/scanqueue/internal/scanner"
)

// ScannerHandler serves the scanner pool endpoints.
type ScannerHandler struct {
	service *orchestrator.Service
	logger  *slog.Logger
}

// NewScannerHandler creates a ScannerHandler.
func NewScannerHandler(service *orchestrator.Service, logger *slog.Logger) *ScannerHandler {
	return &ScannerHandler{service: service, logger: logger.With("handler", "scanner")}
}

// List handles GET /scanners?pool=&enabled_only=.
func (h *ScannerHandler) List(w http.ResponseWriter, r *http.Request) {
	enabledOnly, err := queryBool(r, "enabled_only", false)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	instances := h.service.ListScanners(r.URL.Query().Get("pool"), enabledOnly)
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"scanners": instances,
		"count":    len(instances),
	})
}

// Health handles GET /scanners/health. It answers 503 when no pool has a
// usable instance.
func (h *ScannerHandler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.service.PoolHealth()
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, health)
}

type setStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=healthy unhealthy disabled"`
}

// SetStatus handles PUT /scanners/{id}/status.
func (h *ScannerHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req setStatusRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	inst, err := h.service.SetScannerStatus(id, scanner.Status(req.Status))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.Info("Scanner status changed", "scanner_id", id, "status", req.Status)
	writeJSON(w, r, http.StatusOK, inst)
}
