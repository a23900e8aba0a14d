package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/anstrom/scanqueue/internal/orchestrator"
)

const healthCheckTimeout = 5 * time.Second

// Health states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthHandler serves the health and version endpoints.
type HealthHandler struct {
	service   *orchestrator.Service
	logger    *slog.Logger
	version   string
	startTime time.Time
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(service *orchestrator.Service, version string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		service:   service,
		logger:    logger.With("handler", "health"),
		version:   version,
		startTime: time.Now(),
	}
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Uptime     string            `json:"uptime"`
	Checks     map[string]string `json:"checks"`
	QueueDepth int64             `json:"queue_depth"`
	DLQSize    int64             `json:"dlq_size"`
}

// Health handles GET /health. An unreachable queue makes the service
// unhealthy (503); scanner pools without a usable instance only degrade it.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    make(map[string]string, 2),
	}

	if stats, err := h.service.QueueStats(ctx); err != nil {
		h.logger.Warn("Queue health check failed", "error", err)
		resp.Checks["queue"] = StatusUnhealthy
		resp.Status = StatusUnhealthy
	} else {
		resp.Checks["queue"] = StatusHealthy
		resp.QueueDepth = stats.Depth
		resp.DLQSize = stats.DLQSize
	}

	if h.service.PoolHealth().Healthy {
		resp.Checks["scanners"] = StatusHealthy
	} else {
		resp.Checks["scanners"] = StatusUnhealthy
		if resp.Status == StatusHealthy {
			resp.Status = StatusDegraded
		}
	}

	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, resp)
}

// VersionResponse represents build information.
type VersionResponse struct {
	Version    string `json:"version"`
	GoVersion  string `json:"go_version"`
	Goroutines int    `json:"goroutines"`
	Uptime     string `json:"uptime"`
}

// Version handles GET /version.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, VersionResponse{
		Version:    h.version,
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
	})
}
