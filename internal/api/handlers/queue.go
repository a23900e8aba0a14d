package handlers

import (
	"log/slog"
	"net/http"

	"github.com/anstrom/scanqueue/internal/orchestrator"
)

// QueueHandler serves queue depth and dead-letter endpoints.
type QueueHandler struct {
	service *orchestrator.Service
	logger  *slog.Logger
}

// NewQueueHandler creates a QueueHandler.
func NewQueueHandler(service *orchestrator.Service, logger *slog.Logger) *QueueHandler {
	return &QueueHandler{service: service, logger: logger.With("handler", "queue")}
}

// Stats handles GET /queue.
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.QueueStats(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// DeadLetters handles GET /queue/dlq?start=&end=. The range is inclusive
// and negative indexes count from the end, so the default lists everything.
func (h *QueueHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	start, err := queryInt(r, "start", 0)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	end, err := queryInt(r, "end", -1)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	entries, err := h.service.DeadLetters(r.Context(), int64(start), int64(end))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"dead_letters": entries,
		"count":        len(entries),
	})
}

// ClearDeadLetters handles DELETE /queue/dlq.
func (h *QueueHandler) ClearDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.ClearDeadLetters(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.Info("Dead-letter queue cleared", "removed", n)
	writeJSON(w, r, http.StatusOK, map[string]int64{"removed": n})
}
