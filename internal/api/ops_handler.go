package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/shaiso/xdispatch/internal/sweeper"
)

// Health проверяет доступность БД.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", "error", err)
		JSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Database: "unreachable"})
		return
	}
	JSON(w, http.StatusOK, HealthResponse{Status: "ok", Database: "ok"})
}

// SessionStats возвращает счётчики подключённых сессий.
// GET /api/v1/sessions
func (h *Handler) SessionStats(w http.ResponseWriter, _ *http.Request) {
	Success(w, h.sessions.Stats())
}

// ListSweeps возвращает имена задач обслуживания.
// GET /api/v1/sweeps
func (h *Handler) ListSweeps(w http.ResponseWriter, _ *http.Request) {
	names := h.sweeps.Names()
	List(w, names, len(names))
}

// RunSweep запускает задачу обслуживания вне расписания.
// POST /api/v1/sweeps/{name}/run
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.sweeps.RunNow(r.Context(), r.PathValue("name"))
	if errors.Is(err, sweeper.ErrUnknownSweep) {
		NotFound(w, "sweep not found")
		return
	}
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}

	h.logger.Info("sweep triggered", "sweep", res.Sweep, "affected", res.Affected, "skipped", res.Skipped)
	Success(w, SweepResponse{
		Sweep:      res.Sweep,
		Affected:   res.Affected,
		Skipped:    res.Skipped,
		DurationMS: durationMS(res.Duration),
	})
}
