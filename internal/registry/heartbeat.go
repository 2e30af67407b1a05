package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/shaiso/xdispatch/internal/telemetry"
)

// Liveness хранит отметки живых worker-instances, общие для всех
// процессов диспетчера.
type Liveness interface {
	TouchWorkers(ctx context.Context, workerIDs []string) (int64, error)
}

// Heartbeat периодически проверяет живость всех наблюдаемых сессий.
//
// Каждый цикл: сессия, не ответившая на предыдущий ping, закрывается;
// остальным отправляется новый ping. Закрытие запускает обычный путь
// disconnect в транспорте. Затем оставшиеся воркеры отмечаются в Liveness.
type Heartbeat struct {
	registry *Registry
	interval time.Duration
	liveness Liveness
	logger   *slog.Logger
}

// NewHeartbeat создаёт монитор. interval <= 0 означает 30 секунд.
func NewHeartbeat(r *Registry, interval time.Duration, logger *slog.Logger) *Heartbeat {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{registry: r, interval: interval, logger: logger}
}

// WithLiveness подключает хранилище отметок живых воркеров.
func (h *Heartbeat) WithLiveness(l Liveness) *Heartbeat {
	h.liveness = l
	return h
}

// Run выполняет Sweep каждые interval до отмены ctx.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("heartbeat started", "interval", h.interval)
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("heartbeat stopped")
			return
		case <-ticker.C:
			h.Sweep()
			h.Touch(ctx)
		}
	}
}

// Sweep выполняет один цикл проверки. Возвращает число отправленных
// ping и закрытых сессий.
func (h *Heartbeat) Sweep() (pinged, evicted int) {
	for _, s := range h.registry.Tracked() {
		if !s.TakeAlive() {
			id := s.Identity()
			h.logger.Info("session missed heartbeat, terminating",
				"session_id", s.ID(),
				"actor_id", id.ActorID,
				"worker_id", id.WorkerID,
			)
			if err := s.Terminate(); err != nil {
				h.logger.Warn("terminate session", "session_id", s.ID(), "error", err)
			}
			h.registry.Untrack(s)
			telemetry.HeartbeatEvictionsTotal.Inc()
			evicted++
			continue
		}
		if err := s.Ping(); err != nil {
			h.logger.Debug("ping failed", "session_id", s.ID(), "error", err)
		}
		pinged++
	}
	return pinged, evicted
}

// Touch продлевает отметки воркеров, подключённых к этому процессу.
func (h *Heartbeat) Touch(ctx context.Context) {
	if h.liveness == nil {
		return
	}
	ids := h.registry.WorkerIDs()
	if len(ids) == 0 {
		return
	}
	if _, err := h.liveness.TouchWorkers(ctx, ids); err != nil {
		h.logger.Warn("touch workers", "count", len(ids), "error", err)
	}
}
