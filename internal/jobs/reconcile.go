package jobs

import (
	"context"

	"github.com/shaiso/xdispatch/internal/domain"
	"github.com/shaiso/xdispatch/internal/telemetry"
)

// ReconcileOnAuth возвращает в очередь jobs актора, чей claimant не
// отмечался в таблице workers дольше WorkerLiveness.
//
// Вызывается при аутентификации воркера: jobs, брошенные процессом,
// который ушёл без disconnect (рестарт сервера, обрыв сети), снова
// становятся доступны. Workers, подключённые к другим процессам
// диспетчера, остаются живыми.
func (s *Service) ReconcileOnAuth(ctx context.Context, actorID int64) (int64, error) {
	counts, err := s.jobs.RequeueStale(ctx, actorID, s.liveness)
	if err != nil {
		return 0, err
	}
	return s.countRequeued(actorID, "", "auth", counts), nil
}

// RequeueWorker возвращает в очередь все jobs, которые держит
// отключившийся worker-instance.
func (s *Service) RequeueWorker(ctx context.Context, actorID int64, workerID string) (int64, error) {
	counts, err := s.jobs.RequeueByWorker(ctx, actorID, workerID)
	if err != nil {
		return 0, err
	}
	return s.countRequeued(actorID, workerID, "disconnect", counts), nil
}

func (s *Service) countRequeued(actorID int64, workerID, reason string, counts map[domain.Family]int64) int64 {
	var total int64
	for family, n := range counts {
		if n == 0 {
			continue
		}
		total += n
		s.logger.Info("orphan jobs requeued",
			"reason", reason,
			"family", family,
			"count", n,
			"actor_id", actorID,
			"worker_id", workerID,
		)
	}
	if total > 0 {
		telemetry.OrphansRequeuedTotal.WithLabelValues(reason).Add(float64(total))
	}
	return total
}
