package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/xdispatch/internal/domain"
)

// Usage — последний отчёт воркера о CPU/RAM.
type Usage struct {
	CPU        float64 `json:"cpu"`
	RAMUsedGB  string  `json:"ram_used_gb"`
	RAMTotalGB string  `json:"ram_total_gb"`
}

// AccountRepo — акторы, их присутствие и журнал событий.
type AccountRepo struct {
	pool *pgxpool.Pool
}

// NewAccountRepo создаёт новый AccountRepo.
func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

// Authenticate возвращает ID активного актора по токену.
func (r *AccountRepo) Authenticate(ctx context.Context, token string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`SELECT id FROM accounts WHERE api_token = $1 AND is_active`, token,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("authenticate: %w", notFound(err))
	}
	return id, nil
}

// SetPresence обновляет статус присутствия актора.
func (r *AccountRepo) SetPresence(ctx context.Context, actorID int64, p domain.Presence) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE accounts SET presence = $2, updated_at = now() WHERE id = $1`,
		actorID, string(p))
	if err != nil {
		return fmt.Errorf("set presence of %d: %w", actorID, err)
	}
	return nil
}

// AppendEvent пишет строку в журнал событий актора.
func (r *AccountRepo) AppendEvent(ctx context.Context, actorID int64, level, message string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO event_log (account_id, level, message) VALUES ($1, $2, $3)`,
		actorID, level, message)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// UpsertUsage сохраняет последний отчёт о ресурсах воркера.
func (r *AccountRepo) UpsertUsage(ctx context.Context, actorID int64, u Usage) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO worker_usage (account_id, cpu_usage, ram_used_gb, ram_total_gb, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (account_id) DO UPDATE
		 SET cpu_usage = EXCLUDED.cpu_usage,
		     ram_used_gb = EXCLUDED.ram_used_gb,
		     ram_total_gb = EXCLUDED.ram_total_gb,
		     updated_at = now()`,
		actorID, u.CPU, u.RAMUsedGB, u.RAMTotalGB)
	if err != nil {
		return fmt.Errorf("upsert usage: %w", err)
	}
	return nil
}

// RegisterWorker отмечает worker-instance живым. Заодно удаляет записи
// актора, которые не обновлялись сутки (процесс упал без disconnect).
func (r *AccountRepo) RegisterWorker(ctx context.Context, actorID int64, workerID string) error {
	_, err := r.pool.Exec(ctx,
		`WITH purged AS (
			DELETE FROM workers WHERE owner_id = $1 AND last_seen < now() - interval '1 day'
		)
		INSERT INTO workers (worker_id, owner_id, last_seen)
		VALUES ($2, $1, now())
		ON CONFLICT (worker_id) DO UPDATE SET owner_id = EXCLUDED.owner_id, last_seen = now()`,
		actorID, workerID)
	if err != nil {
		return fmt.Errorf("register worker %s: %w", workerID, err)
	}
	return nil
}

// TouchWorkers продлевает отметку живых worker-instances этого процесса.
func (r *AccountRepo) TouchWorkers(ctx context.Context, workerIDs []string) (int64, error) {
	if len(workerIDs) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE workers SET last_seen = now() WHERE worker_id = ANY($1::text[])`,
		workerIDs)
	if err != nil {
		return 0, fmt.Errorf("touch workers: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RemoveWorker удаляет запись отключившегося worker-instance.
func (r *AccountRepo) RemoveWorker(ctx context.Context, workerID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM workers WHERE worker_id = $1`, workerID); err != nil {
		return fmt.Errorf("remove worker %s: %w", workerID, err)
	}
	return nil
}
