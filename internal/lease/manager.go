// Package lease выдаёт credentials из пула воркерам и обрабатывает
// отчёты об их использовании.
//
// Эксклюзивный lease выдаётся в транзакции с FOR UPDATE SKIP LOCKED:
// конкурирующие воркеры не ждут друг друга, каждый получает следующую
// свободную credential или ничего. Shared-read действия (view) lease не
// берут и дедупликацию по цели не проходят.
//
// Lease выдаётся только из deck актора. Отчёт принимается только о
// credential актора, отчёт о цели эксклюзивного действия принимается
// только от worker, который держит lease. Отчёт о сбое снимает lease и
// проходит через классификатор ошибок. Просроченные leases освобождает
// ReclaimExpired.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/shaiso/xdispatch/internal/domain"
	"github.com/shaiso/xdispatch/internal/protocol"
	"github.com/shaiso/xdispatch/internal/repo"
	"github.com/shaiso/xdispatch/internal/rules"
	"github.com/shaiso/xdispatch/internal/telemetry"
)

var (
	// ErrMissingParams — в запросе нет обязательных полей.
	ErrMissingParams = errors.New("missing lease params")

	// ErrNotOwner — deck или credential принадлежит другому актору.
	ErrNotOwner = errors.New("credential belongs to another actor")
)

const (
	// MaxBatch — предел размера пакетного lease.
	MaxBatch = 100

	// DefaultBatch — размер пакета, если воркер его не указал.
	DefaultBatch = 10
)

// Broadcaster рассылает сообщения сессиям актора.
type Broadcaster interface {
	Broadcast(actorID int64, role domain.Role, msg any) int
}

// Config — настройки Manager.
type Config struct {
	// LeaseTimeout — возраст lease, после которого он считается брошенным.
	LeaseTimeout time.Duration

	// AuditRetention — срок хранения credential_actions.
	AuditRetention time.Duration

	Logger *slog.Logger
}

// Manager — менеджер leases.
type Manager struct {
	creds       *repo.CredentialRepo
	classifier  *rules.Classifier
	broadcaster Broadcaster
	timeout     time.Duration
	retention   time.Duration
	logger      *slog.Logger
}

// New создаёт Manager.
func New(creds *repo.CredentialRepo, classifier *rules.Classifier, b Broadcaster, cfg Config) *Manager {
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 10 * time.Minute
	}
	if cfg.AuditRetention <= 0 {
		cfg.AuditRetention = 60 * 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		creds:       creds,
		classifier:  classifier,
		broadcaster: b,
		timeout:     cfg.LeaseTimeout,
		retention:   cfg.AuditRetention,
		logger:      cfg.Logger,
	}
}

// Request — запрос lease.
type Request struct {
	ActorID    int64
	DeckID     int64
	ActionType string

	// TargetKey — ключ цели для дедупликации (например, id tweet).
	TargetKey string
	TargetURL string

	Count    int
	WorkerID string
}

// Result — выданные credentials. Если выдать нечего, Diagnostics
// объясняет, на каком фильтре отсеялись кандидаты.
type Result struct {
	Leases      []domain.Credential
	Diagnostics *domain.LeaseDiagnostics
}

// ClampBatch приводит размер пакета к [1, MaxBatch]. 0 — DefaultBatch.
func ClampBatch(n int) int {
	switch {
	case n == 0:
		return DefaultBatch
	case n < 1:
		return 1
	case n > MaxBatch:
		return MaxBatch
	default:
		return n
	}
}

// Acquire выдаёт до req.Count credentials из deck.
func (m *Manager) Acquire(ctx context.Context, req Request) (Result, error) {
	if req.DeckID <= 0 || req.ActionType == "" {
		return Result{}, ErrMissingParams
	}
	if req.Count <= 0 {
		req.Count = 1
	}

	owner, err := m.creds.DeckOwner(ctx, m.creds.Pool(), req.DeckID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && owner != req.ActorID) {
		return Result{}, fmt.Errorf("%w: deck %d", ErrNotOwner, req.DeckID)
	}
	if err != nil {
		return Result{}, err
	}

	q := repo.LeaseQuery{
		DeckID:     req.DeckID,
		ActionType: req.ActionType,
		TargetKey:  req.TargetKey,
		WorkerID:   req.WorkerID,
		Limit:      req.Count,
	}

	var res Result
	if domain.IsSharedRead(req.ActionType) {
		creds, err := m.creds.AcquireShared(ctx, q)
		if err != nil {
			return Result{}, fmt.Errorf("acquire shared: %w", err)
		}
		res.Leases = creds
	} else {
		err := repo.InTx(ctx, m.creds.Pool(), func(tx pgx.Tx) error {
			creds, err := m.creds.AcquireExclusive(ctx, tx, q)
			if err != nil {
				return err
			}
			res.Leases = creds
			return nil
		})
		if err != nil {
			return Result{}, fmt.Errorf("acquire exclusive: %w", err)
		}
	}

	if len(res.Leases) > 0 {
		telemetry.LeasesTotal.WithLabelValues("acquired").Add(float64(len(res.Leases)))
		m.logger.Debug("credentials leased",
			"deck_id", req.DeckID,
			"action_type", req.ActionType,
			"count", len(res.Leases),
			"worker_id", req.WorkerID,
		)
		return res, nil
	}

	telemetry.LeasesTotal.WithLabelValues("empty").Inc()
	diag, err := m.creds.Diagnose(ctx, m.creds.Pool(), q)
	if err != nil {
		// Диагностика справочная: её сбой не превращает пустой ответ в ошибку.
		m.logger.Warn("lease diagnostics failed", "deck_id", req.DeckID, "error", err)
	}
	res.Diagnostics = &diag
	return res, nil
}

// Report — отчёт об использовании credential.
type Report struct {
	// ActorID и WorkerID — кто прислал отчёт.
	ActorID  int64
	WorkerID string

	CredentialID int64
	ActionType   string
	TargetKey    string
	TargetURL    string
	Success      bool

	// ErrorDetail — описание сбоя от платформы (JSON или текст).
	ErrorDetail string

	// RotatedSecret — cookie-строка с обновлёнными секретами.
	RotatedSecret string
}

// Report применяет один отчёт и пишет аудит.
//
// Отчёт о чужой credential — ErrNotOwner. Отчёт об эксклюзивном
// действии от worker, который не держит lease, — repo.ErrNotClaimant.
func (m *Manager) Report(ctx context.Context, r Report) (protocol.HealthChange, error) {
	changes, err := m.apply(ctx, []Report{r}, true, false)
	if err != nil {
		return protocol.HealthChange{}, err
	}
	return changes[0], nil
}

// ReportBatch применяет отчёты одной транзакцией. Отчёты без
// credential, о чужих credentials и о чужих leases пропускаются.
func (m *Manager) ReportBatch(ctx context.Context, reports []Report) ([]protocol.HealthChange, error) {
	valid := reports[:0:0]
	for _, r := range reports {
		if r.CredentialID > 0 {
			valid = append(valid, r)
		}
	}
	if len(valid) == 0 {
		return nil, ErrMissingParams
	}
	return m.apply(ctx, valid, true, true)
}

// ReportOutcome применяет отчёт, не связанный с конкретной целью:
// те же переходы health, но без строки аудита. Lease снимается, только
// если его держит отправитель.
func (m *Manager) ReportOutcome(ctx context.Context, r Report) (protocol.HealthChange, error) {
	changes, err := m.apply(ctx, []Report{r}, false, false)
	if err != nil {
		return protocol.HealthChange{}, err
	}
	return changes[0], nil
}

// apply применяет отчёты одной транзакцией. skipForeign пропускает
// отчёты, не прошедшие проверку владельца или holder, вместо ошибки.
func (m *Manager) apply(ctx context.Context, reports []Report, audit, skipForeign bool) ([]protocol.HealthChange, error) {
	for _, r := range reports {
		if r.CredentialID <= 0 {
			return nil, ErrMissingParams
		}
	}

	changes := make([]protocol.HealthChange, 0, len(reports))
	err := repo.InTx(ctx, m.creds.Pool(), func(tx pgx.Tx) error {
		changes = changes[:0]
		for _, r := range reports {
			ch, err := m.applyOne(ctx, tx, r, audit)
			if skipForeign && isForeign(err) {
				m.logger.Warn("lease report skipped",
					"credential_id", r.CredentialID,
					"actor_id", r.ActorID,
					"worker_id", r.WorkerID,
					"error", err,
				)
				continue
			}
			if err != nil {
				return err
			}
			changes = append(changes, ch)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply lease reports: %w", err)
	}

	for _, ch := range changes {
		outcome := "failure"
		if ch.Success {
			outcome = "success"
		}
		telemetry.LeaseReportsTotal.WithLabelValues(outcome).Inc()
	}
	m.notifyOwners(ctx, changes)
	return changes, nil
}

func (m *Manager) applyOne(ctx context.Context, tx pgx.Tx, r Report, audit bool) (protocol.HealthChange, error) {
	ch := protocol.HealthChange{
		CredentialID: r.CredentialID,
		ActionType:   r.ActionType,
		Success:      r.Success,
	}

	owner, holder, err := m.creds.LeaseHolder(ctx, tx, r.CredentialID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && owner != r.ActorID) {
		return ch, fmt.Errorf("%w: credential %d", ErrNotOwner, r.CredentialID)
	}
	if err != nil {
		return ch, err
	}

	exclusive := !domain.IsSharedRead(r.ActionType)
	held := holder != "" && holder == r.WorkerID
	if audit && exclusive && !held {
		return ch, fmt.Errorf("credential %d leased by %q: %w", r.CredentialID, holder, repo.ErrNotClaimant)
	}
	release := exclusive && held

	if audit && r.TargetKey != "" && r.ActionType != "" {
		err := m.creds.InsertAction(ctx, tx, repo.CredentialAction{
			CredentialID: r.CredentialID,
			ActionType:   r.ActionType,
			TargetKey:    r.TargetKey,
			TargetURL:    r.TargetURL,
			Success:      r.Success,
			ErrorDetail:  r.ErrorDetail,
		})
		if err != nil {
			return ch, err
		}
	}

	if r.Success {
		if err := m.creds.MarkSuccess(ctx, tx, r.CredentialID, release, false); err != nil {
			return ch, err
		}
		ch.Health = domain.HealthHealthy
	} else {
		out, err := m.classifier.Apply(ctx, tx, rules.Failure{
			CredentialID: r.CredentialID,
			Module:       r.ActionType,
			Code:         rules.ExtractCode(r.ErrorDetail),
			Message:      r.ErrorDetail,
		}, false)
		if err != nil {
			return ch, err
		}
		if err := m.creds.TouchAfterFailure(ctx, tx, r.CredentialID, release); err != nil {
			return ch, err
		}
		ch.Health = out.Health
		ch.Action = out.Action
	}

	if s, ok := domain.ParseRotatedSecret(r.RotatedSecret); ok {
		if err := m.creds.ApplyRotatedSecret(ctx, tx, r.CredentialID, s); err != nil {
			return ch, err
		}
	}
	return ch, nil
}

func isForeign(err error) bool {
	return errors.Is(err, ErrNotOwner) || errors.Is(err, repo.ErrNotClaimant)
}

// notifyOwners рассылает изменения health панелям владельцев credentials,
// одним сообщением на актора.
func (m *Manager) notifyOwners(ctx context.Context, changes []protocol.HealthChange) {
	if m.broadcaster == nil || len(changes) == 0 {
		return
	}

	ids := make([]int64, len(changes))
	for i, ch := range changes {
		ids[i] = ch.CredentialID
	}
	owners, err := m.creds.Owners(ctx, m.creds.Pool(), ids)
	if err != nil {
		m.logger.Warn("resolve credential owners", "error", err)
		return
	}

	byActor := make(map[int64][]protocol.HealthChange)
	for _, ch := range changes {
		if actor, ok := owners[ch.CredentialID]; ok {
			byActor[actor] = append(byActor[actor], ch)
		}
	}
	for actor, list := range byActor {
		m.broadcaster.Broadcast(actor, domain.RoleObserver, protocol.NewCredentialHealth(list))
	}
}

// ReclaimExpired освобождает leases старше LeaseTimeout.
func (m *Manager) ReclaimExpired(ctx context.Context) (int64, error) {
	n, err := m.creds.ReclaimExpired(ctx, m.timeout)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		telemetry.LeasesReclaimedTotal.Add(float64(n))
		m.logger.Info("expired leases reclaimed", "count", n, "timeout", m.timeout)
	}
	return n, nil
}

// PurgeAudit удаляет аудит использования старше AuditRetention.
func (m *Manager) PurgeAudit(ctx context.Context) (int64, error) {
	n, err := m.creds.PurgeActions(ctx, m.retention)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("credential audit purged", "count", n, "retention", m.retention)
	}
	return n, nil
}
