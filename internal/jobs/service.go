package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shaiso/xdispatch/internal/domain"
	"github.com/shaiso/xdispatch/internal/repo"
	"github.com/shaiso/xdispatch/internal/rules"
	"github.com/shaiso/xdispatch/internal/telemetry"
)

const (
	// defaultViewsPerMinute — темп view jobs, если util не задан.
	defaultViewsPerMinute = 300

	// stopComment — comment job, остановленной с панели.
	stopComment = "stopped"
)

// Service — операции над jobs всех семейств.
type Service struct {
	jobs       *repo.JobRepo
	creds      *repo.CredentialRepo
	nicks      *repo.NickRepo
	accounts   *repo.AccountRepo
	classifier *rules.Classifier
	notifier   Notifier
	logger     *slog.Logger

	liveness    time.Duration
	settleGrace time.Duration
}

// Config — зависимости Service.
type Config struct {
	Jobs        *repo.JobRepo
	Credentials *repo.CredentialRepo
	Nicks       *repo.NickRepo
	Accounts    *repo.AccountRepo
	Classifier  *rules.Classifier

	// Notifier получает события о завершении (default: NopNotifier).
	Notifier Notifier

	// WorkerLiveness — сколько worker считается живым после последней
	// отметки в таблице workers (default: 90s).
	WorkerLiveness time.Duration

	// SettleGrace — сколько завершённая кампания ждёт результаты по
	// выданным целям (default: 10m).
	SettleGrace time.Duration

	Logger *slog.Logger
}

// New создаёт Service.
func New(cfg Config) *Service {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkerLiveness <= 0 {
		cfg.WorkerLiveness = 90 * time.Second
	}
	if cfg.SettleGrace <= 0 {
		cfg.SettleGrace = 10 * time.Minute
	}
	return &Service{
		jobs:       cfg.Jobs,
		creds:      cfg.Credentials,
		nicks:      cfg.Nicks,
		accounts:   cfg.Accounts,
		classifier: cfg.Classifier,
		notifier:   notifier,
		logger:     logger,

		liveness:    cfg.WorkerLiveness,
		settleGrace: cfg.SettleGrace,
	}
}

// claim забирает job семейства и учитывает результат в метриках.
func (s *Service) claim(ctx context.Context, family domain.Family, actorID int64, jobType, workerID string) (*domain.Job, error) {
	job, err := s.jobs.Claim(ctx, family, actorID, jobType, workerID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		telemetry.ClaimsTotal.WithLabelValues(string(family), "empty").Inc()
		return nil, ErrNoJob
	case err != nil:
		telemetry.ClaimsTotal.WithLabelValues(string(family), "error").Inc()
		return nil, err
	}

	telemetry.ClaimsTotal.WithLabelValues(string(family), "claimed").Inc()
	s.logger.Info("job claimed",
		"family", family,
		"job_id", job.ID,
		"type", job.Type,
		"actor_id", actorID,
		"worker_id", workerID,
	)
	return job, nil
}

// ActionDispatch — discrete job вместе с данными для её выполнения.
type ActionDispatch struct {
	Job   *domain.Job
	Proxy domain.DeckProxy

	// DeckTokens — inline-снимок credentials deck для view jobs.
	DeckTokens      []domain.Credential
	UseLeaseManager bool
	ViewsPerMinute  int
}

// ClaimAction забирает discrete job актора. jobType == "" — любой тип.
//
// Для job с deck добавляются прокси deck. View job с deck получает
// снимок всех пригодных credentials и работает без lease.
func (s *Service) ClaimAction(ctx context.Context, actorID int64, jobType, workerID string) (*ActionDispatch, error) {
	job, err := s.claim(ctx, domain.FamilyDiscrete, actorID, jobType, workerID)
	if err != nil {
		return nil, err
	}

	out := &ActionDispatch{Job: job, UseLeaseManager: true}
	a := job.Action
	if a == nil || a.DeckID == nil {
		return out, nil
	}
	deckID := *a.DeckID

	proxy, err := s.creds.DeckProxy(ctx, deckID)
	if err != nil {
		s.logger.Warn("load deck proxy", "deck_id", deckID, "job_id", job.ID, "error", err)
	} else {
		out.Proxy = proxy
	}

	if domain.IsSharedRead(job.Type) {
		tokens, err := s.creds.ListUsable(ctx, deckID)
		if err != nil {
			// Без снимка воркер возьмёт credentials через lease.
			s.logger.Warn("load deck snapshot", "deck_id", deckID, "job_id", job.ID, "error", err)
			return out, nil
		}
		out.DeckTokens = tokens
		out.UseLeaseManager = false
		out.ViewsPerMinute = ViewsPerMinute(a.Util)
	}
	return out, nil
}

// ViewsPerMinute читает темп view job из util.
func ViewsPerMinute(util string) int {
	n, err := strconv.Atoi(strings.TrimSpace(util))
	if err != nil || n <= 0 {
		return defaultViewsPerMinute
	}
	return n
}

// Accept подтверждает приёмку discrete job.
func (s *Service) Accept(ctx context.Context, id int64, workerID string) error {
	if id <= 0 {
		return ErrMalformed
	}
	return s.jobs.Accept(ctx, domain.FamilyDiscrete, id, workerID)
}

// Reject возвращает discrete job в очередь.
func (s *Service) Reject(ctx context.Context, id int64, workerID string) error {
	if id <= 0 {
		return ErrMalformed
	}
	if err := s.jobs.Reject(ctx, domain.FamilyDiscrete, id, workerID); err != nil {
		return err
	}
	s.logger.Info("job rejected", "job_id", id, "worker_id", workerID)
	return nil
}

// Progress увеличивает attempted discrete job.
func (s *Service) Progress(ctx context.Context, id int64, workerID string, delta int) error {
	if id <= 0 || delta < 0 {
		return ErrMalformed
	}
	return s.jobs.AddProgress(ctx, domain.FamilyDiscrete, id, workerID, delta)
}

// ReportStatus применяет отчёт воркера о статусе discrete job.
//
// failed дополнительно выставляет актору presence error. Переход в
// completed отправляет событие о завершении.
func (s *Service) ReportStatus(ctx context.Context, actorID, id int64, workerID, status, comment string) (*domain.Job, error) {
	state, ok := domain.ParseJobState(status)
	if id <= 0 || !ok || state == domain.JobAwaitingAcceptance {
		return nil, ErrMalformed
	}

	res, err := s.jobs.ReportStatus(ctx, id, workerID, state, comment)
	if err != nil {
		return nil, err
	}

	if state == domain.JobFailed {
		if err := s.accounts.SetPresence(ctx, actorID, domain.PresenceError); err != nil {
			s.logger.Warn("set presence", "actor_id", actorID, "error", err)
		}
	}
	if res.Finished {
		s.finished(ctx, res.Job)
	}
	return res.Job, nil
}

// AttachSnapshot сохраняет снимок цели discrete job.
func (s *Service) AttachSnapshot(ctx context.Context, id int64, workerID string, data json.RawMessage) error {
	if id <= 0 || len(data) == 0 || !json.Valid(data) {
		return ErrMalformed
	}
	return s.jobs.AttachSnapshot(ctx, id, workerID, data)
}

// Stop принудительно завершает discrete job актора с ошибкой.
func (s *Service) Stop(ctx context.Context, actorID, id int64) error {
	if id <= 0 {
		return ErrMalformed
	}
	if err := s.jobs.Stop(ctx, id, actorID, stopComment); err != nil {
		return err
	}
	telemetry.JobsFinishedTotal.WithLabelValues(string(domain.FamilyDiscrete), string(domain.JobFailed)).Inc()
	s.logger.Info("job stopped", "job_id", id, "actor_id", actorID)
	return nil
}

// finished учитывает финальный переход и отправляет событие.
// Событие отправляется только для completed.
func (s *Service) finished(ctx context.Context, j *domain.Job) {
	telemetry.JobsFinishedTotal.WithLabelValues(string(j.Family), string(j.State)).Inc()
	s.logger.Info("job finished",
		"family", j.Family,
		"job_id", j.ID,
		"state", j.State,
		"attempted", j.Counters.Attempted,
		"succeeded", j.Counters.Succeeded,
		"failed", j.Counters.Failed,
	)

	if j.State != domain.JobCompleted {
		return
	}
	if err := s.notifier.JobFinished(ctx, FinishedEvent(j)); err != nil {
		s.logger.Warn("notify job finished", "family", j.Family, "job_id", j.ID, "error", err)
	}
}

// ownedJob загружает job и проверяет владельца.
func (s *Service) ownedJob(ctx context.Context, family domain.Family, actorID, id int64) (*domain.Job, error) {
	job, err := s.jobs.Get(ctx, family, id)
	if err != nil {
		return nil, fmt.Errorf("load %s job %d: %w", family, id, err)
	}
	if job.OwnerID != actorID {
		return nil, ErrNotOwner
	}
	return job, nil
}
