package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/shaiso/xdispatch/internal/domain"
	"github.com/shaiso/xdispatch/internal/repo"
	"github.com/shaiso/xdispatch/internal/rules"
	"github.com/shaiso/xdispatch/internal/telemetry"
)

const (
	moduleWarmer   = "warmer"
	moduleScraping = "scraping"

	maxLastError = 500
)

// WarmerResult — результат одного действия warmer.
type WarmerResult struct {
	JobID        int64
	CredentialID int64
	NickTarget   string
	URL          string
	Success      bool
	ErrorMessage string
	ErrorCode    string

	// RotatedSecret — cookie-строка с обновлёнными секретами.
	RotatedSecret string
}

// ApplyWarmerResult применяет результат warmer одной транзакцией:
// счётчики кампании, строка warmer_log, состояние credential.
// Возвращает job после применения.
//
// Результат принимается только от claimant кампании. Результат для
// финальной job, все цели которой уже учтены, не меняет ничего.
func (s *Service) ApplyWarmerResult(ctx context.Context, actorID int64, workerID string, r WarmerResult) (*domain.Job, error) {
	if r.JobID <= 0 || r.CredentialID <= 0 {
		return nil, ErrMalformed
	}
	if _, err := s.ownedJob(ctx, domain.FamilyWarmer, actorID, r.JobID); err != nil {
		return nil, err
	}

	var rec repo.ResultRecord
	err := repo.InTx(ctx, s.creds.Pool(), func(tx pgx.Tx) error {
		var err error
		rec, err = s.jobs.RecordResult(ctx, tx, domain.FamilyWarmer, r.JobID, workerID, r.Success)
		if err != nil || !rec.Recorded {
			return err
		}
		return s.applyWarmerOutcome(ctx, tx, r)
	})
	if err != nil {
		return nil, fmt.Errorf("apply warmer result for job %d: %w", r.JobID, err)
	}

	job, err := s.jobs.Get(ctx, domain.FamilyWarmer, r.JobID)
	if err != nil {
		return nil, err
	}
	if rec.Settled {
		s.finished(ctx, job)
	}
	return job, nil
}

func (s *Service) applyWarmerOutcome(ctx context.Context, tx pgx.Tx, r WarmerResult) error {
	err := s.jobs.InsertWarmerLog(ctx, tx, repo.WarmerLogEntry{
		JobID:        r.JobID,
		CredentialID: r.CredentialID,
		NickTarget:   r.NickTarget,
		URL:          r.URL,
		Success:      r.Success,
		ErrorMessage: r.ErrorMessage,
		ErrorCode:    r.ErrorCode,
	})
	if err != nil {
		return err
	}

	if r.Success {
		if err := s.creds.MarkSuccess(ctx, tx, r.CredentialID, true, true); err != nil {
			return err
		}
	} else {
		msg := r.ErrorMessage
		if msg == "" {
			msg = r.ErrorCode
		}
		code := rules.ExtractCode(r.ErrorCode)
		if code == nil {
			code = rules.ExtractCode(msg)
		}
		jobID := r.JobID
		_, err := s.classifier.Apply(ctx, tx, rules.Failure{
			CredentialID: r.CredentialID,
			JobID:        &jobID,
			Module:       moduleWarmer,
			Code:         code,
			Message:      msg,
		}, true)
		if err != nil {
			return err
		}
		if err := s.creds.TouchAfterFailure(ctx, tx, r.CredentialID, true); err != nil {
			return err
		}
	}

	if secret, ok := domain.ParseRotatedSecret(r.RotatedSecret); ok {
		return s.creds.ApplyRotatedSecret(ctx, tx, r.CredentialID, secret)
	}
	return nil
}

// ScrapingResult — результат scraping одной цели.
type ScrapingResult struct {
	TargetID     int64
	Success      bool
	Result       json.RawMessage
	ErrorMessage string
}

// CredentialScrape — тело результата credential_health.
//
// Health — состояние, которое воркер наблюдал напрямую. Пустое значение
// означает healthy.
type CredentialScrape struct {
	Health   domain.HealthState `json:"health"`
	Profile  *ScrapedProfile    `json:"profile"`
	ErrorMsg string             `json:"error_msg"`
}

// ScrapedProfile — профиль credential, собранный воркером.
type ScrapedProfile struct {
	ScreenName string `json:"screen_name"`
	domain.Profile
}

// ApplyScrapingResults применяет результаты scraping одной транзакцией.
// Результаты без цели и результаты сверх выданных целей финальной job
// пропускаются. Возвращает job после применения и число применённых
// результатов. Результаты принимаются только от claimant.
func (s *Service) ApplyScrapingResults(ctx context.Context, actorID, jobID int64, workerID string, results []ScrapingResult) (*domain.Job, int, error) {
	if jobID <= 0 || len(results) == 0 {
		return nil, 0, ErrMalformed
	}
	job, err := s.ownedJob(ctx, domain.FamilyScraping, actorID, jobID)
	if err != nil {
		return nil, 0, err
	}
	if job.Type != domain.ScrapeCredentialHealth && job.Type != domain.ScrapeNickProfile {
		return nil, 0, fmt.Errorf("%w: %q", ErrUnknownTarget, job.Type)
	}

	var (
		applied int
		settled bool
	)
	err = repo.InTx(ctx, s.creds.Pool(), func(tx pgx.Tx) error {
		applied, settled = 0, false
		for _, r := range results {
			if r.TargetID <= 0 {
				continue
			}
			rec, err := s.jobs.RecordResult(ctx, tx, domain.FamilyScraping, jobID, workerID, r.Success)
			if err != nil {
				return err
			}
			if !rec.Recorded {
				continue
			}
			settled = settled || rec.Settled

			if job.Type == domain.ScrapeCredentialHealth {
				err = s.applyCredentialScrape(ctx, tx, jobID, r)
			} else {
				err = s.applyNickScrape(ctx, tx, r)
			}
			if err != nil {
				return fmt.Errorf("target %d: %w", r.TargetID, err)
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("apply scraping results for job %d: %w", jobID, err)
	}

	job, err = s.jobs.Get(ctx, domain.FamilyScraping, jobID)
	if err != nil {
		return nil, applied, err
	}
	if settled {
		s.finished(ctx, job)
	}
	return job, applied, nil
}

func (s *Service) applyCredentialScrape(ctx context.Context, tx pgx.Tx, jobID int64, r ScrapingResult) error {
	if !r.Success {
		msg := r.ErrorMessage
		if msg == "" {
			msg = "scraping error"
		}
		_, err := s.classifier.Apply(ctx, tx, rules.Failure{
			CredentialID: r.TargetID,
			JobID:        &jobID,
			Module:       moduleScraping,
			Code:         rules.ExtractCode(msg),
			Message:      msg,
		}, true)
		return err
	}

	var res CredentialScrape
	if len(r.Result) > 0 && string(r.Result) != "null" {
		if err := json.Unmarshal(r.Result, &res); err != nil {
			return fmt.Errorf("%w: credential result: %v", ErrMalformed, err)
		}
	}

	health := res.Health
	if health == "" {
		health = domain.HealthHealthy
	}
	switch {
	case health == domain.HealthHealthy && res.Profile != nil:
		return s.creds.ApplyProfile(ctx, tx, r.TargetID, res.Profile.ScreenName, res.Profile.Profile)
	case health == domain.HealthHealthy:
		return s.creds.MarkSuccess(ctx, tx, r.TargetID, false, false)
	default:
		msg := res.ErrorMsg
		if msg == "" {
			msg = "unknown"
		}
		return s.creds.ApplyHealth(ctx, tx, r.TargetID, health,
			telemetry.Truncate(msg, maxLastError), health.Deactivates())
	}
}

func (s *Service) applyNickScrape(ctx context.Context, tx pgx.Tx, r ScrapingResult) error {
	if !r.Success {
		msg := r.ErrorMessage
		if msg == "" {
			msg = "scraping error"
		}
		return s.nicks.MarkInactive(ctx, tx, r.TargetID, telemetry.Truncate(msg, maxLastError))
	}

	var p repo.NickProfile
	if len(r.Result) > 0 && string(r.Result) != "null" {
		if err := json.Unmarshal(r.Result, &p); err != nil {
			return fmt.Errorf("%w: nick result: %v", ErrMalformed, err)
		}
	}
	return s.nicks.ApplyProfile(ctx, tx, r.TargetID, p)
}
