package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/shaiso/xdispatch/internal/domain"
	"github.com/shaiso/xdispatch/internal/repo"
)

const (
	// MaxTargets — предел пакета целей кампании.
	MaxTargets = 50

	// cursorRetries — попытки сдвинуть курсор при конкурентных запросах.
	cursorRetries = 3
)

// ClampTargets приводит размер пакета целей к [1, MaxTargets].
func ClampTargets(n int) int {
	switch {
	case n < 1:
		return 1
	case n > MaxTargets:
		return MaxTargets
	default:
		return n
	}
}

// CampaignDispatch — выданная кампания.
type CampaignDispatch struct {
	Job *domain.Job

	// ScraperTokens — credentials scraper deck из фильтра scraper_deck_id.
	ScraperTokens []domain.Credential
}

// ClaimCampaign забирает warmer или scraping кампанию актора.
func (s *Service) ClaimCampaign(ctx context.Context, family domain.Family, actorID int64, workerID string) (*CampaignDispatch, error) {
	if !family.IsBatch() {
		return nil, fmt.Errorf("%w: %s is not a campaign family", ErrMalformed, family)
	}
	job, err := s.claim(ctx, family, actorID, "", workerID)
	if err != nil {
		return nil, err
	}

	out := &CampaignDispatch{Job: job}
	if deckID, ok := job.Cursor.FilterInt(domain.FilterScraperDeckID); ok {
		tokens, err := s.creds.ListUsable(ctx, deckID)
		if err != nil {
			s.logger.Warn("load scraper deck", "deck_id", deckID, "job_id", job.ID, "error", err)
		} else {
			out.ScraperTokens = tokens
		}
	}
	return out, nil
}

// Batch — порция целей кампании.
type Batch struct {
	Job     *domain.Job
	Targets []domain.Target

	// Done — целей больше нет, кампания завершена.
	Done bool
}

// NextTargets выдаёт до n следующих целей кампании и сдвигает курсор.
//
// Курсор сдвигается compare-and-set: если его сдвинул конкурентный
// запрос, выборка повторяется с новой позиции. Если целей не осталось,
// кампания завершается с total = числу выданных целей и
// Batch.Done == true. Уведомление о завершении уходит, когда учтён
// результат последней выданной цели.
func (s *Service) NextTargets(ctx context.Context, family domain.Family, actorID, id int64, workerID string, n int) (Batch, error) {
	if !family.IsBatch() || id <= 0 {
		return Batch{}, ErrMalformed
	}
	n = ClampTargets(n)

	for attempt := 0; attempt < cursorRetries; attempt++ {
		job, err := s.ownedJob(ctx, family, actorID, id)
		if err != nil {
			return Batch{}, err
		}
		if job.State.IsTerminal() {
			return Batch{Job: job, Done: true}, nil
		}
		if job.WorkerID != workerID {
			return Batch{}, repo.ErrNotClaimant
		}

		targets, err := s.fetchTargets(ctx, job, n)
		if err != nil {
			return Batch{}, err
		}

		if len(targets) == 0 {
			done, transitioned, err := s.jobs.DrainCampaign(ctx, family, id, workerID)
			if err != nil {
				return Batch{}, err
			}
			if transitioned {
				s.drained(ctx, done)
			}
			return Batch{Job: done, Done: true}, nil
		}

		last := targets[len(targets)-1].ID
		err = s.jobs.AdvanceCursor(ctx, family, id, workerID, job.Cursor.LastSeenID, last, len(targets))
		if errors.Is(err, repo.ErrCursorMoved) {
			s.logger.Debug("campaign cursor moved, retrying", "family", family, "job_id", id, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return Batch{}, err
		}

		job.Cursor = job.Cursor.Advance(last)
		return Batch{Job: job, Targets: targets}, nil
	}
	return Batch{}, fmt.Errorf("advance %s job %d: %w", family, id, repo.ErrCursorMoved)
}

// fetchTargets выбирает цели после курсора, упорядоченные по id.
func (s *Service) fetchTargets(ctx context.Context, job *domain.Job, n int) ([]domain.Target, error) {
	switch job.Family {
	case domain.FamilyWarmer:
		return s.warmerTargets(ctx, job, n)
	case domain.FamilyScraping:
		switch job.Type {
		case domain.ScrapeCredentialHealth:
			return s.credentialTargets(ctx, job, n)
		case domain.ScrapeNickProfile:
			return s.nickTargets(ctx, job, n)
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, job.Type)
	}
	return nil, fmt.Errorf("%w: %s", ErrMalformed, job.Family)
}

// warmerTargets: пригодные credentials deck, каждой — случайный tweet
// случайного nick из группы кампании.
func (s *Service) warmerTargets(ctx context.Context, job *domain.Job, n int) ([]domain.Target, error) {
	w := job.Warmer
	if w == nil {
		return nil, fmt.Errorf("%w: warmer job %d has no details", ErrMalformed, job.ID)
	}

	deckID := w.DeckID
	page, err := s.creds.NextPage(ctx, repo.CredentialPage{
		After:      job.Cursor.After(),
		DeckID:     &deckID,
		UsableOnly: true,
		Limit:      n,
	})
	if err != nil || len(page) == 0 {
		return nil, err
	}

	// Nicks проверяются до сдвига курсора: без них цели не выдаются.
	nicks, err := s.nicks.RandomWithTweets(ctx, w.NickGroup, len(page))
	if err != nil {
		return nil, err
	}
	if len(nicks) == 0 {
		return nil, fmt.Errorf("%w: group %q", ErrNoNicks, w.NickGroup)
	}

	targets := make([]domain.Target, len(page))
	for i := range page {
		c := page[i]
		nick := nicks[rand.IntN(len(nicks))]
		targets[i] = domain.Target{
			ID:           c.ID,
			Kind:         "credential",
			Credential:   &c.Credential,
			Proxy:        c.Proxy.Proxy,
			ProxyRequest: c.Proxy.ProxyRequest,
			NickTarget:   nick.Handle,
			URL:          nick.Tweets[rand.IntN(len(nick.Tweets))],
		}
	}
	return targets, nil
}

// credentialTargets: credentials по фильтрам deck_id и status
// (active / inactive).
func (s *Service) credentialTargets(ctx context.Context, job *domain.Job, n int) ([]domain.Target, error) {
	p := repo.CredentialPage{After: job.Cursor.After(), Limit: n}
	if deckID, ok := job.Cursor.FilterInt(domain.FilterDeckID); ok {
		p.DeckID = &deckID
	}
	if status, ok := job.Cursor.Filter(domain.FilterStatus); ok {
		active := status == domain.NickActive
		p.Active = &active
	}

	page, err := s.creds.NextPage(ctx, p)
	if err != nil {
		return nil, err
	}
	targets := make([]domain.Target, len(page))
	for i := range page {
		c := page[i]
		targets[i] = domain.Target{
			ID:           c.ID,
			Kind:         domain.ScrapeCredentialHealth,
			Credential:   &c.Credential,
			Proxy:        c.Proxy.ProxyRequest,
			ProxyRequest: c.Proxy.ProxyRequest,
		}
	}
	return targets, nil
}

// nickTargets: nicks по фильтрам group и status.
func (s *Service) nickTargets(ctx context.Context, job *domain.Job, n int) ([]domain.Target, error) {
	group, _ := job.Cursor.Filter(domain.FilterGroup)
	status, _ := job.Cursor.Filter(domain.FilterStatus)

	page, err := s.nicks.NextPage(ctx, job.Cursor.After(), group, status, n)
	if err != nil {
		return nil, err
	}
	targets := make([]domain.Target, len(page))
	for i := range page {
		nick := page[i]
		targets[i] = domain.Target{ID: nick.ID, Kind: domain.ScrapeNickProfile, Nick: &nick}
	}
	return targets, nil
}

// SignalDrained завершает кампанию по сигналу claimant.
// Возвращает job и true, если переход выполнил этот вызов.
func (s *Service) SignalDrained(ctx context.Context, family domain.Family, actorID, id int64, workerID string) (*domain.Job, bool, error) {
	if !family.IsBatch() || id <= 0 {
		return nil, false, ErrMalformed
	}
	if _, err := s.ownedJob(ctx, family, actorID, id); err != nil {
		return nil, false, err
	}

	job, transitioned, err := s.jobs.CompleteCampaign(ctx, family, id, workerID)
	if err != nil {
		return job, false, err
	}
	if transitioned {
		s.finished(ctx, job)
	}
	return job, transitioned, nil
}

// drained отмечает завершение кампании по истощению курсора. Если
// результаты по выданным целям ещё в пути, уведомление откладывается
// до последнего из них.
func (s *Service) drained(ctx context.Context, job *domain.Job) {
	if job.AwaitingResults() {
		s.logger.Info("campaign drained, awaiting results",
			"family", job.Family,
			"job_id", job.ID,
			"attempted", job.Counters.Attempted,
			"total", job.Total,
		)
		return
	}
	s.finished(ctx, job)
}

// SettleStaleCampaigns закрывает кампании, которые дольше SettleGrace
// ждут результаты по выданным целям: total := attempted. Возвращает
// число закрытых кампаний.
func (s *Service) SettleStaleCampaigns(ctx context.Context) (int64, error) {
	var settled int64
	for _, family := range domain.Families() {
		if !family.IsBatch() {
			continue
		}
		stale, err := s.jobs.SettleStale(ctx, family, s.settleGrace)
		for i := range stale {
			s.logger.Warn("campaign settled without all results",
				"family", family,
				"job_id", stale[i].ID,
				"attempted", stale[i].Counters.Attempted,
			)
			s.finished(ctx, &stale[i])
		}
		settled += int64(len(stale))
		if err != nil {
			return settled, err
		}
	}
	return settled, nil
}
