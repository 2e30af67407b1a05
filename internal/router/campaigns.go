package router

import (
	"context"
	"errors"

	"github.com/shaiso/xdispatch/internal/domain"
	"github.com/shaiso/xdispatch/internal/jobs"
	"github.com/shaiso/xdispatch/internal/protocol"
)

// claimCampaign выдаёт воркеру warmer или scraping кампанию.
func (r *Router) claimCampaign(family domain.Family) handlerFunc {
	empty := protocol.TypeNoScrapingJob
	if family == domain.FamilyWarmer {
		empty = protocol.TypeNoWarmerJob
	}

	return func(ctx context.Context, c *call) error {
		d, err := r.jobs.ClaimCampaign(ctx, family, c.id.ActorID, c.id.WorkerID)
		if errors.Is(err, jobs.ErrNoJob) {
			c.reply(protocol.NoJob(empty, ""))
			return nil
		}
		if err != nil {
			return err
		}
		c.reply(protocol.NewCampaignJob(d.Job, d.ScraperTokens))
		r.broadcastProgress(d.Job)
		return nil
	}
}

// nextTargets выдаёт следующую цель (batch == false) или пакет целей.
func (r *Router) nextTargets(family domain.Family, batch bool) handlerFunc {
	single, many := protocol.TypeScrapingTarget, protocol.TypeScrapingTargets
	if family == domain.FamilyWarmer {
		single, many = protocol.TypeWarmerTarget, protocol.TypeWarmerTargets
	}

	return func(ctx context.Context, c *call) error {
		var msg protocol.CampaignNext
		if err := c.env.Bind(&msg); err != nil {
			return err
		}
		n := 1
		if batch {
			n = jobs.ClampTargets(msg.Count)
		}

		b, err := r.jobs.NextTargets(ctx, family, c.id.ActorID, msg.JobID, c.id.WorkerID, n)
		switch {
		case errors.Is(err, jobs.ErrNoNicks), errors.Is(err, jobs.ErrUnknownTarget):
			c.logger.Warn("campaign has no targets to issue", "family", family, "job_id", msg.JobID, "error", err)
			c.reply(protocol.CampaignError(family, msg.JobID, err.Error()))
			return nil
		case err != nil:
			return err
		}

		if b.Done {
			c.reply(protocol.NewCampaignDone(b.Job))
			r.broadcastProgress(b.Job)
			return nil
		}

		progress := protocol.ProgressOf(b.Job)
		if batch {
			c.reply(protocol.CampaignTargets{Type: many, JobID: b.Job.ID, Targets: b.Targets, Progress: progress})
		} else {
			c.reply(protocol.CampaignTarget{Type: single, JobID: b.Job.ID, Target: b.Targets[0], Progress: progress})
		}
		return nil
	}
}

// handleWarmerResult применяет результат действия warmer.
func (r *Router) handleWarmerResult(ctx context.Context, c *call) error {
	var msg protocol.WarmerResult
	if err := c.env.Bind(&msg); err != nil {
		return err
	}

	j, err := r.jobs.ApplyWarmerResult(ctx, c.id.ActorID, c.id.WorkerID, jobs.WarmerResult{
		JobID:         msg.JobID,
		CredentialID:  msg.AccountID,
		NickTarget:    msg.NickTarget,
		URL:           msg.URL,
		Success:       msg.Status == protocol.StatusOK,
		ErrorMessage:  msg.ErrorMsg,
		ErrorCode:     msg.ErrorCode,
		RotatedSecret: msg.SetCookies,
	})
	if err != nil {
		return err
	}
	c.reply(protocol.Ack{Type: protocol.TypeWarmerResultAck, JobID: j.ID, OK: true, State: string(j.State)})
	r.broadcastProgress(j)
	return nil
}

func scrapingResult(msg protocol.ScrapingResult) jobs.ScrapingResult {
	return jobs.ScrapingResult{
		TargetID:     msg.TargetID,
		Success:      msg.Status == protocol.StatusOK,
		Result:       msg.Result,
		ErrorMessage: msg.ErrorMsg,
	}
}

func (r *Router) handleScrapingResult(ctx context.Context, c *call) error {
	var msg protocol.ScrapingResult
	if err := c.env.Bind(&msg); err != nil {
		return err
	}

	j, applied, err := r.jobs.ApplyScrapingResults(ctx, c.id.ActorID, msg.JobID, c.id.WorkerID, []jobs.ScrapingResult{scrapingResult(msg)})
	if err != nil {
		return err
	}
	c.reply(protocol.Ack{Type: protocol.TypeScrapingResultAck, JobID: j.ID, OK: true, Applied: applied, State: string(j.State)})
	r.broadcastProgress(j)
	return nil
}

func (r *Router) handleScrapingResultBatch(ctx context.Context, c *call) error {
	var msg protocol.ScrapingResultBatch
	if err := c.env.Bind(&msg); err != nil {
		return err
	}

	results := make([]jobs.ScrapingResult, len(msg.Results))
	for i, res := range msg.Results {
		results[i] = scrapingResult(res)
	}
	j, applied, err := r.jobs.ApplyScrapingResults(ctx, c.id.ActorID, msg.JobID, c.id.WorkerID, results)
	if err != nil {
		return err
	}
	c.reply(protocol.Ack{Type: protocol.TypeScrapingResultBatchAck, JobID: j.ID, OK: true, Applied: applied, State: string(j.State)})
	r.broadcastProgress(j)
	return nil
}

// handleScrapingComplete завершает кампанию по сигналу воркера.
func (r *Router) handleScrapingComplete(ctx context.Context, c *call) error {
	var msg protocol.JobComplete
	if err := c.env.Bind(&msg); err != nil {
		return err
	}

	j, _, err := r.jobs.SignalDrained(ctx, domain.FamilyScraping, c.id.ActorID, msg.JobID, c.id.WorkerID)
	if err != nil {
		return err
	}
	c.reply(protocol.NewCampaignDone(j))
	r.broadcastProgress(j)
	return nil
}

// broadcastProgress рассылает счётчики кампании панелям владельца.
func (r *Router) broadcastProgress(j *domain.Job) {
	if j == nil {
		return
	}
	r.registry.Broadcast(j.OwnerID, domain.RoleObserver, protocol.NewCampaignProgress(j))
}
