package router

import (
	"context"
	"errors"

	"github.com/shaiso/xdispatch/internal/jobs"
	"github.com/shaiso/xdispatch/internal/protocol"
)

// handleRequestAction выдаёт воркеру discrete job.
func (r *Router) handleRequestAction(ctx context.Context, c *call) error {
	var msg protocol.RequestAction
	if err := c.env.Bind(&msg); err != nil {
		return err
	}

	d, err := r.jobs.ClaimAction(ctx, c.id.ActorID, msg.JobType, c.id.WorkerID)
	if errors.Is(err, jobs.ErrNoJob) {
		c.reply(protocol.NoJob(protocol.TypeNoAction, ""))
		return nil
	}
	if err != nil {
		return err
	}

	c.reply(protocol.NewActionMessage(actionPayload(d)))
	return nil
}

func actionPayload(d *jobs.ActionDispatch) protocol.ActionPayload {
	j := d.Job
	p := protocol.ActionPayload{
		ID:              j.ID,
		JobType:         j.Type,
		Attempted:       j.Counters.Attempted,
		ChatID:          j.ChatID,
		Proxy:           d.Proxy.Proxy,
		ProxyRequest:    d.Proxy.ProxyRequest,
		ProxyBoost:      d.Proxy.ProxyBoost,
		UseLeaseManager: d.UseLeaseManager,
		ViewsPerMinute:  d.ViewsPerMinute,
	}
	if a := j.Action; a != nil {
		p.URL = a.URL
		p.Quantity = a.Quantity
		p.Comment = a.Comment
		p.Util = a.Util
		p.Boost = a.Boost
		p.Request = a.Request
		p.Module = a.Module
		p.Media = a.Media
		p.DeckID = a.DeckID
	}
	if !d.UseLeaseManager {
		p.DeckTokens = protocol.TokensFrom(d.DeckTokens)
	}
	return p
}

func (r *Router) handleTaskAccepted(ctx context.Context, c *call) error {
	var msg protocol.JobRef
	if err := c.env.Bind(&msg); err != nil {
		return err
	}
	return r.jobs.Accept(ctx, msg.ActionID, c.id.WorkerID)
}

func (r *Router) handleTaskRejected(ctx context.Context, c *call) error {
	var msg protocol.JobRef
	if err := c.env.Bind(&msg); err != nil {
		return err
	}
	return r.jobs.Reject(ctx, msg.ActionID, c.id.WorkerID)
}

func (r *Router) handleProgress(ctx context.Context, c *call) error {
	var msg protocol.Progress
	if err := c.env.Bind(&msg); err != nil {
		return err
	}
	return r.jobs.Progress(ctx, msg.ActionID, c.id.WorkerID, msg.Quantity)
}

// handleStatus применяет отчёт о статусе и подтверждает его.
func (r *Router) handleStatus(ctx context.Context, c *call) error {
	var msg protocol.Status
	if err := c.env.Bind(&msg); err != nil {
		return err
	}

	j, err := r.jobs.ReportStatus(ctx, c.id.ActorID, msg.ActionID, c.id.WorkerID, msg.Status, msg.Message)
	if err != nil {
		return err
	}
	c.reply(protocol.Ack{
		Type:     protocol.TypeStatusAck,
		ActionID: j.ID,
		OK:       true,
		State:    string(j.State),
	})
	return nil
}

func (r *Router) handleTweetSnapshot(ctx context.Context, c *call) error {
	var msg protocol.TweetSnapshot
	if err := c.env.Bind(&msg); err != nil {
		return err
	}
	return r.jobs.AttachSnapshot(ctx, msg.ActionID, c.id.WorkerID, msg.Data)
}
