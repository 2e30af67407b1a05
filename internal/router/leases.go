package router

import (
	"context"

	"github.com/shaiso/xdispatch/internal/lease"
	"github.com/shaiso/xdispatch/internal/protocol"
)

func leaseRequest(msg protocol.RequestToken, c *call, count int) lease.Request {
	return lease.Request{
		ActorID:    c.id.ActorID,
		DeckID:     msg.DeckID,
		ActionType: msg.ActionType,
		TargetKey:  msg.TweetID,
		TargetURL:  msg.TweetURL,
		Count:      count,
		WorkerID:   c.id.WorkerID,
	}
}

// handleRequestToken выдаёт одну credential.
func (r *Router) handleRequestToken(ctx context.Context, c *call) error {
	var msg protocol.RequestToken
	if err := c.env.Bind(&msg); err != nil {
		return err
	}

	res, err := r.leases.Acquire(ctx, leaseRequest(msg, c, 1))
	if err != nil {
		return err
	}
	if len(res.Leases) == 0 {
		c.reply(protocol.NoTokenAvailable{
			Type:        protocol.TypeNoTokenAvailable,
			Reason:      protocol.ReasonNoCandidates,
			DeckID:      msg.DeckID,
			ActionType:  msg.ActionType,
			Diagnostics: res.Diagnostics,
		})
		return nil
	}
	c.reply(protocol.NewTokenAssigned(res.Leases[0]))
	return nil
}

// handleRequestTokenBatch выдаёт до count credentials за один запрос.
func (r *Router) handleRequestTokenBatch(ctx context.Context, c *call) error {
	var msg protocol.RequestToken
	if err := c.env.Bind(&msg); err != nil {
		return err
	}

	res, err := r.leases.Acquire(ctx, leaseRequest(msg, c, lease.ClampBatch(msg.Count)))
	if err != nil {
		return err
	}
	out := protocol.TokenBatchAssigned{
		Type:      protocol.TypeTokenBatchAssigned,
		RequestID: msg.RequestID,
		Tokens:    protocol.TokensFrom(res.Leases),
	}
	if len(res.Leases) == 0 {
		out.Reason = protocol.ReasonNoCandidates
		out.Diagnostics = res.Diagnostics
	}
	c.reply(out)
	return nil
}

func leaseReport(msg protocol.TokenReport, c *call) lease.Report {
	return lease.Report{
		ActorID:       c.id.ActorID,
		WorkerID:      c.id.WorkerID,
		CredentialID:  msg.TokenID,
		ActionType:    msg.ActionType,
		TargetKey:     msg.TweetID,
		TargetURL:     msg.TweetURL,
		Success:       msg.Success,
		ErrorDetail:   msg.ErrorCode,
		RotatedSecret: msg.SetCookies,
	}
}

func (r *Router) handleTokenReport(ctx context.Context, c *call) error {
	var msg protocol.TokenReport
	if err := c.env.Bind(&msg); err != nil {
		return err
	}
	if _, err := r.leases.Report(ctx, leaseReport(msg, c)); err != nil {
		return err
	}
	c.reply(protocol.Ack{Type: protocol.TypeTokenReportAck, TokenID: msg.TokenID, OK: true})
	return nil
}

func (r *Router) handleTokenReportBatch(ctx context.Context, c *call) error {
	var msg protocol.TokenReportBatch
	if err := c.env.Bind(&msg); err != nil {
		return err
	}

	reports := make([]lease.Report, len(msg.Reports))
	for i, rep := range msg.Reports {
		reports[i] = leaseReport(rep, c)
	}
	changes, err := r.leases.ReportBatch(ctx, reports)
	if err != nil {
		return err
	}
	c.reply(protocol.Ack{Type: protocol.TypeTokenReportAck, OK: true, Applied: len(changes)})
	return nil
}

// handleCredentialOutcome применяет отчёт о credential вне discrete job.
func (r *Router) handleCredentialOutcome(ctx context.Context, c *call) error {
	var msg protocol.CredentialOutcome
	if err := c.env.Bind(&msg); err != nil {
		return err
	}
	if msg.TokenID <= 0 {
		return lease.ErrMissingParams
	}

	_, err := r.leases.ReportOutcome(ctx, lease.Report{
		ActorID:       c.id.ActorID,
		WorkerID:      c.id.WorkerID,
		CredentialID:  msg.TokenID,
		ActionType:    msg.ActionType,
		Success:       msg.Success,
		ErrorDetail:   msg.ErrorCode,
		RotatedSecret: msg.SetCookies,
	})
	if err != nil {
		return err
	}
	c.reply(protocol.Ack{Type: protocol.TypeCredentialOutcomeAck, TokenID: msg.TokenID, OK: true})
	return nil
}
