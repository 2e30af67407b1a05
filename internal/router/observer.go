package router

import (
	"context"

	"github.com/shaiso/xdispatch/internal/domain"
	"github.com/shaiso/xdispatch/internal/protocol"
	"github.com/shaiso/xdispatch/internal/repo"
	"github.com/shaiso/xdispatch/internal/telemetry"
)

const maxLogMessage = 2000

// handleUsage сохраняет отчёт о ресурсах и пересылает его панелям.
func (r *Router) handleUsage(ctx context.Context, c *call) error {
	var msg protocol.Usage
	if err := c.env.Bind(&msg); err != nil {
		return err
	}
	if msg.Usage == nil {
		return protocol.ErrMalformed
	}

	u := *msg.Usage
	if err := r.accounts.UpsertUsage(ctx, c.id.ActorID, repo.Usage{
		CPU:        u.CPU,
		RAMUsedGB:  u.RAMUsedGB,
		RAMTotalGB: u.RAMTotalGB,
	}); err != nil {
		// Отчёт всё равно уходит панелям.
		c.logger.Warn("store usage", "error", err)
	}

	r.registry.Broadcast(c.id.ActorID, domain.RoleObserver, protocol.UsageEcho{
		Type:        protocol.TypeUsage,
		WorkerID:    c.id.WorkerID,
		UsageReport: u,
	})
	return nil
}

// handleLog пишет строку журнала воркера и пересылает её панелям.
func (r *Router) handleLog(ctx context.Context, c *call) error {
	var msg protocol.Log
	if err := c.env.Bind(&msg); err != nil {
		return err
	}
	if msg.Message == "" {
		return protocol.ErrMalformed
	}
	level := msg.LogType
	if level == "" {
		level = "info"
	}
	text := telemetry.Truncate(msg.Message, maxLogMessage)

	if err := r.accounts.AppendEvent(ctx, c.id.ActorID, level, text); err != nil {
		c.logger.Warn("store worker log", "error", err)
	}

	r.registry.Broadcast(c.id.ActorID, domain.RoleObserver, protocol.LogEcho{
		Type:     protocol.TypeLog,
		WorkerID: c.id.WorkerID,
		LogType:  level,
		Message:  text,
	})
	return nil
}

// handleNewAction сообщает воркерам актора о новой discrete job.
func (r *Router) handleNewAction(_ context.Context, c *call) error {
	var msg protocol.NewAction
	if err := c.env.Bind(&msg); err != nil {
		return err
	}
	n := r.registry.Broadcast(c.id.ActorID, domain.RoleWorker, protocol.ActionAvailable{
		Type:    protocol.TypeActionAvailable,
		JobType: msg.JobType,
	})
	c.logger.Debug("action available pushed", "job_type", msg.JobType, "workers", n)
	return nil
}

// handleStopAction принудительно завершает discrete job с панели.
func (r *Router) handleStopAction(ctx context.Context, c *call) error {
	var msg protocol.JobRef
	if err := c.env.Bind(&msg); err != nil {
		return err
	}
	if err := r.jobs.Stop(ctx, c.id.ActorID, msg.ActionID); err != nil {
		return err
	}
	c.reply(protocol.StopActionResult{Type: protocol.TypeStopActionResult, ActionID: msg.ActionID, Success: true})
	return nil
}
