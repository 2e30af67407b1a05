package router

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/shaiso/xdispatch/internal/domain"
	"github.com/shaiso/xdispatch/internal/protocol"
	"github.com/shaiso/xdispatch/internal/registry"
	"github.com/shaiso/xdispatch/internal/repo"
)

// handleAuth аутентифицирует сессию по токену актора.
//
// Воркер получает новый worker-instance id. Jobs, которые держат
// worker-instances актора без свежей отметки в таблице workers,
// возвращаются в очередь.
// Отказ закрывает сессию.
func (r *Router) handleAuth(ctx context.Context, c *call) error {
	var msg protocol.Auth
	if err := c.env.Bind(&msg); err != nil || strings.TrimSpace(msg.Token) == "" {
		r.rejectAuth(c, "missing token")
		return nil
	}

	actorID, err := r.accounts.Authenticate(ctx, msg.Token)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			r.rejectAuth(c, "invalid token")
		} else {
			c.logger.Error("authenticate", "error", err)
			r.rejectAuth(c, protocol.ReasonDBError)
		}
		return nil
	}

	role := domain.ParseRole(msg.ClientType)
	id := registry.Identity{ActorID: actorID, Role: role}
	if role == domain.RoleWorker {
		id.WorkerID = uuid.NewString()
	}
	c.session.SetIdentity(id)
	r.registry.Register(actorID, role, c.session)

	logger := c.logger.With("actor_id", actorID, "role", role, "worker_id", id.WorkerID)
	logger.Info("session authenticated")

	if role == domain.RoleWorker {
		r.workerConnected(ctx, id)
	}

	c.reply(protocol.AuthOK(role, id.WorkerID))
	return nil
}

func (r *Router) rejectAuth(c *call, reason string) {
	c.logger.Warn("auth rejected", "reason", reason)
	c.reply(protocol.AuthFailed(reason))
	if err := c.session.Terminate(); err != nil {
		c.logger.Debug("terminate after auth failure", "error", err)
	}
}

// workerConnected: запись в таблице workers, presence, журнал событий,
// возврат брошенных jobs и broadcast presence панелям актора.
func (r *Router) workerConnected(ctx context.Context, id registry.Identity) {
	logger := r.logger.With("actor_id", id.ActorID, "worker_id", id.WorkerID)

	if err := r.accounts.RegisterWorker(ctx, id.ActorID, id.WorkerID); err != nil {
		logger.Warn("register worker", "error", err)
	}
	if err := r.accounts.SetPresence(ctx, id.ActorID, domain.PresenceConnected); err != nil {
		logger.Warn("set presence", "error", err)
	}
	if err := r.accounts.AppendEvent(ctx, id.ActorID, "info", "worker connected: "+id.WorkerID); err != nil {
		logger.Warn("append event", "error", err)
	}
	if _, err := r.jobs.ReconcileOnAuth(ctx, id.ActorID); err != nil {
		logger.Error("reconcile orphan jobs", "error", err)
	}

	r.registry.Broadcast(id.ActorID, domain.RoleObserver, protocol.NewPresence(domain.PresenceConnected, id.WorkerID))
}

// Disconnect снимает сессию с учёта после закрытия соединения.
//
// Для воркера: jobs этого worker-instance возвращаются в очередь, панели
// получают presence. Presence актора становится disconnected, когда
// ушёл его последний воркер.
func (r *Router) Disconnect(ctx context.Context, s registry.Session) {
	r.registry.Untrack(s)

	id := s.Identity()
	if !id.Authenticated() {
		return
	}
	wasLast := r.registry.Unregister(id.ActorID, id.Role, s)
	if id.Role != domain.RoleWorker {
		return
	}

	logger := r.logger.With("actor_id", id.ActorID, "worker_id", id.WorkerID, "session_id", s.ID())
	logger.Info("worker disconnected", "last", wasLast)

	if wasLast {
		if err := r.accounts.SetPresence(ctx, id.ActorID, domain.PresenceDisconnected); err != nil {
			logger.Warn("set presence", "error", err)
		}
	}
	if err := r.accounts.AppendEvent(ctx, id.ActorID, "info", "worker disconnected: "+id.WorkerID); err != nil {
		logger.Warn("append event", "error", err)
	}
	if err := r.accounts.RemoveWorker(ctx, id.WorkerID); err != nil {
		logger.Warn("remove worker", "error", err)
	}
	if _, err := r.jobs.RequeueWorker(ctx, id.ActorID, id.WorkerID); err != nil {
		logger.Error("requeue worker jobs", "error", err)
	}

	r.registry.Broadcast(id.ActorID, domain.RoleObserver, protocol.NewPresence(domain.PresenceDisconnected, id.WorkerID))
}
