package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/shaiso/xdispatch/internal/domain"
	"github.com/shaiso/xdispatch/internal/jobs"
	"github.com/shaiso/xdispatch/internal/lease"
	"github.com/shaiso/xdispatch/internal/protocol"
	"github.com/shaiso/xdispatch/internal/registry"
	"github.com/shaiso/xdispatch/internal/repo"
	"github.com/shaiso/xdispatch/internal/telemetry"
)

// errPanic — обработчик упал с паникой.
var errPanic = errors.New("handler panic")

// Jobs — операции над jobs, которые вызывает router.
type Jobs interface {
	ClaimAction(ctx context.Context, actorID int64, jobType, workerID string) (*jobs.ActionDispatch, error)
	Accept(ctx context.Context, id int64, workerID string) error
	Reject(ctx context.Context, id int64, workerID string) error
	Progress(ctx context.Context, id int64, workerID string, delta int) error
	ReportStatus(ctx context.Context, actorID, id int64, workerID, status, comment string) (*domain.Job, error)
	AttachSnapshot(ctx context.Context, id int64, workerID string, data json.RawMessage) error
	Stop(ctx context.Context, actorID, id int64) error

	ClaimCampaign(ctx context.Context, family domain.Family, actorID int64, workerID string) (*jobs.CampaignDispatch, error)
	NextTargets(ctx context.Context, family domain.Family, actorID, id int64, workerID string, n int) (jobs.Batch, error)
	SignalDrained(ctx context.Context, family domain.Family, actorID, id int64, workerID string) (*domain.Job, bool, error)
	ApplyWarmerResult(ctx context.Context, actorID int64, workerID string, r jobs.WarmerResult) (*domain.Job, error)
	ApplyScrapingResults(ctx context.Context, actorID, jobID int64, workerID string, results []jobs.ScrapingResult) (*domain.Job, int, error)

	ReconcileOnAuth(ctx context.Context, actorID int64) (int64, error)
	RequeueWorker(ctx context.Context, actorID int64, workerID string) (int64, error)
}

// Leases — операции Lease Manager.
type Leases interface {
	Acquire(ctx context.Context, req lease.Request) (lease.Result, error)
	Report(ctx context.Context, r lease.Report) (protocol.HealthChange, error)
	ReportBatch(ctx context.Context, reports []lease.Report) ([]protocol.HealthChange, error)
	ReportOutcome(ctx context.Context, r lease.Report) (protocol.HealthChange, error)
}

// Accounts — акторы и их присутствие.
type Accounts interface {
	Authenticate(ctx context.Context, token string) (int64, error)
	SetPresence(ctx context.Context, actorID int64, p domain.Presence) error
	AppendEvent(ctx context.Context, actorID int64, level, message string) error
	UpsertUsage(ctx context.Context, actorID int64, u repo.Usage) error

	// RegisterWorker и RemoveWorker ведут общую для всех процессов
	// диспетчера таблицу живых worker-instances.
	RegisterWorker(ctx context.Context, actorID int64, workerID string) error
	RemoveWorker(ctx context.Context, workerID string) error
}

// Config — зависимости Router.
type Config struct {
	Jobs     Jobs
	Leases   Leases
	Accounts Accounts
	Registry *registry.Registry
	Logger   *slog.Logger
}

// call — одно входящее сообщение вместе с отправителем.
type call struct {
	session registry.Session
	id      registry.Identity
	env     protocol.Envelope
	logger  *slog.Logger
}

// reply отправляет ответ отправителю. Ошибка отправки только логируется:
// сессию закроет heartbeat.
func (c *call) reply(msg any) {
	if err := c.session.Send(msg); err != nil {
		c.logger.Warn("send reply failed", "type", c.env.Type, "error", err)
	}
}

type handlerFunc func(ctx context.Context, c *call) error

// Route — обработчик типа сообщения.
type Route struct {
	// Role — кому разрешён тип. Пустая роль — только auth.
	Role    domain.Role
	Handler handlerFunc

	// Nack строит отказ по причине. nil — универсальный error.
	Nack func(c *call, reason string) any
}

// Router разбирает сообщения сессий и вызывает обработчики.
type Router struct {
	jobs     Jobs
	leases   Leases
	accounts Accounts
	registry *registry.Registry
	logger   *slog.Logger
	routes   map[string]Route
}

// New создаёт Router с полной таблицей маршрутов.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		jobs:     cfg.Jobs,
		leases:   cfg.Leases,
		accounts: cfg.Accounts,
		registry: cfg.Registry,
		logger:   logger,
	}
	r.routes = r.table()
	return r
}

// Dispatch обрабатывает одно сообщение сессии.
//
// До auth принимается только auth, остальное молча отбрасывается, как и
// сообщения чужой роли. Ошибки и паники обработчиков не выходят наружу:
// отправитель получает отказ, типизированный по маршруту.
func (r *Router) Dispatch(ctx context.Context, s registry.Session, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		telemetry.EnvelopesTotal.WithLabelValues("unknown", "malformed").Inc()
		r.logger.Debug("drop malformed envelope", "session_id", s.ID(), "error", err)
		return
	}

	route, ok := r.routes[env.Type]
	if !ok {
		telemetry.EnvelopesTotal.WithLabelValues("unknown", "ignored").Inc()
		r.logger.Debug("drop unknown envelope", "session_id", s.ID(), "type", telemetry.Truncate(env.Type, 64))
		return
	}

	id := s.Identity()
	if route.Role == "" {
		if id.Authenticated() {
			telemetry.EnvelopesTotal.WithLabelValues(env.Type, "ignored").Inc()
			return
		}
	} else if !id.Authenticated() || id.Role != route.Role {
		telemetry.EnvelopesTotal.WithLabelValues(env.Type, "ignored").Inc()
		return
	}

	logger := r.logger.With("session_id", s.ID())
	if id.Authenticated() {
		logger = telemetry.WithActorID(logger, id.ActorID)
		if id.WorkerID != "" {
			logger = telemetry.WithWorkerID(logger, id.WorkerID)
		}
	}
	ctx = telemetry.WithLogger(ctx, logger)

	ctx, span := telemetry.StartSpan(ctx, "router."+env.Type,
		attribute.String("envelope.type", env.Type),
		attribute.String("session.id", s.ID()),
		attribute.Int64("actor.id", id.ActorID),
	)
	defer span.End()

	c := &call{session: s, id: id, env: env, logger: logger}
	err = r.invoke(ctx, route, c)
	if err == nil {
		telemetry.EnvelopesTotal.WithLabelValues(env.Type, "ok").Inc()
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if errors.Is(err, repo.ErrNotClaimant) {
		// Не claimant: предупреждение без ответа.
		telemetry.EnvelopesTotal.WithLabelValues(env.Type, "not_claimant").Inc()
		logger.Warn("envelope from non-claimant", "type", env.Type, "error", err)
		return
	}

	reason := reasonFor(err)
	telemetry.EnvelopesTotal.WithLabelValues(env.Type, reason).Inc()
	if reason == protocol.ReasonMissingParams {
		logger.Warn("envelope rejected", "type", env.Type, "error", err)
	} else {
		logger.Error("envelope failed", "type", env.Type, "error", err)
	}

	if route.Nack != nil {
		c.reply(route.Nack(c, reason))
	} else {
		c.reply(protocol.NewError(env.Type, reason))
	}
}

// invoke вызывает обработчик и превращает панику в errPanic.
func (r *Router) invoke(ctx context.Context, route Route, c *call) (err error) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("handler panic",
				"type", c.env.Type,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("%w: %v", errPanic, p)
		}
	}()
	return route.Handler(ctx, c)
}

// reasonFor отображает ошибку обработчика в причину отказа.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, errPanic):
		return protocol.ReasonServerError
	case errors.Is(err, protocol.ErrMalformed),
		errors.Is(err, jobs.ErrMalformed),
		errors.Is(err, jobs.ErrNotOwner),
		errors.Is(err, lease.ErrMissingParams),
		errors.Is(err, lease.ErrNotOwner):
		return protocol.ReasonMissingParams
	case errors.Is(err, jobs.ErrNoJob), errors.Is(err, repo.ErrNotFound):
		return protocol.ReasonNoJob
	case errors.Is(err, repo.ErrInvalidState):
		return protocol.ReasonInvalidState
	default:
		return protocol.ReasonDBError
	}
}

// table — таблица маршрутов.
func (r *Router) table() map[string]Route {
	worker := func(h handlerFunc, nack func(*call, string) any) Route {
		return Route{Role: domain.RoleWorker, Handler: h, Nack: nack}
	}
	observer := func(h handlerFunc, nack func(*call, string) any) Route {
		return Route{Role: domain.RoleObserver, Handler: h, Nack: nack}
	}

	return map[string]Route{
		protocol.TypeAuth: {Handler: r.handleAuth},

		protocol.TypeRequestAction: worker(r.handleRequestAction, replyNack(protocol.TypeNoAction)),
		protocol.TypeTaskAccepted:  worker(r.handleTaskAccepted, nil),
		protocol.TypeTaskRejected:  worker(r.handleTaskRejected, nil),
		protocol.TypeProgress:      worker(r.handleProgress, nil),
		protocol.TypeStatus:        worker(r.handleStatus, ackNack(protocol.TypeStatusAck)),
		protocol.TypeTweetSnapshot: worker(r.handleTweetSnapshot, nil),

		protocol.TypeRequestToken:      worker(r.handleRequestToken, noTokenNack),
		protocol.TypeRequestTokenBatch: worker(r.handleRequestTokenBatch, tokenBatchNack),
		protocol.TypeTokenReport:       worker(r.handleTokenReport, ackNack(protocol.TypeTokenReportAck)),
		protocol.TypeTokenReportBatch:  worker(r.handleTokenReportBatch, ackNack(protocol.TypeTokenReportAck)),
		protocol.TypeCredentialOutcome: worker(r.handleCredentialOutcome, ackNack(protocol.TypeCredentialOutcomeAck)),

		protocol.TypeRequestWarmerJob: worker(r.claimCampaign(domain.FamilyWarmer), replyNack(protocol.TypeNoWarmerJob)),
		protocol.TypeWarmerNext:       worker(r.nextTargets(domain.FamilyWarmer, false), campaignNack(domain.FamilyWarmer)),
		protocol.TypeWarmerNextBatch:  worker(r.nextTargets(domain.FamilyWarmer, true), campaignNack(domain.FamilyWarmer)),
		protocol.TypeWarmerResult:     worker(r.handleWarmerResult, ackNack(protocol.TypeWarmerResultAck)),

		protocol.TypeRequestScrapingJob:  worker(r.claimCampaign(domain.FamilyScraping), replyNack(protocol.TypeNoScrapingJob)),
		protocol.TypeScrapingNext:        worker(r.nextTargets(domain.FamilyScraping, false), campaignNack(domain.FamilyScraping)),
		protocol.TypeScrapingNextBatch:   worker(r.nextTargets(domain.FamilyScraping, true), campaignNack(domain.FamilyScraping)),
		protocol.TypeScrapingResult:      worker(r.handleScrapingResult, ackNack(protocol.TypeScrapingResultAck)),
		protocol.TypeScrapingResultBatch: worker(r.handleScrapingResultBatch, ackNack(protocol.TypeScrapingResultBatchAck)),
		protocol.TypeScrapingJobComplete: worker(r.handleScrapingComplete, campaignNack(domain.FamilyScraping)),

		protocol.TypeUsage: worker(r.handleUsage, nil),
		protocol.TypeLog:   worker(r.handleLog, nil),

		protocol.TypeNewAction:  observer(r.handleNewAction, nil),
		protocol.TypeStopAction: observer(r.handleStopAction, stopNack),
	}
}

// --- Nack builders ---

func replyNack(typ string) func(*call, string) any {
	return func(_ *call, reason string) any {
		return protocol.NoJob(typ, reason)
	}
}

func ackNack(typ string) func(*call, string) any {
	return func(_ *call, reason string) any {
		return protocol.Ack{Type: typ, OK: false, Error: reason}
	}
}

func noTokenNack(_ *call, reason string) any {
	return protocol.NoTokenAvailable{Type: protocol.TypeNoTokenAvailable, Reason: reason}
}

func tokenBatchNack(_ *call, reason string) any {
	return protocol.TokenBatchAssigned{Type: protocol.TypeTokenBatchAssigned, Tokens: []protocol.Token{}, Reason: reason}
}

func campaignNack(f domain.Family) func(*call, string) any {
	return func(c *call, reason string) any {
		var ref protocol.CampaignNext
		_ = c.env.Bind(&ref)
		return protocol.CampaignError(f, ref.JobID, reason)
	}
}

func stopNack(c *call, reason string) any {
	var ref protocol.JobRef
	_ = c.env.Bind(&ref)
	return protocol.StopActionResult{Type: protocol.TypeStopActionResult, ActionID: ref.ActionID, Success: false, Message: reason}
}
