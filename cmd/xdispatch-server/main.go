// xdispatch-server — диспетчер jobs и leasing учётных данных.
//
// Server:
//   - Принимает WebSocket-сессии worker'ов и observer'ов (WS_PORT)
//   - Выдаёт jobs, leases и принимает результаты
//   - Публикует job.finished в RabbitMQ для xdispatch-notifier
//   - Запускает обслуживание: возврат брошенных leases, очистку audit, reload правил
//   - Отдаёт admin API, /healthz и /metrics (ADMIN_PORT)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/shaiso/xdispatch/internal/api"
	"github.com/shaiso/xdispatch/internal/config"
	"github.com/shaiso/xdispatch/internal/jobs"
	"github.com/shaiso/xdispatch/internal/lease"
	"github.com/shaiso/xdispatch/internal/mq"
	"github.com/shaiso/xdispatch/internal/notify"
	"github.com/shaiso/xdispatch/internal/registry"
	"github.com/shaiso/xdispatch/internal/repo"
	"github.com/shaiso/xdispatch/internal/router"
	"github.com/shaiso/xdispatch/internal/rules"
	"github.com/shaiso/xdispatch/internal/sweeper"
	"github.com/shaiso/xdispatch/internal/telemetry"
	"github.com/shaiso/xdispatch/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting xdispatch-server")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.SetupTracing(ctx, "xdispatch-server", cfg.OTelExporter)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer tcancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	// DB pool
	pool, err := repo.NewPool(ctx, cfg.DBURL, cfg.DBMaxConns)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	logger.Info("database connected")

	if cfg.DBAutoMigrate {
		if err := repo.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied")
	}

	// Репозитории
	jobRepo := repo.NewJobRepo(pool)
	credRepo := repo.NewCredentialRepo(pool)
	nickRepo := repo.NewNickRepo(pool)
	accountRepo := repo.NewAccountRepo(pool)
	ruleRepo := repo.NewRuleRepo(pool)

	// Правила классификации ошибок
	cache := rules.NewCache(ruleRepo, rules.CacheConfig{TTL: cfg.RuleCacheTTL, Logger: logger})
	if _, err := cache.Reload(ctx); err != nil {
		logger.Warn("initial rule load failed, retrying on demand", "error", err)
	}
	classifier := rules.NewClassifier(cache, rules.RepoStore{RuleRepo: ruleRepo, CredentialRepo: credRepo}, logger)

	reg := registry.New(logger)
	leases := lease.New(credRepo, classifier, reg, lease.Config{
		LeaseTimeout:   cfg.LeaseTimeout,
		AuditRetention: cfg.AuditRetention,
		Logger:         logger,
	})

	// RabbitMQ: без брокера сервер работает, но уведомления не уходят
	var notifier jobs.Notifier = jobs.NopNotifier{}
	mqConn, err := mq.NewConnection(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, finish notifications disabled", "error", err)
	} else {
		defer mqConn.Close()
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		notifier = notify.NewPublisher(mq.NewPublisher(mqConn, logger), logger)
		logger.Info("RabbitMQ connected")
	}

	svc := jobs.New(jobs.Config{
		Jobs:        jobRepo,
		Credentials: credRepo,
		Nicks:       nickRepo,
		Accounts:    accountRepo,
		Classifier:  classifier,
		Notifier:    notifier,

		WorkerLiveness: cfg.WorkerLivenessTTL,
		SettleGrace:    cfg.CampaignSettleGrace,

		Logger: logger,
	})

	rt := router.New(router.Config{
		Jobs:     svc,
		Leases:   leases,
		Accounts: accountRepo,
		Registry: reg,
		Logger:   logger,
	})

	go registry.NewHeartbeat(reg, cfg.HeartbeatInterval, logger).WithLiveness(accountRepo).Run(ctx)

	// Обслуживание
	sw := sweeper.New(sweeper.Config{Locker: sweeper.PoolLocker(pool), Logger: logger})
	for _, s := range []sweeper.Sweep{
		{Name: sweeper.LeaseReclaim, Interval: cfg.LeaseReclaimInterval, Exclusive: true, Run: leases.ReclaimExpired},
		{Name: sweeper.AuditPurge, Interval: cfg.AuditPurgeInterval, Exclusive: true, Run: leases.PurgeAudit},
		{Name: sweeper.CampaignSettle, Interval: cfg.LeaseReclaimInterval, Exclusive: true, Run: svc.SettleStaleCampaigns},
		{Name: sweeper.RuleReload, Interval: cfg.RuleCacheTTL, Run: func(ctx context.Context) (int64, error) {
			n, err := cache.Reload(ctx)
			return int64(n), err
		}},
	} {
		if err := sw.Add(s); err != nil {
			return fmt.Errorf("register sweep %s: %w", s.Name, err)
		}
	}
	sw.Start()
	defer sw.Stop()

	// WebSocket
	wsMux := http.NewServeMux()
	wsMux.Handle("/", transport.NewServer(transport.Config{
		Dispatcher:  rt,
		Registry:    reg,
		BaseContext: ctx,
		Logger:      logger,
	}))
	wsServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.WSPort),
		Handler:           wsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Admin API
	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN is empty, admin API is unauthenticated")
	}
	adminMux := http.NewServeMux()
	api.NewHandler(api.Config{
		Rules:      ruleRepo,
		Reloader:   cache,
		Jobs:       jobRepo,
		Sessions:   reg,
		Sweeps:     sw,
		DB:         pool,
		AdminToken: cfg.AdminToken,
		Logger:     logger,
	}).RegisterRoutes(adminMux)
	adminServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.AdminPort),
		Handler:           adminMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	for name, srv := range map[string]*http.Server{"ws": wsServer, "admin": adminServer} {
		go func() {
			logger.Info("listening", "server", name, "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s server: %w", name, err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("listener failed, shutting down", "error", runErr)
	}

	// Graceful shutdown с таймаутом
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	for _, srv := range []*http.Server{wsServer, adminServer} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "addr", srv.Addr, "error", err)
		}
	}

	// Shutdown не закрывает hijacked соединения
	for _, s := range reg.Tracked() {
		_ = s.Terminate()
	}

	return runErr
}
