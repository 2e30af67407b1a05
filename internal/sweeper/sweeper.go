package sweeper

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"github.com/shaiso/xdispatch/internal/repo"
	"github.com/shaiso/xdispatch/internal/telemetry"
)

// Имена стандартных задач.
const (
	LeaseReclaim   = "lease_reclaim"
	AuditPurge     = "audit_purge"
	RuleReload     = "rule_reload"
	CampaignSettle = "campaign_settle"
)

var (
	// ErrUnknownSweep — задача с таким именем не зарегистрирована.
	ErrUnknownSweep = errors.New("unknown sweep")

	// ErrInvalidSweep — у задачи нет имени, функции или интервала.
	ErrInvalidSweep = errors.New("invalid sweep")
)

// Func выполняет задачу и возвращает число затронутых записей.
type Func func(ctx context.Context) (int64, error)

// Sweep — периодическая задача.
type Sweep struct {
	Name      string
	Interval  time.Duration
	Exclusive bool
	Run       Func
}

// Locker берёт межпроцессный lock. ok=false — lock занят.
type Locker func(ctx context.Context, key int64) (release func(), ok bool, err error)

// PoolLocker — Locker на Postgres advisory locks.
func PoolLocker(pool *pgxpool.Pool) Locker {
	return func(ctx context.Context, key int64) (func(), bool, error) {
		return repo.TryAdvisoryLock(ctx, pool, key)
	}
}

// Result — итог одного запуска.
type Result struct {
	Sweep    string        `json:"sweep"`
	Affected int64         `json:"affected"`
	Skipped  bool          `json:"skipped"`
	Duration time.Duration `json:"duration_ns"`
}

// Config — конфигурация Sweeper.
type Config struct {
	// Locker нужен для Exclusive задач.
	Locker Locker

	// Timeout — ограничение одного запуска (default: 1m).
	Timeout time.Duration

	Logger *slog.Logger
}

// Sweeper планирует и запускает задачи.
type Sweeper struct {
	cron    *cron.Cron
	locker  Locker
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	sweeps map[string]Sweep
}

// New создаёт Sweeper.
func New(cfg Config) *Sweeper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	cl := cronLogger{logger: logger}
	return &Sweeper{
		// Следующий запуск задачи не начинается, пока не закончился предыдущий.
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		locker:  cfg.Locker,
		timeout: timeout,
		logger:  logger,
		sweeps:  make(map[string]Sweep),
	}
}

// Add регистрирует задачу в расписании.
func (s *Sweeper) Add(sw Sweep) error {
	if sw.Name == "" || sw.Run == nil || sw.Interval <= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidSweep, sw.Name)
	}
	if sw.Exclusive && s.locker == nil {
		return fmt.Errorf("%w: %q is exclusive but no locker is configured", ErrInvalidSweep, sw.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sweeps[sw.Name]; exists {
		return fmt.Errorf("%w: %q already registered", ErrInvalidSweep, sw.Name)
	}

	spec := "@every " + sw.Interval.String()
	if _, err := s.cron.AddFunc(spec, func() { s.scheduled(sw) }); err != nil {
		return fmt.Errorf("schedule %s: %w", sw.Name, err)
	}
	s.sweeps[sw.Name] = sw
	return nil
}

// Names возвращает имена зарегистрированных задач.
func (s *Sweeper) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.sweeps))
	for name := range s.sweeps {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Start запускает расписание.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("sweeper started", "sweeps", s.Names())
}

// Stop останавливает расписание и ждёт текущие запуски.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// RunNow выполняет задачу немедленно, вне расписания.
func (s *Sweeper) RunNow(ctx context.Context, name string) (Result, error) {
	s.mu.RLock()
	sw, ok := s.sweeps[name]
	s.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownSweep, name)
	}
	return s.run(ctx, sw)
}

func (s *Sweeper) scheduled(sw Sweep) {
	if _, err := s.run(context.Background(), sw); err != nil {
		s.logger.Error("sweep failed", "sweep", sw.Name, "error", err)
	}
}

func (s *Sweeper) run(ctx context.Context, sw Sweep) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res := Result{Sweep: sw.Name}
	start := time.Now()

	if sw.Exclusive {
		release, ok, err := s.locker(ctx, LockKey(sw.Name))
		if err != nil {
			telemetry.SweepsTotal.WithLabelValues(sw.Name, "error").Inc()
			return res, fmt.Errorf("lock %s: %w", sw.Name, err)
		}
		if !ok {
			// Задачу выполняет другой экземпляр.
			telemetry.SweepsTotal.WithLabelValues(sw.Name, "skipped").Inc()
			res.Skipped = true
			return res, nil
		}
		defer release()
	}

	n, err := sw.Run(ctx)
	res.Affected = n
	res.Duration = time.Since(start)
	if err != nil {
		telemetry.SweepsTotal.WithLabelValues(sw.Name, "error").Inc()
		return res, fmt.Errorf("%s: %w", sw.Name, err)
	}

	telemetry.SweepsTotal.WithLabelValues(sw.Name, "ok").Inc()
	s.logger.Debug("sweep completed", "sweep", sw.Name, "affected", n, "duration", res.Duration)
	return res, nil
}

// LockKey — ключ advisory lock для задачи.
func LockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte("xdispatch.sweep." + name))
	return int64(h.Sum64())
}

// cronLogger — cron.Logger поверх slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
