package api

import (
	"context"
	"log/slog"

	"github.com/shaiso/xdispatch/internal/domain"
	"github.com/shaiso/xdispatch/internal/registry"
	"github.com/shaiso/xdispatch/internal/repo"
	"github.com/shaiso/xdispatch/internal/sweeper"
)

// RuleStore — хранилище правил классификации (repo.RuleRepo).
type RuleStore interface {
	List(ctx context.Context) ([]domain.ErrorRule, error)
	Get(ctx context.Context, id int64) (*domain.ErrorRule, error)
	Create(ctx context.Context, rule *domain.ErrorRule) error
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	Delete(ctx context.Context, id int64) error
}

// RuleReloader перечитывает кэш правил (rules.Cache).
type RuleReloader interface {
	Reload(ctx context.Context) (int, error)
}

// JobStore — чтение jobs (repo.JobRepo).
type JobStore interface {
	List(ctx context.Context, family domain.Family, f repo.ListFilter) ([]domain.Job, error)
	CountByState(ctx context.Context, family domain.Family) (map[domain.JobState]int64, error)
}

// SessionStats — счётчики сессий (registry.Registry).
type SessionStats interface {
	Stats() registry.Stats
}

// Sweeps — ручной запуск обслуживания (sweeper.Sweeper).
type Sweeps interface {
	Names() []string
	RunNow(ctx context.Context, name string) (sweeper.Result, error)
}

// Pinger проверяет доступность БД (pgxpool.Pool).
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler — admin API.
type Handler struct {
	rules    RuleStore
	reloader RuleReloader
	jobs     JobStore
	sessions SessionStats
	sweeps   Sweeps
	db       Pinger
	token    string
	logger   *slog.Logger
}

// Config — зависимости Handler.
type Config struct {
	Rules    RuleStore
	Reloader RuleReloader
	Jobs     JobStore
	Sessions SessionStats
	Sweeps   Sweeps
	DB       Pinger

	// AdminToken — bearer token для /api/v1. Пустой — без проверки.
	AdminToken string

	Logger *slog.Logger
}

// NewHandler создаёт Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		rules:    cfg.Rules,
		reloader: cfg.Reloader,
		jobs:     cfg.Jobs,
		sessions: cfg.Sessions,
		sweeps:   cfg.Sweeps,
		db:       cfg.DB,
		token:    cfg.AdminToken,
		logger:   logger,
	}
}
