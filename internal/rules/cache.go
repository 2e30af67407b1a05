// Package rules классифицирует ошибки внешней платформы по таблице
// правил и применяет результат к credential.
//
// Правила живут в базе и кешируются в Cache с TTL. Classifier сверяет
// код и сообщение ошибки с правилами и пишет решение в error_log.
package rules

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/shaiso/xdispatch/internal/domain"
)

// Clock возвращает текущее время. Подменяется в тестах.
type Clock interface {
	Now() time.Time
}

// ClockFunc адаптирует функцию к Clock.
type ClockFunc func() time.Time

// Now вызывает f.
func (f ClockFunc) Now() time.Time { return f() }

// Loader загружает включённые правила, отсортированные по priority DESC.
type Loader interface {
	ListEnabled(ctx context.Context) ([]domain.ErrorRule, error)
}

// CacheConfig — настройки Cache.
type CacheConfig struct {
	TTL    time.Duration
	Clock  Clock
	Logger *slog.Logger
}

// Cache — кеш правил с обновлением по истечении TTL.
//
// Первый Get загружает правила синхронно. Загрузка идёт вне мьютекса и
// склеивается через singleflight: пока один вызов перечитывает правила,
// остальные получают предыдущий набор. Если обновление не удалось,
// Cache продолжает отдавать предыдущий набор.
type Cache struct {
	loader Loader
	ttl    time.Duration
	clock  Clock
	logger *slog.Logger
	group  singleflight.Group

	mu         sync.Mutex
	rules      []domain.ErrorRule
	loadedAt   time.Time
	loaded     bool
	refreshing bool
}

// NewCache создаёт Cache.
func NewCache(loader Loader, cfg CacheConfig) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = ClockFunc(time.Now)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{
		loader: loader,
		ttl:    cfg.TTL,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}
}

// Get возвращает актуальный набор правил.
//
// Во время чужого обновления отдаёт предыдущий набор без ожидания.
// Ждёт загрузку только когда набора ещё нет.
func (c *Cache) Get(ctx context.Context) []domain.ErrorRule {
	c.mu.Lock()
	rules := c.rules
	fresh := c.loaded && c.clock.Now().Sub(c.loadedAt) < c.ttl
	serveStale := c.loaded && c.refreshing
	c.mu.Unlock()

	if fresh || serveStale {
		return rules
	}

	c.refresh(ctx)
	return c.snapshot()
}

// Reload принудительно перечитывает правила. Возвращает их количество.
func (c *Cache) Reload(ctx context.Context) (int, error) {
	err := c.refresh(ctx)
	return len(c.snapshot()), err
}

func (c *Cache) snapshot() []domain.ErrorRule {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rules
}

func (c *Cache) refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("rules", func() (any, error) {
		c.mu.Lock()
		c.refreshing = true
		c.mu.Unlock()

		rules, err := c.loader.ListEnabled(ctx)

		c.mu.Lock()
		defer c.mu.Unlock()
		c.refreshing = false
		// Следующая попытка — не раньше чем через TTL, даже после ошибки.
		c.loadedAt = c.clock.Now()
		c.loaded = true
		if err != nil {
			c.logger.Error("failed to load error rules, keeping previous set",
				"error", err,
				"rules", len(c.rules),
			)
			return nil, err
		}
		c.rules = rules
		c.logger.Debug("error rules loaded", "count", len(rules))
		return nil, nil
	})
	return err
}
