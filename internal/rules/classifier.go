package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/shaiso/xdispatch/internal/domain"
	"github.com/shaiso/xdispatch/internal/repo"
	"github.com/shaiso/xdispatch/internal/telemetry"
)

const (
	// maxLogMessage — предел длины сообщения в error_log.
	maxLogMessage = 2000

	// maxLastError — предел длины last_error у credential.
	maxLastError = 500
)

// Store — операции хранилища, которые выполняет Apply.
// Все вызовы идут через q, чтобы попасть в транзакцию вызывающего.
type Store interface {
	InsertErrorLog(ctx context.Context, q repo.Querier, e repo.ErrorLogEntry) error
	RecordFailure(ctx context.Context, q repo.Querier, credentialID int64, message string) error
	ApplyHealth(ctx context.Context, q repo.Querier, credentialID int64, health domain.HealthState, message string, deactivate bool) error
}

// RepoStore собирает Store из репозиториев правил и credentials.
type RepoStore struct {
	*repo.RuleRepo
	*repo.CredentialRepo
}

// Failure — наблюдаемая ошибка, которую нужно классифицировать.
type Failure struct {
	CredentialID int64
	JobID        *int64
	Module       string
	Code         *int
	Message      string
}

// Outcome — решение классификатора.
type Outcome struct {
	Action domain.RetryAction
	Rule   *domain.ErrorRule
	Health domain.HealthState
}

// Classifier сопоставляет ошибки с правилами.
type Classifier struct {
	cache  *Cache
	store  Store
	logger *slog.Logger
}

// NewClassifier создаёт Classifier.
func NewClassifier(cache *Cache, store Store, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{cache: cache, store: store, logger: logger}
}

// Cache возвращает кеш правил (для принудительной перезагрузки).
func (c *Classifier) Cache() *Cache {
	return c.cache
}

// Classify возвращает первое сработавшее правило или nil.
func (c *Classifier) Classify(ctx context.Context, code *int, message string) *domain.ErrorRule {
	return Match(c.cache.Get(ctx), code, message)
}

// Match ищет первое правило, совпавшее по коду или подстроке.
// rules должны быть отсортированы по priority DESC.
func Match(rules []domain.ErrorRule, code *int, message string) *domain.ErrorRule {
	lower := strings.ToLower(message)
	for i := range rules {
		if rules[i].Matches(code, lower) {
			rule := rules[i]
			return &rule
		}
	}
	return nil
}

// Apply классифицирует ошибку, пишет error_log и обновляет credential.
//
// Без совпавшего правила действие берётся по умолчанию: retry_new для
// discrete, skip для кампаний. Если правило задаёт health, оно
// выставляется (с деактивацией при необходимости), иначе увеличивается
// только счётчик сбоев.
func (c *Classifier) Apply(ctx context.Context, q repo.Querier, f Failure, batch bool) (Outcome, error) {
	rule := c.Classify(ctx, f.Code, f.Message)

	out := Outcome{Action: domain.DefaultRetryAction(batch), Rule: rule}
	var ruleID *int64
	if rule != nil {
		out.Action = rule.ActionFor(batch)
		out.Health = rule.HealthState
		id := rule.ID
		ruleID = &id
	}

	telemetry.ClassificationsTotal.WithLabelValues(string(out.Action), strconv.FormatBool(rule != nil)).Inc()

	err := c.store.InsertErrorLog(ctx, q, repo.ErrorLogEntry{
		CredentialID: f.CredentialID,
		JobID:        f.JobID,
		Module:       f.Module,
		Code:         f.Code,
		Message:      telemetry.Truncate(f.Message, maxLogMessage),
		RuleID:       ruleID,
		Action:       out.Action,
	})
	if err != nil {
		return out, fmt.Errorf("classify credential %d: %w", f.CredentialID, err)
	}

	lastError := telemetry.Truncate(f.Message, maxLastError)
	if out.Health != "" {
		err = c.store.ApplyHealth(ctx, q, f.CredentialID, out.Health, lastError, rule.Deactivate)
	} else {
		err = c.store.RecordFailure(ctx, q, f.CredentialID, lastError)
	}
	if err != nil {
		return out, fmt.Errorf("classify credential %d: %w", f.CredentialID, err)
	}

	c.logger.Debug("error classified",
		"credential_id", f.CredentialID,
		"module", f.Module,
		"action", out.Action,
		"health", out.Health,
		"matched", rule != nil,
	)
	return out, nil
}
