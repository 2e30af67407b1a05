package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/xdispatch/internal/domain"
)

const ruleColumns = `id, code, COALESCE(message_pattern, ''), priority, action_discrete, action_batch,
	COALESCE(health_state, ''), deactivate, enabled, description`

// ErrorLogEntry — строка аудита классификации.
type ErrorLogEntry struct {
	CredentialID int64
	JobID        *int64
	Module       string
	Code         *int
	Message      string
	RuleID       *int64
	Action       domain.RetryAction
}

// RuleRepo — репозиторий правил классификации и журнала ошибок.
type RuleRepo struct {
	pool *pgxpool.Pool
}

// NewRuleRepo создаёт новый RuleRepo.
func NewRuleRepo(pool *pgxpool.Pool) *RuleRepo {
	return &RuleRepo{pool: pool}
}

// ListEnabled возвращает включённые правила, priority по убыванию.
func (r *RuleRepo) ListEnabled(ctx context.Context) ([]domain.ErrorRule, error) {
	return r.list(ctx, `WHERE enabled ORDER BY priority DESC, id ASC`)
}

// List возвращает все правила.
func (r *RuleRepo) List(ctx context.Context) ([]domain.ErrorRule, error) {
	return r.list(ctx, `ORDER BY priority DESC, id ASC`)
}

func (r *RuleRepo) list(ctx context.Context, tail string) ([]domain.ErrorRule, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+ruleColumns+` FROM error_rules `+tail)
	if err != nil {
		return nil, fmt.Errorf("list error rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.ErrorRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error rules: %w", err)
	}
	return rules, nil
}

// Get возвращает правило по ID.
func (r *RuleRepo) Get(ctx context.Context, id int64) (*domain.ErrorRule, error) {
	return scanRule(r.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM error_rules WHERE id = $1`, id))
}

// Create создаёт правило и заполняет его ID.
func (r *RuleRepo) Create(ctx context.Context, rule *domain.ErrorRule) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO error_rules
			(code, message_pattern, priority, action_discrete, action_batch, health_state, deactivate, enabled, description)
		 VALUES ($1, NULLIF($2, ''), $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
		 RETURNING id`,
		rule.Code, rule.Pattern, rule.Priority, string(rule.ActionDiscrete), string(rule.ActionBatch),
		string(rule.HealthState), rule.Deactivate, rule.Enabled, rule.Description,
	).Scan(&rule.ID)
	if err != nil {
		return fmt.Errorf("insert error rule: %w", err)
	}
	return nil
}

// SetEnabled включает или выключает правило.
func (r *RuleRepo) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE error_rules SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("update error rule %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete удаляет правило.
func (r *RuleRepo) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM error_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete error rule %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertErrorLog пишет решение классификатора в error_log.
func (r *RuleRepo) InsertErrorLog(ctx context.Context, q Querier, e ErrorLogEntry) error {
	_, err := q.Exec(ctx,
		`INSERT INTO error_log (credential_id, job_id, module, error_code, error_message, rule_id, action_taken)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)`,
		e.CredentialID, e.JobID, e.Module, e.Code, e.Message, e.RuleID, string(e.Action))
	if err != nil {
		return fmt.Errorf("insert error log: %w", err)
	}
	return nil
}

func scanRule(row pgx.Row) (*domain.ErrorRule, error) {
	var (
		rule                        domain.ErrorRule
		code                        *int32
		actionDiscrete, actionBatch string
		health                      string
	)
	err := row.Scan(&rule.ID, &code, &rule.Pattern, &rule.Priority, &actionDiscrete, &actionBatch,
		&health, &rule.Deactivate, &rule.Enabled, &rule.Description)
	if err != nil {
		return nil, fmt.Errorf("scan error rule: %w", notFound(err))
	}
	if code != nil {
		c := int(*code)
		rule.Code = &c
	}
	rule.ActionDiscrete = domain.RetryAction(actionDiscrete)
	rule.ActionBatch = domain.RetryAction(actionBatch)
	rule.HealthState = domain.HealthState(health)
	return &rule, nil
}
