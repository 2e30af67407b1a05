package api

import (
	"errors"
	"time"

	"github.com/shaiso/xdispatch/internal/domain"
)

// Rule DTOs

// CreateRuleRequest — запрос на создание правила классификации.
type CreateRuleRequest struct {
	Code           *int               `json:"code,omitempty"`
	Pattern        string             `json:"message_pattern,omitempty"`
	Priority       int                `json:"priority"`
	ActionDiscrete domain.RetryAction `json:"action_discrete"`
	ActionBatch    domain.RetryAction `json:"action_batch"`
	HealthState    domain.HealthState `json:"health_state,omitempty"`
	Deactivate     bool               `json:"deactivate"`
	Enabled        *bool              `json:"enabled,omitempty"`
	Description    string             `json:"description,omitempty"`
}

// Validate проверяет запрос и заполняет значения по умолчанию.
func (r *CreateRuleRequest) Validate() error {
	if r.Code == nil && r.Pattern == "" {
		return errors.New("either code or message_pattern is required")
	}
	if r.ActionDiscrete == "" {
		r.ActionDiscrete = domain.DefaultRetryAction(false)
	}
	if r.ActionBatch == "" {
		r.ActionBatch = domain.DefaultRetryAction(true)
	}
	if !validAction(r.ActionDiscrete) || !validAction(r.ActionBatch) {
		return errors.New("action must be one of retry_new, retry_same, skip, abort")
	}
	if r.HealthState != "" && !validHealth(r.HealthState) {
		return errors.New("unknown health_state")
	}
	return nil
}

// ToDomain строит правило. Новое правило включено, если не сказано иное.
func (r *CreateRuleRequest) ToDomain() *domain.ErrorRule {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return &domain.ErrorRule{
		Code:           r.Code,
		Pattern:        r.Pattern,
		Priority:       r.Priority,
		ActionDiscrete: r.ActionDiscrete,
		ActionBatch:    r.ActionBatch,
		HealthState:    r.HealthState,
		Deactivate:     r.Deactivate,
		Enabled:        enabled,
		Description:    r.Description,
	}
}

func validAction(a domain.RetryAction) bool {
	switch a {
	case domain.RetryNew, domain.RetrySame, domain.Skip, domain.Abort:
		return true
	}
	return false
}

func validHealth(h domain.HealthState) bool {
	switch h {
	case domain.HealthHealthy, domain.HealthDegraded, domain.HealthLockedOut, domain.HealthSuspended,
		domain.HealthDead, domain.HealthUnknown, domain.HealthRateLimited, domain.HealthLoggedOut:
		return true
	}
	return false
}

// SetEnabledRequest — запрос на включение/выключение правила.
type SetEnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// ReloadResponse — результат перечитывания кэша правил.
type ReloadResponse struct {
	Rules int `json:"rules"`
}

// Job DTOs

// JobCountsResponse — количество jobs семейства по состояниям.
type JobCountsResponse struct {
	Family domain.Family             `json:"family"`
	States map[domain.JobState]int64 `json:"states"`
	Total  int64                     `json:"total"`
}

// Sweep DTOs

// SweepResponse — результат ручного запуска sweep.
type SweepResponse struct {
	Sweep      string  `json:"sweep"`
	Affected   int64   `json:"affected"`
	Skipped    bool    `json:"skipped"`
	DurationMS float64 `json:"duration_ms"`
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Health DTOs

// HealthResponse — ответ /healthz.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}
