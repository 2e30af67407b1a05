package domain

import "strings"

// RetryAction — что делать после неудачи.
type RetryAction string

const (
	// RetryNew — повторить с другой credential.
	RetryNew RetryAction = "retry_new"

	// RetrySame — повторить с той же credential.
	RetrySame RetryAction = "retry_same"

	// Skip — пропустить цель.
	Skip RetryAction = "skip"

	// Abort — прервать job.
	Abort RetryAction = "abort"
)

// DefaultRetryAction — действие, когда ни одно правило не подошло.
func DefaultRetryAction(batch bool) RetryAction {
	if batch {
		return Skip
	}
	return RetryNew
}

// ErrorRule — правило классификации ошибок.
//
// Правило срабатывает, если совпал код или Pattern встречается
// в сообщении (без учёта регистра). Среди сработавших выигрывает
// правило с наибольшим Priority.
type ErrorRule struct {
	ID             int64       `json:"id"`
	Code           *int        `json:"code,omitempty"`
	Pattern        string      `json:"message_pattern,omitempty"`
	Priority       int         `json:"priority"`
	ActionDiscrete RetryAction `json:"action_discrete"`
	ActionBatch    RetryAction `json:"action_batch"`
	HealthState    HealthState `json:"health_state,omitempty"`
	Deactivate     bool        `json:"deactivate"`
	Enabled        bool        `json:"enabled"`
	Description    string      `json:"description,omitempty"`
}

// Matches проверяет правило против кода и сообщения.
// lowerMessage должно быть уже приведено к нижнему регистру.
func (r *ErrorRule) Matches(code *int, lowerMessage string) bool {
	if r.Code != nil && code != nil && *r.Code == *code {
		return true
	}
	if r.Pattern != "" && lowerMessage != "" &&
		strings.Contains(lowerMessage, strings.ToLower(r.Pattern)) {
		return true
	}
	return false
}

// ActionFor возвращает действие правила для семейства.
func (r *ErrorRule) ActionFor(batch bool) RetryAction {
	a := r.ActionDiscrete
	if batch {
		a = r.ActionBatch
	}
	if a == "" {
		return DefaultRetryAction(batch)
	}
	return a
}
