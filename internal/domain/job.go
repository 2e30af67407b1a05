package domain

import (
	"strings"
	"time"
)

// Counters — счётчики прогресса job. Растут монотонно и только
// пока job не в финальном состоянии.
type Counters struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Job — единица работы одного из трёх семейств.
//
// Общие поля заполнены всегда. Поля конкретного семейства лежат
// в Action (discrete) или Warmer (warmer); у scraping дополнительных
// полей нет, фильтры живут в Cursor.
type Job struct {
	ID      int64    `json:"id"`
	Family  Family   `json:"family"`
	OwnerID int64    `json:"owner_id"`
	Type    string   `json:"type"`
	State   JobState `json:"state"`

	// WorkerID — worker-instance, который держит job (claimant).
	WorkerID string `json:"worker_id,omitempty"`

	Counters Counters `json:"counters"`
	Total    int      `json:"total"`
	Cursor   Cursor   `json:"cursor"`
	ChatID   string   `json:"chat_id,omitempty"`

	Action *ActionDetails `json:"action,omitempty"`
	Warmer *WarmerDetails `json:"warmer,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// AwaitingResults возвращает true для завершённой кампании, которая ещё
// ждёт результаты по выданным целям.
func (j *Job) AwaitingResults() bool {
	return j.State == JobCompleted && j.Counters.Attempted < j.Total
}

// ActionDetails — поля discrete job.
type ActionDetails struct {
	DeckID      *int64     `json:"deck_id,omitempty"`
	URL         string     `json:"url"`
	Quantity    int        `json:"quantity"`
	Comment     string     `json:"comment,omitempty"`
	Util        string     `json:"util,omitempty"`
	Boost       int        `json:"boost"`
	Request     int        `json:"request"`
	Module      string     `json:"module,omitempty"`
	Media       string     `json:"media,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// WarmerDetails — поля warmer кампании.
type WarmerDetails struct {
	DeckID    int64  `json:"deck_id"`
	NickGroup string `json:"nick_group"`
	APM       int    `json:"apm"`
	Threads   int    `json:"threads"`
	Request   int    `json:"request"`
}

// Типы discrete и scraping jobs, у которых есть особая обработка.
const (
	// ActionView — shared-read тип: lease не эксклюзивный, без дедупликации.
	ActionView = "view"

	ScrapeCredentialHealth = "credential_health"
	ScrapeNickProfile      = "nick_profile"
)

// IsSharedRead возвращает true для типов действий, которым разрешено
// использовать одну credential параллельно.
func IsSharedRead(actionType string) bool {
	return actionType == ActionView
}

// JobFinished — событие о переходе job в финальное состояние.
// Публикуется после коммита транзакции.
type JobFinished struct {
	JobID    int64    `json:"job_id"`
	Family   Family   `json:"family"`
	OwnerID  int64    `json:"owner_id"`
	Type     string   `json:"type"`
	State    JobState `json:"state"`
	Counters Counters `json:"counters"`
	Total    int      `json:"total"`
	URL      string   `json:"url,omitempty"`
	Quantity int      `json:"quantity,omitempty"`
	ChatID   string   `json:"chat_id,omitempty"`
}

// PreservedComment выбирает comment при возврате discrete job в очередь:
// если предыдущий comment содержит ссылку на результат, он сохраняется.
func PreservedComment(prev, incoming string) string {
	if strings.Contains(prev, "https://") {
		return prev
	}
	return incoming
}
