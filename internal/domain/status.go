package domain

// JobState — состояние job в жизненном цикле dispatch.
//
// Жизненный цикл discrete job:
//
//	queued → awaiting_acceptance → in_progress → completed
//	           ↘ (reject) queued              ↘ failed
//
// Batch кампании (warmer, scraping) пропускают awaiting_acceptance:
//
//	queued → in_progress → completed | failed
type JobState string

const (
	// JobQueued — job ждёт, пока её заберёт воркер.
	JobQueued JobState = "queued"

	// JobAwaitingAcceptance — job выдана воркеру, ждём подтверждения.
	JobAwaitingAcceptance JobState = "awaiting_acceptance"

	// JobInProgress — воркер выполняет job.
	JobInProgress JobState = "in_progress"

	// JobCompleted — job успешно завершена.
	JobCompleted JobState = "completed"

	// JobFailed — job завершилась с ошибкой.
	JobFailed JobState = "failed"
)

// IsTerminal возвращает true, если состояние финальное.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed:
		return true
	default:
		return false
	}
}

// IsClaimed возвращает true, если у job есть claimant.
func (s JobState) IsClaimed() bool {
	return s == JobAwaitingAcceptance || s == JobInProgress
}

// ParseJobState парсит строку в JobState.
// Второе значение false, если строка не является известным состоянием.
func ParseJobState(s string) (JobState, bool) {
	switch JobState(s) {
	case JobQueued, JobAwaitingAcceptance, JobInProgress, JobCompleted, JobFailed:
		return JobState(s), true
	default:
		return "", false
	}
}

// HealthState — состояние здоровья credential.
//
// Набор значений расширяется данными: правила классификатора могут
// выставлять любую строку, здесь перечислены известные.
type HealthState string

const (
	HealthHealthy     HealthState = "healthy"
	HealthDegraded    HealthState = "degraded"
	HealthLockedOut   HealthState = "locked_out"
	HealthSuspended   HealthState = "suspended"
	HealthDead        HealthState = "dead"
	HealthUnknown     HealthState = "unknown"
	HealthRateLimited HealthState = "rate_limited"
	HealthLoggedOut   HealthState = "logged_out"
)

// Пороги подряд идущих сбоев без правила классификатора.
const (
	// DegradedAfterFailures — healthy или unknown credential становится degraded.
	DegradedAfterFailures = 5

	// DeadAfterFailures — credential становится dead и больше не выдаётся.
	DeadAfterFailures = 10
)

// BlockedHealthStates — состояния, при которых credential не выдаётся в lease.
var BlockedHealthStates = []HealthState{HealthLockedOut, HealthSuspended, HealthDead}

// IsBlocked возвращает true, если credential с этим здоровьем нельзя выдавать.
func (h HealthState) IsBlocked() bool {
	for _, b := range BlockedHealthStates {
		if h == b {
			return true
		}
	}
	return false
}

// Deactivates возвращает true, если наблюдаемое воркером состояние
// означает, что credential больше не пригоден к работе.
func (h HealthState) Deactivates() bool {
	switch h {
	case HealthSuspended, HealthLockedOut, HealthLoggedOut:
		return true
	default:
		return false
	}
}

// Presence — статус присутствия актора.
type Presence string

const (
	PresenceConnected    Presence = "connected"
	PresenceDisconnected Presence = "disconnected"
	PresenceError        Presence = "error"
)

// Role — роль сессии.
type Role string

const (
	// RoleWorker — исполнитель jobs.
	RoleWorker Role = "worker"

	// RoleObserver — панель наблюдения, получает broadcast.
	RoleObserver Role = "observer"
)

// ParseRole парсит client_type из auth envelope.
// Всё, что не observer/panel, считается воркером.
func ParseRole(s string) Role {
	switch s {
	case "observer", "panel":
		return RoleObserver
	default:
		return RoleWorker
	}
}
