package protocol

import (
	"github.com/shaiso/xdispatch/internal/domain"
)

// Типы исходящих сообщений, которых нет среди входящих.
const (
	TypeAction                 = "action"
	TypeNoAction               = "no_action"
	TypeTokenAssigned          = "token_assigned"
	TypeNoTokenAvailable       = "no_token_available"
	TypeTokenBatchAssigned     = "token_batch_assigned"
	TypeTokenReportAck         = "token_report_ack"
	TypeWarmerJob              = "warmer_job"
	TypeNoWarmerJob            = "no_warmer_job"
	TypeWarmerTarget           = "warmer_target"
	TypeWarmerTargets          = "warmer_targets"
	TypeWarmerDone             = "warmer_done"
	TypeWarmerResultAck        = "warmer_result_ack"
	TypeScrapingJob            = "scraping_job"
	TypeNoScrapingJob          = "no_scraping_job"
	TypeScrapingTarget         = "scraping_target"
	TypeScrapingTargets        = "scraping_targets"
	TypeScrapingDone           = "scraping_done"
	TypeScrapingResultAck      = "scraping_result_ack"
	TypeScrapingResultBatchAck = "scraping_result_batch_ack"
	TypeCredentialOutcomeAck   = "credential_outcome_ack"
	TypeStatusAck              = "status_ack"
	TypeActionAvailable        = "action_available"
	TypeStopActionResult       = "stop_action_result"
	TypeError                  = "error"

	TypeCredentialHealth = "credential_health"
	TypeCampaignProgress = "campaign_progress"
	TypePresence         = "presence"
)

// AuthResult — ответ на auth.
type AuthResult struct {
	Type     string `json:"type"`
	Success  bool   `json:"success"`
	WorkerID string `json:"worker_id,omitempty"`
	Role     string `json:"role,omitempty"`
	Error    string `json:"error,omitempty"`
}

// AuthOK строит успешный ответ на auth.
func AuthOK(role domain.Role, workerID string) AuthResult {
	return AuthResult{Type: TypeAuth, Success: true, Role: string(role), WorkerID: workerID}
}

// AuthFailed строит отказ в аутентификации.
func AuthFailed(msg string) AuthResult {
	return AuthResult{Type: TypeAuth, Success: false, Error: msg}
}

// Token — credential в том виде, в каком её получает воркер.
type Token struct {
	TokenID     int64  `json:"token_id"`
	Nick        string `json:"nick"`
	AuthToken   string `json:"auth_token"`
	CT0         string `json:"ct0"`
	CookiesFull string `json:"cookies_full,omitempty"`
}

// TokenFrom переводит credential в формат воркера.
func TokenFrom(c domain.Credential) Token {
	return Token{
		TokenID:     c.ID,
		Nick:        c.Nick,
		AuthToken:   c.AuthToken,
		CT0:         c.CSRFToken,
		CookiesFull: c.CookiesFull,
	}
}

// TokensFrom переводит список credentials.
func TokensFrom(creds []domain.Credential) []Token {
	out := make([]Token, len(creds))
	for i, c := range creds {
		out[i] = TokenFrom(c)
	}
	return out
}

// ActionPayload — discrete job, выданная воркеру.
type ActionPayload struct {
	ID           int64  `json:"id"`
	JobType      string `json:"job_type"`
	URL          string `json:"url"`
	Quantity     int    `json:"quantity"`
	Attempted    int    `json:"attempted"`
	Comment      string `json:"comment,omitempty"`
	Util         string `json:"util,omitempty"`
	Boost        int    `json:"boost"`
	Request      int    `json:"request"`
	Module       string `json:"module,omitempty"`
	Media        string `json:"media,omitempty"`
	ChatID       string `json:"chat_id,omitempty"`
	DeckID       *int64 `json:"deck_id,omitempty"`
	Proxy        string `json:"proxy,omitempty"`
	ProxyRequest string `json:"proxy_request,omitempty"`
	ProxyBoost   string `json:"proxy_boost,omitempty"`

	// UseLeaseManager == false означает, что credentials пришли в DeckTokens.
	UseLeaseManager bool    `json:"use_lease_manager"`
	DeckTokens      []Token `json:"deck_tokens,omitempty"`
	ViewsPerMinute  int     `json:"views_per_minute,omitempty"`
}

// Action — выдача discrete job.
type Action struct {
	Type   string        `json:"type"`
	Action ActionPayload `json:"action"`
}

// NewActionMessage строит сообщение action.
func NewActionMessage(p ActionPayload) Action {
	return Action{Type: TypeAction, Action: p}
}

// Reply — короткий ответ: тип и необязательная причина.
type Reply struct {
	Type    string `json:"type"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// NoJob строит ответ "работы нет" заданного типа.
func NoJob(typ, reason string) Reply {
	return Reply{Type: typ, Reason: reason}
}

// TokenAssigned — выдана одна credential.
type TokenAssigned struct {
	Type string `json:"type"`
	Token
}

// NewTokenAssigned строит token_assigned.
func NewTokenAssigned(c domain.Credential) TokenAssigned {
	return TokenAssigned{Type: TypeTokenAssigned, Token: TokenFrom(c)}
}

// NoTokenAvailable — lease не выдан.
type NoTokenAvailable struct {
	Type        string                   `json:"type"`
	Reason      string                   `json:"reason"`
	Message     string                   `json:"message,omitempty"`
	DeckID      int64                    `json:"deck_id,omitempty"`
	ActionType  string                   `json:"action_type,omitempty"`
	Diagnostics *domain.LeaseDiagnostics `json:"diagnostics,omitempty"`
}

// TokenBatchAssigned — ответ на пакетный запрос lease.
type TokenBatchAssigned struct {
	Type        string                   `json:"type"`
	RequestID   string                   `json:"request_id,omitempty"`
	Tokens      []Token                  `json:"tokens"`
	Reason      string                   `json:"reason,omitempty"`
	Diagnostics *domain.LeaseDiagnostics `json:"diagnostics,omitempty"`
}

// Ack — подтверждение обработки отчёта.
type Ack struct {
	Type     string `json:"type"`
	JobID    int64  `json:"job_id,omitempty"`
	ActionID int64  `json:"action_id,omitempty"`
	TokenID  int64  `json:"token_id,omitempty"`
	OK       bool   `json:"ok"`
	Applied  int    `json:"applied,omitempty"`
	State    string `json:"state,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ProgressInfo — счётчики кампании.
type ProgressInfo struct {
	domain.Counters
	Total int `json:"total"`
}

// ProgressOf возвращает счётчики job.
func ProgressOf(j *domain.Job) ProgressInfo {
	return ProgressInfo{Counters: j.Counters, Total: j.Total}
}

// CampaignPayload — кампания, выданная воркеру.
type CampaignPayload struct {
	ID        int64             `json:"id"`
	JobType   string            `json:"job_type"`
	Progress  ProgressInfo      `json:"progress"`
	Filters   map[string]string `json:"filters,omitempty"`
	DeckID    int64             `json:"deck_id,omitempty"`
	NickGroup string            `json:"nick_group,omitempty"`
	APM       int               `json:"apm,omitempty"`
	Threads   int               `json:"threads,omitempty"`
	Request   int               `json:"request,omitempty"`
}

// CampaignJob — выдача кампании (warmer_job, scraping_job).
type CampaignJob struct {
	Type          string          `json:"type"`
	Job           CampaignPayload `json:"job"`
	ScraperTokens []Token         `json:"scraper_tokens,omitempty"`
}

// NewCampaignJob строит выдачу кампании.
func NewCampaignJob(j *domain.Job, scraper []domain.Credential) CampaignJob {
	typ := TypeScrapingJob
	if j.Family == domain.FamilyWarmer {
		typ = TypeWarmerJob
	}
	p := CampaignPayload{
		ID:       j.ID,
		JobType:  j.Type,
		Progress: ProgressOf(j),
		Filters:  j.Cursor.Filters,
	}
	if w := j.Warmer; w != nil {
		p.DeckID = w.DeckID
		p.NickGroup = w.NickGroup
		p.APM = w.APM
		p.Threads = w.Threads
		p.Request = w.Request
	}
	msg := CampaignJob{Type: typ, Job: p}
	if len(scraper) > 0 {
		msg.ScraperTokens = TokensFrom(scraper)
	}
	return msg
}

// CampaignTarget — одна цель кампании.
type CampaignTarget struct {
	Type     string        `json:"type"`
	JobID    int64         `json:"job_id"`
	Target   domain.Target `json:"target"`
	Progress ProgressInfo  `json:"progress"`
}

// CampaignTargets — пакет целей кампании.
type CampaignTargets struct {
	Type     string          `json:"type"`
	JobID    int64           `json:"job_id"`
	Targets  []domain.Target `json:"targets"`
	Progress ProgressInfo    `json:"progress"`
}

// CampaignDone — целей больше нет, кампания завершена.
type CampaignDone struct {
	Type      string `json:"type"`
	JobID     int64  `json:"job_id"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}

// DoneType возвращает тип сообщения завершения для семейства.
func DoneType(f domain.Family) string {
	if f == domain.FamilyWarmer {
		return TypeWarmerDone
	}
	return TypeScrapingDone
}

// NewCampaignDone строит сообщение о завершении кампании.
func NewCampaignDone(j *domain.Job) CampaignDone {
	return CampaignDone{
		Type:      DoneType(j.Family),
		JobID:     j.ID,
		Total:     j.Total,
		Succeeded: j.Counters.Succeeded,
		Failed:    j.Counters.Failed,
	}
}

// CampaignError строит сообщение о невозможности выдать цель.
func CampaignError(f domain.Family, jobID int64, msg string) CampaignDone {
	return CampaignDone{Type: DoneType(f), JobID: jobID, Error: msg}
}

// ActionAvailable — воркерам: появилась новая discrete job.
type ActionAvailable struct {
	Type    string `json:"type"`
	JobType string `json:"job_type"`
}

// StopActionResult — ответ панели на stop_action.
type StopActionResult struct {
	Type     string `json:"type"`
	ActionID int64  `json:"action_id"`
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
}

// UsageEcho — broadcast отчёта о ресурсах панелям.
type UsageEcho struct {
	Type     string `json:"type"`
	WorkerID string `json:"worker_id,omitempty"`
	UsageReport
}

// LogEcho — broadcast строки журнала панелям.
type LogEcho struct {
	Type     string `json:"type"`
	WorkerID string `json:"worker_id,omitempty"`
	LogType  string `json:"log_type"`
	Message  string `json:"message"`
}

// HealthChange — изменение health одной credential.
type HealthChange struct {
	CredentialID int64              `json:"token_id"`
	ActionType   string             `json:"action_type,omitempty"`
	Success      bool               `json:"success"`
	Health       domain.HealthState `json:"health,omitempty"`
	Action       domain.RetryAction `json:"retry_action,omitempty"`
}

// CredentialHealth — broadcast изменений health панелям владельца.
type CredentialHealth struct {
	Type    string         `json:"type"`
	Changes []HealthChange `json:"changes"`
}

// NewCredentialHealth строит credential_health.
func NewCredentialHealth(changes []HealthChange) CredentialHealth {
	return CredentialHealth{Type: TypeCredentialHealth, Changes: changes}
}

// CampaignProgress — broadcast прогресса кампании.
type CampaignProgress struct {
	Type     string          `json:"type"`
	JobID    int64           `json:"job_id"`
	Family   domain.Family   `json:"family"`
	JobType  string          `json:"job_type"`
	State    domain.JobState `json:"state"`
	Progress ProgressInfo    `json:"progress"`
}

// NewCampaignProgress строит campaign_progress.
func NewCampaignProgress(j *domain.Job) CampaignProgress {
	return CampaignProgress{
		Type:     TypeCampaignProgress,
		JobID:    j.ID,
		Family:   j.Family,
		JobType:  j.Type,
		State:    j.State,
		Progress: ProgressOf(j),
	}
}

// Presence — broadcast изменения присутствия воркера.
type Presence struct {
	Type     string          `json:"type"`
	State    domain.Presence `json:"state"`
	WorkerID string          `json:"worker_id,omitempty"`
}

// NewPresence строит presence.
func NewPresence(state domain.Presence, workerID string) Presence {
	return Presence{Type: TypePresence, State: state, WorkerID: workerID}
}

// ErrorReply — универсальный negative acknowledgment.
type ErrorReply struct {
	Type      string `json:"type"`
	InReplyTo string `json:"in_reply_to"`
	Reason    string `json:"reason"`
}

// NewError строит универсальный отказ на envelope типа typ.
func NewError(typ, reason string) ErrorReply {
	return ErrorReply{Type: TypeError, InReplyTo: typ, Reason: reason}
}
