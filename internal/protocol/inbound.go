package protocol

import "encoding/json"

// Типы входящих сообщений.
const (
	TypeAuth                = "auth"
	TypeRequestAction       = "request_action"
	TypeTaskAccepted        = "task_accepted"
	TypeTaskRejected        = "task_rejected"
	TypeProgress            = "progress"
	TypeStatus              = "status"
	TypeTweetSnapshot       = "tweet_snapshot"
	TypeRequestToken        = "request_token"
	TypeRequestTokenBatch   = "request_token_batch"
	TypeTokenReport         = "token_report"
	TypeTokenReportBatch    = "token_report_batch"
	TypeRequestWarmerJob    = "request_warmer_job"
	TypeWarmerNext          = "warmer_next"
	TypeWarmerNextBatch     = "warmer_next_batch"
	TypeWarmerResult        = "warmer_result"
	TypeRequestScrapingJob  = "request_scraping_job"
	TypeScrapingNext        = "scraping_next"
	TypeScrapingNextBatch   = "scraping_next_batch"
	TypeScrapingResult      = "scraping_result"
	TypeScrapingResultBatch = "scraping_result_batch"
	TypeScrapingJobComplete = "scraping_job_complete"
	TypeCredentialOutcome   = "credential_outcome"
	TypeUsage               = "usage"
	TypeLog                 = "log"
	TypeNewAction           = "new_action"
	TypeStopAction          = "stop_action"
)

// Auth — аутентификация сессии.
type Auth struct {
	Token      string `json:"token"`
	ClientType string `json:"client_type"`
}

// RequestAction — запрос discrete job. Пустой JobType — любой тип.
type RequestAction struct {
	JobType string `json:"job_type"`
}

// JobRef — ссылка на discrete job (accept, reject, stop).
type JobRef struct {
	ActionID int64 `json:"action_id"`
}

// Progress — прирост счётчика attempted.
type Progress struct {
	ActionID int64 `json:"action_id"`
	Quantity int   `json:"quantity"`
}

// Status — отчёт воркера о состоянии discrete job.
type Status struct {
	ActionID int64  `json:"action_id"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// TweetSnapshot — снимок цели, сохраняемый в discrete job.
type TweetSnapshot struct {
	ActionID int64           `json:"action_id"`
	Data     json.RawMessage `json:"data"`
}

// RequestToken — запрос lease одной или нескольких credentials.
type RequestToken struct {
	DeckID     int64  `json:"deck_id"`
	ActionType string `json:"action_type"`
	TweetID    string `json:"tweet_id"`
	TweetURL   string `json:"tweet_url"`
	Count      int    `json:"count"`
	RequestID  string `json:"request_id"`
}

// TokenReport — результат использования credential.
type TokenReport struct {
	TokenID    int64  `json:"token_id"`
	ActionType string `json:"action_type"`
	TweetID    string `json:"tweet_id"`
	TweetURL   string `json:"tweet_url"`
	Success    bool   `json:"success"`
	ErrorCode  string `json:"error_code"`
	SetCookies string `json:"set_cookies"`
}

// TokenReportBatch — несколько отчётов в одной транзакции.
type TokenReportBatch struct {
	Reports []TokenReport `json:"reports"`
}

// CampaignNext — запрос следующих целей кампании.
type CampaignNext struct {
	JobID int64 `json:"job_id"`
	Count int   `json:"count"`
}

// WarmerResult — результат одного действия warmer.
type WarmerResult struct {
	JobID      int64  `json:"job_id"`
	AccountID  int64  `json:"account_id"`
	NickTarget string `json:"nick_target"`
	URL        string `json:"url"`
	Status     string `json:"status"`
	ErrorMsg   string `json:"error_msg"`
	ErrorCode  string `json:"error_code"`
	SetCookies string `json:"set_cookies"`
}

// ScrapingResult — результат scraping одной цели.
type ScrapingResult struct {
	JobID      int64           `json:"job_id"`
	TargetID   int64           `json:"target_id"`
	TargetType string          `json:"target_type"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result"`
	ErrorMsg   string          `json:"error_msg"`
}

// ScrapingResultBatch — несколько результатов одной кампании.
type ScrapingResultBatch struct {
	JobID   int64            `json:"job_id"`
	Results []ScrapingResult `json:"results"`
}

// JobComplete — воркер сообщает, что целей кампании больше нет.
type JobComplete struct {
	JobID int64 `json:"job_id"`
}

// CredentialOutcome — успех или сбой credential вне discrete job.
type CredentialOutcome struct {
	TokenID    int64  `json:"token_id"`
	ActionType string `json:"action_type"`
	Success    bool   `json:"success"`
	ErrorCode  string `json:"error_code"`
	SetCookies string `json:"set_cookies"`
}

// UsageReport — загрузка машины воркера.
type UsageReport struct {
	CPU        float64 `json:"cpu"`
	RAMUsedGB  string  `json:"ram_used_gb"`
	RAMTotalGB string  `json:"ram_total_gb"`
}

// Usage — периодический отчёт воркера о ресурсах.
type Usage struct {
	Usage *UsageReport `json:"usage"`
}

// Log — свободная строка журнала от воркера.
type Log struct {
	LogType string `json:"log_type"`
	Message string `json:"message"`
}

// NewAction — панель сообщает о новой discrete job.
type NewAction struct {
	JobType string `json:"job_type"`
}

// StatusOK — значение Status для успешного результата кампании.
const StatusOK = "ok"
