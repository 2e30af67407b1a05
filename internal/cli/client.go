package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// Rule — правило классификации ошибок.
type Rule struct {
	ID             int64  `json:"id"`
	Code           *int   `json:"code,omitempty"`
	Pattern        string `json:"message_pattern,omitempty"`
	Priority       int    `json:"priority"`
	ActionDiscrete string `json:"action_discrete"`
	ActionBatch    string `json:"action_batch"`
	HealthState    string `json:"health_state,omitempty"`
	Deactivate     bool   `json:"deactivate"`
	Enabled        bool   `json:"enabled"`
	Description    string `json:"description,omitempty"`
}

// JobCounters — счётчики прогресса job.
type JobCounters struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Job — job любого семейства. Поля семейств CLI не разбирает.
type Job struct {
	ID        int64       `json:"id"`
	Family    string      `json:"family"`
	OwnerID   int64       `json:"owner_id"`
	Type      string      `json:"type"`
	State     string      `json:"state"`
	WorkerID  string      `json:"worker_id,omitempty"`
	Counters  JobCounters `json:"counters"`
	Total     int         `json:"total"`
	CreatedAt string      `json:"created_at"`
}

// JobCounts — количество jobs по состояниям.
type JobCounts struct {
	Family string           `json:"family"`
	States map[string]int64 `json:"states"`
	Total  int64            `json:"total"`
}

// SessionStats — счётчики сессий.
type SessionStats struct {
	Tracked   int `json:"tracked"`
	Workers   int `json:"workers"`
	Observers int `json:"observers"`
	Actors    int `json:"actors"`
}

// SweepResult — результат ручного запуска sweep.
type SweepResult struct {
	Sweep      string  `json:"sweep"`
	Affected   int64   `json:"affected"`
	Skipped    bool    `json:"skipped"`
	DurationMS float64 `json:"duration_ms"`
}

// --- Request types ---

// CreateRuleRequest — создание правила.
type CreateRuleRequest struct {
	Code           *int   `json:"code,omitempty"`
	Pattern        string `json:"message_pattern,omitempty"`
	Priority       int    `json:"priority"`
	ActionDiscrete string `json:"action_discrete,omitempty"`
	ActionBatch    string `json:"action_batch,omitempty"`
	HealthState    string `json:"health_state,omitempty"`
	Deactivate     bool   `json:"deactivate"`
	Enabled        *bool  `json:"enabled,omitempty"`
	Description    string `json:"description,omitempty"`
}

// ListJobsOpts — параметры фильтрации jobs.
type ListJobsOpts struct {
	OwnerID int64
	State   string
	Limit   int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент admin API xdispatch.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient создаёт клиент. Пустой token — без заголовка Authorization.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Rules ---

// ListRules возвращает все правила.
func (c *Client) ListRules() ([]Rule, error) {
	var rules []Rule
	err := c.list("/api/v1/rules", nil, &rules)
	return rules, err
}

// GetRule возвращает правило по ID.
func (c *Client) GetRule(id int64) (*Rule, error) {
	var rule Rule
	err := c.get("/api/v1/rules/"+strconv.FormatInt(id, 10), &rule)
	return &rule, err
}

// CreateRule создаёт правило.
func (c *Client) CreateRule(req CreateRuleRequest) (*Rule, error) {
	var rule Rule
	err := c.post("/api/v1/rules", req, &rule)
	return &rule, err
}

// SetRuleEnabled включает или выключает правило.
func (c *Client) SetRuleEnabled(id int64, enabled bool) error {
	body := map[string]bool{"enabled": enabled}
	return c.put("/api/v1/rules/"+strconv.FormatInt(id, 10)+"/enabled", body, nil)
}

// DeleteRule удаляет правило.
func (c *Client) DeleteRule(id int64) error {
	return c.delete("/api/v1/rules/" + strconv.FormatInt(id, 10))
}

// ReloadRules перечитывает кэш правил сервера. Возвращает число правил.
func (c *Client) ReloadRules() (int, error) {
	var resp struct {
		Rules int `json:"rules"`
	}
	err := c.post("/api/v1/rules/reload", nil, &resp)
	return resp.Rules, err
}

// --- Jobs ---

// ListJobs возвращает jobs семейства.
func (c *Client) ListJobs(family string, opts ListJobsOpts) ([]Job, error) {
	params := url.Values{}
	if opts.OwnerID > 0 {
		params.Set("owner_id", strconv.FormatInt(opts.OwnerID, 10))
	}
	if opts.State != "" {
		params.Set("state", opts.State)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var jobs []Job
	err := c.list("/api/v1/jobs/"+url.PathEscape(family), params, &jobs)
	return jobs, err
}

// CountJobs возвращает количество jobs семейства по состояниям.
func (c *Client) CountJobs(family string) (*JobCounts, error) {
	var counts JobCounts
	err := c.get("/api/v1/jobs/"+url.PathEscape(family)+"/counts", &counts)
	return &counts, err
}

// --- Operations ---

// Sessions возвращает счётчики подключённых сессий.
func (c *Client) Sessions() (*SessionStats, error) {
	var st SessionStats
	err := c.get("/api/v1/sessions", &st)
	return &st, err
}

// ListSweeps возвращает имена задач обслуживания.
func (c *Client) ListSweeps() ([]string, error) {
	var names []string
	err := c.list("/api/v1/sweeps", nil, &names)
	return names, err
}

// RunSweep запускает задачу обслуживания.
func (c *Client) RunSweep(name string) (*SweepResult, error) {
	var res SweepResult
	err := c.post("/api/v1/sweeps/"+url.PathEscape(name)+"/run", nil, &res)
	return &res, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) put(path string, body any, result any) error {
	return c.doData(http.MethodPut, path, body, result)
}

func (c *Client) delete(path string) error {
	return c.doData(http.MethodDelete, path, nil, nil)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNoContent || result == nil {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return json.Unmarshal(dr.Data, result)
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error.Code == "" {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}
	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
