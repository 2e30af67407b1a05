package domain

import (
	"strings"
	"time"
)

// Credential — учётные данные из пула (deck), которые воркер берёт в lease.
type Credential struct {
	ID          int64  `json:"id"`
	DeckID      int64  `json:"deck_id"`
	Nick        string `json:"nick"`
	AuthToken   string `json:"auth_token,omitempty"`
	CSRFToken   string `json:"csrf_token,omitempty"`
	CookiesFull string `json:"cookies_full,omitempty"`

	Active bool        `json:"active"`
	Health HealthState `json:"health"`

	LockedBy string     `json:"locked_by,omitempty"`
	LockedAt *time.Time `json:"locked_at,omitempty"`

	LastUsedAt          *time.Time `json:"last_used_at,omitempty"`
	LastWarmedAt        *time.Time `json:"last_warmed_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`

	Profile Profile `json:"profile"`
}

// Profile — атрибуты профиля, которые собирает scraping.
type Profile struct {
	TwitterUserID string `json:"twitter_user_id,omitempty"`
	Followers     int    `json:"followers_count"`
	Following     int    `json:"following_count"`
	ImageURL      string `json:"profile_img,omitempty"`
	Location      string `json:"location,omitempty"`
	Bio           string `json:"bio,omitempty"`
	BioLink       string `json:"bio_link,omitempty"`
}

// HasSecrets — оба секрета присутствуют.
func (c *Credential) HasSecrets() bool {
	return c.AuthToken != "" && c.CSRFToken != ""
}

// Leased — credential держит чей-то lease.
func (c *Credential) Leased() bool {
	return c.LockedAt != nil
}

// Leasable проверяет условия выдачи credential под действие actionType.
// Дедупликация по цели проверяется отдельно, в хранилище.
func (c *Credential) Leasable(actionType string) bool {
	if !c.Active || c.Health.IsBlocked() || !c.HasSecrets() {
		return false
	}
	if IsSharedRead(actionType) {
		return true
	}
	return !c.Leased()
}

// RotatedSecret — обновлённые cookies, которые прислал воркер.
type RotatedSecret struct {
	Raw       string
	AuthToken string
	CSRFToken string
}

// ParseRotatedSecret разбирает cookie-строку вида "k=v; k2=v2" (разделители
// ";" или перевод строки) и извлекает auth_token и ct0.
// Возвращает false, если ни одного секрета не найдено.
func ParseRotatedSecret(raw string) (RotatedSecret, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return RotatedSecret{}, false
	}
	out := RotatedSecret{Raw: raw}

	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ';' || r == '\n' || r == '\r'
	})
	for _, f := range fields {
		k, v, ok := strings.Cut(strings.TrimSpace(f), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "auth_token":
			out.AuthToken = strings.TrimSpace(v)
		case "ct0":
			out.CSRFToken = strings.TrimSpace(v)
		}
	}
	if out.AuthToken == "" && out.CSRFToken == "" {
		return RotatedSecret{}, false
	}
	return out, true
}

// Nick — handle, по которому работают кампании.
type Nick struct {
	ID      int64  `json:"id"`
	Handle  string `json:"handle"`
	Group   string `json:"group"`
	Status  string `json:"status"`
	UserID  string `json:"user_id,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// Статусы nick.
const (
	NickActive   = "active"
	NickInactive = "inactive"
)

// LeaseDiagnostics объясняет, почему lease не выдан: сколько credentials
// в deck проходит каждый следующий фильтр.
type LeaseDiagnostics struct {
	Total               int64 `json:"total"`
	Active              int64 `json:"active"`
	WithSecrets         int64 `json:"with_secrets"`
	Healthy             int64 `json:"healthy"`
	Unlocked            int64 `json:"unlocked"`
	AlreadyUsedOnTarget int64 `json:"already_used_on_target"`
}
