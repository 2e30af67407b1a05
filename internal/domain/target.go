package domain

// Target — следующая цель кампании, которую сервер выдаёт воркеру.
//
// Для warmer это credential из deck плюс случайный tweet из группы nicks,
// для scraping credential_health это credential, для nick_profile — nick.
type Target struct {
	ID         int64       `json:"id"`
	Kind       string      `json:"target_type"`
	Credential *Credential `json:"credential,omitempty"`
	Nick       *Nick       `json:"nick,omitempty"`

	Proxy        string `json:"proxy,omitempty"`
	ProxyRequest string `json:"proxy_request,omitempty"`

	// NickTarget и URL — объект действия warmer.
	NickTarget string `json:"nick_target,omitempty"`
	URL        string `json:"url,omitempty"`
}

// DeckProxy — настройки прокси пула.
type DeckProxy struct {
	Proxy        string `json:"proxy,omitempty"`
	ProxyRequest string `json:"proxy_request,omitempty"`
	ProxyBoost   string `json:"proxy_boost,omitempty"`
}
