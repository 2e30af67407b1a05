package domain

import "strconv"

// Ключи фильтров курсора кампании.
const (
	FilterDeckID        = "deck_id"
	FilterStatus        = "status"
	FilterGroup         = "group"
	FilterScraperDeckID = "scraper_deck_id"
)

// Cursor — позиция пагинации кампании.
//
// Filters задаются при создании кампании и не меняются.
// LastSeenID монотонно растёт по мере выдачи целей.
type Cursor struct {
	Filters    map[string]string `json:"filters,omitempty"`
	LastSeenID *int64            `json:"last_seen_id,omitempty"`
}

// After возвращает id, после которого выбираются следующие цели.
func (c Cursor) After() int64 {
	if c.LastSeenID == nil {
		return 0
	}
	return *c.LastSeenID
}

// Advance возвращает курсор, сдвинутый на id.
// Курсор никогда не двигается назад.
func (c Cursor) Advance(id int64) Cursor {
	if id <= c.After() && c.LastSeenID != nil {
		return c
	}
	next := Cursor{Filters: c.Filters, LastSeenID: &id}
	return next
}

// Filter возвращает значение фильтра.
func (c Cursor) Filter(key string) (string, bool) {
	v, ok := c.Filters[key]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// FilterInt возвращает числовой фильтр (например, deck_id).
func (c Cursor) FilterInt(key string) (int64, bool) {
	v, ok := c.Filter(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
