package jobs

import "errors"

// Ошибки сервиса jobs.
var (
	// ErrNoJob — подходящей job в очереди нет.
	ErrNoJob = errors.New("no job available")

	// ErrMalformed — в запросе нет обязательных полей или они некорректны.
	ErrMalformed = errors.New("malformed job request")

	// ErrNotOwner — job принадлежит другому актору.
	ErrNotOwner = errors.New("job belongs to another actor")

	// ErrNoNicks — в группе warmer нет активных nicks с tweets.
	ErrNoNicks = errors.New("no nicks available")

	// ErrUnknownTarget — тип scraping кампании не поддерживается.
	ErrUnknownTarget = errors.New("unknown scraping target type")
)
