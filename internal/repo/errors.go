package repo

import "errors"

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState — операция невозможна в текущем состоянии.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotClaimant — job не в нужном состоянии или принадлежит другому worker-instance.
	ErrNotClaimant = errors.New("not claimant")

	// ErrCursorMoved — курсор кампании сдвинул конкурентный запрос.
	ErrCursorMoved = errors.New("cursor moved")
)
