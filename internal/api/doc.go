// Package api — admin HTTP API сервера xdispatch.
//
// Структура:
//   - handler.go      — Handler и интерфейсы зависимостей
//   - routes.go       — регистрация маршрутов
//   - middleware.go   — logging, recovery, bearer auth
//   - response.go     — JSON-ответы и перевод ошибок репозиториев
//   - dto.go          — запросы и ответы
//   - rule_handler.go — /api/v1/rules (правила классификации ошибок)
//   - job_handler.go  — /api/v1/jobs (чтение jobs)
//   - ops_handler.go  — /healthz, /api/v1/sessions, /api/v1/sweeps
//
// /healthz и /metrics доступны без токена, остальное требует
// "Authorization: Bearer $ADMIN_TOKEN".
package api
