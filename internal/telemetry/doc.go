// Package telemetry обеспечивает наблюдаемость системы.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики dispatch, lease и классификатора
//   - tracing.go — OpenTelemetry spans на каждый envelope
//
// Все бинарники используют единый формат логирования,
// сервер экспортирует метрики на /metrics admin-порта.
package telemetry
